package server

import (
	"net/http"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var b Bundle
	if err := decodeBody(r, &b); err != nil {
		writeError(w, err)
		return
	}
	result, err := CreateBundle(r.Context(), s.store, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        exp.ID,
		"projectId": exp.ProjectID,
		"objective": exp.Objective,
		"datasetId": exp.DatasetID,
		"rubric":    exp.Rubric,
		"createdAt": exp.CreatedAt,
	})
}

// handleRun enqueues the experiment driver job and returns immediately. The
// per-experiment advisory lock inside the orchestrator makes a duplicate
// enqueue harmless.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExperiment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.pool.Enqueue(r.Context(), JobRunExperiment, runPayload{ExperimentID: id}, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	// Resuming flips the iteration back to EXECUTING; the driver job picks
	// the replay up.
	jobID, err := s.pool.Enqueue(r.Context(), JobRunExperiment, runPayload{ExperimentID: id}, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "jobId": jobID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type iterationView struct {
	ID              string     `json:"id"`
	Number          int        `json:"number"`
	PromptVersionID string     `json:"promptVersionId"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	Metrics         any        `json:"metrics,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
}

func (s *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	iters, err := s.store.ListIterations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]iterationView, 0, len(iters))
	for _, it := range iters {
		v := iterationView{
			ID:              it.ID,
			Number:          it.Number,
			PromptVersionID: it.PromptVersionID,
			Status:          string(it.Status),
			FailureReason:   it.FailureReason,
		}
		if !it.StartedAt.IsZero() {
			t := it.StartedAt
			v.StartedAt = &t
		}
		if !it.FinishedAt.IsZero() {
			t := it.FinishedAt
			v.FinishedAt = &t
		}
		if len(it.Metrics) > 0 {
			v.Metrics = it.Metrics
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

type versionView struct {
	ID           string    `json:"id"`
	Version      int       `json:"version"`
	ParentID     string    `json:"parentId,omitempty"`
	Body         string    `json:"body"`
	Changelog    string    `json:"changelog,omitempty"`
	CreatedBy    string    `json:"createdBy"`
	IsProduction bool      `json:"isProduction"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListPromptVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]versionView, 0, len(versions))
	for _, pv := range versions {
		views = append(views, versionView{
			ID:           pv.ID,
			Version:      pv.Version,
			ParentID:     pv.ParentID,
			Body:         pv.Body,
			Changelog:    pv.Changelog,
			CreatedBy:    pv.CreatedBy,
			IsProduction: pv.IsProduction,
			CreatedAt:    pv.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExperiment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.bus.ServeSSE(w, r, id, events.DefaultHeartbeat)
}

type reviewRequest struct {
	Reviewer   string `json:"reviewer"`
	Decision   string `json:"decision"`
	EditedDiff string `json:"editedDiff,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reviewer == "" {
		writeError(w, fault.New(fault.Validation, "reviewer is required"))
		return
	}
	rv := domain.Review{
		SuggestionID: chi.URLParam(r, "id"),
		Reviewer:     req.Reviewer,
		Decision:     domain.ReviewDecision(req.Decision),
		EditedDiff:   req.EditedDiff,
		Notes:        req.Notes,
	}
	if err := s.orch.SubmitReview(r.Context(), rv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
