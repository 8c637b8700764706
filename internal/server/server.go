// Package server exposes the workbench over HTTP: experiment CRUD and
// control, suggestion review, a server-sent event stream per experiment,
// Prometheus metrics, and health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/orchestrator"
	"github.com/edisonhq/edison/internal/queue"
	"github.com/edisonhq/edison/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// JobRunExperiment is the queue kind that drives one experiment to its next
// stopping point.
const JobRunExperiment = "run_experiment"

// runPayload is the run_experiment job body.
type runPayload struct {
	ExperimentID string `json:"experimentId"`
}

// Server wires the HTTP API over the store, orchestrator, queue, and bus.
type Server struct {
	store *store.Store
	orch  *orchestrator.Orchestrator
	pool  *queue.Pool
	bus   *events.Bus
	log   *zap.Logger
}

// New creates the server and registers the run_experiment handler on the
// pool.
func New(st *store.Store, orch *orchestrator.Orchestrator, pool *queue.Pool, bus *events.Bus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: st, orch: orch, pool: pool, bus: bus, log: log.Named("server")}
	if pool != nil {
		pool.Register(JobRunExperiment, s.runExperimentJob)
	}
	return s
}

func (s *Server) runExperimentJob(ctx context.Context, job store.Job) error {
	var p runPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fault.Wrap(fault.Validation, err, "decode run payload")
	}
	_, err := s.orch.RunExperiment(ctx, p.ExperimentID)
	return err
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleCreateExperiment)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExperiment)
				r.Post("/run", s.handleRun)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/cancel", s.handleCancel)
				r.Get("/iterations", s.handleListIterations)
				r.Get("/versions", s.handleListVersions)
				r.Get("/events", s.handleEvents)
			})
		})
		r.Post("/suggestions/{id}/review", s.handleReview)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a fault kind to an HTTP status and writes the standard
// error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Validation, fault.ParseFailure, fault.DiffInvalid:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Conflict, fault.LockHeld:
		status = http.StatusConflict
	case fault.BudgetExceeded:
		status = http.StatusPaymentRequired
	case fault.RateLimit:
		status = http.StatusTooManyRequests
	case fault.AuthFailure:
		status = http.StatusUnauthorized
	case fault.PermissionDenied:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fault.Wrap(fault.Validation, err, "decode request body")
	}
	return nil
}
