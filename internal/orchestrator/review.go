package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edisonhq/edison/internal/budget"
	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/refiner"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitReview applies a human decision to a pending suggestion and closes
// its iteration. APPROVE applies the refiner's diff as a new prompt version;
// EDIT applies the reviewer's diff instead; REJECT records the decision and
// keeps the prompt unchanged.
func (o *Orchestrator) SubmitReview(ctx context.Context, rv domain.Review) error {
	if rv.ID == "" {
		rv.ID = uuid.NewString()
	}
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = time.Now().UTC()
	}

	sg, err := o.store.GetSuggestion(ctx, rv.SuggestionID)
	if err != nil {
		return err
	}
	switch sg.Status {
	case domain.SuggestionPending:
	case domain.SuggestionInvalid:
		// The refiner's diff did not apply; a reviewer can still rescue the
		// iteration with an edited diff, or reject it.
		if rv.Decision == domain.ReviewApprove {
			return fault.New(fault.Conflict, "suggestion %s is %s; submit an EDIT with a working diff", sg.ID, sg.Status)
		}
	default:
		return fault.New(fault.Conflict, "suggestion %s already %s", sg.ID, sg.Status)
	}
	it, err := o.store.GetIteration(ctx, sg.IterationID)
	if err != nil {
		return err
	}
	if it.Status != domain.IterationReviewing {
		return fault.New(fault.Conflict, "iteration %s is %s, not awaiting review", it.ID, it.Status)
	}
	parent, err := o.store.GetPromptVersion(ctx, sg.ParentPromptVersionID)
	if err != nil {
		return err
	}

	switch rv.Decision {
	case domain.ReviewApprove, domain.ReviewEdit:
		diff := sg.Diff
		if rv.Decision == domain.ReviewEdit {
			if rv.EditedDiff == "" {
				return fault.New(fault.Validation, "EDIT review requires an edited diff")
			}
			diff = rv.EditedDiff
		}
		edited, err := refiner.Validate(parent.Body, diff)
		if err != nil {
			return err
		}
		changelog := sg.Note
		if rv.Notes != "" {
			changelog = rv.Notes
		}
		pv := domain.PromptVersion{
			ID:             uuid.NewString(),
			ExperimentID:   parent.ExperimentID,
			ParentID:       parent.ID,
			Body:           edited,
			SystemPreamble: parent.SystemPreamble,
			FewShot:        parent.FewShot,
			ToolSchema:     parent.ToolSchema,
			Changelog:      changelog,
			CreatedBy:      rv.Reviewer,
			CreatedAt:      time.Now().UTC(),
		}
		version, err := o.store.CreatePromptVersion(ctx, pv)
		if err != nil {
			return err
		}
		if err := o.store.ResolveSuggestion(ctx, rv, sg.Status, domain.SuggestionApplied); err != nil {
			return err
		}
		o.log.Info("suggestion applied",
			zap.String("suggestion", sg.ID), zap.Int("version", version), zap.String("reviewer", rv.Reviewer))
	case domain.ReviewReject:
		if err := o.store.ResolveSuggestion(ctx, rv, sg.Status, domain.SuggestionRejected); err != nil {
			return err
		}
	default:
		return fault.New(fault.Validation, "unknown review decision %q", rv.Decision)
	}

	o.publish(events.NewEvent(it.ExperimentID, it.ID, events.EventReviewDecided,
		string(rv.Decision), map[string]string{"suggestionId": sg.ID, "reviewer": rv.Reviewer}))
	return o.transition(ctx, &it, domain.IterationCompleted, func(i *domain.Iteration) {
		i.FinishedAt = time.Now().UTC()
	})
}

// autoApprove stands in for a human reviewer on the pending suggestion.
func (o *Orchestrator) autoApprove(ctx context.Context, exp domain.Experiment, it domain.Iteration) error {
	sgs, err := o.store.ListSuggestions(ctx, it.ID)
	if err != nil {
		return err
	}
	for _, sg := range sgs {
		if sg.Status != domain.SuggestionPending {
			continue
		}
		return o.SubmitReview(ctx, domain.Review{
			SuggestionID: sg.ID,
			Reviewer:     "auto-approve",
			Decision:     domain.ReviewApprove,
		})
	}
	// No pending suggestion left; close the iteration.
	return o.transition(ctx, &it, domain.IterationCompleted, func(i *domain.Iteration) {
		i.FinishedAt = time.Now().UTC()
	})
}

// Pause moves the experiment's in-flight iteration to PAUSED. Only the
// phases that run cases pause; the driver notices at the next case boundary
// and stops without discarding stored outputs.
func (o *Orchestrator) Pause(ctx context.Context, experimentID string) error {
	iters, err := o.store.ListIterations(ctx, experimentID)
	if err != nil {
		return err
	}
	for i := len(iters) - 1; i >= 0; i-- {
		switch iters[i].Status {
		case domain.IterationExecuting, domain.IterationJudging:
			it := iters[i]
			return o.transition(ctx, &it, domain.IterationPaused, nil)
		}
	}
	return fault.New(fault.Conflict, "experiment %s has no pausable iteration", experimentID)
}

// Resume moves a PAUSED iteration back into the phase the pause interrupted:
// JUDGING when every model run already finished with at least one completed,
// EXECUTING otherwise. The replay runs only the remaining work.
func (o *Orchestrator) Resume(ctx context.Context, experimentID string) error {
	iters, err := o.store.ListIterations(ctx, experimentID)
	if err != nil {
		return err
	}
	for i := len(iters) - 1; i >= 0; i-- {
		if iters[i].Status != domain.IterationPaused {
			continue
		}
		it := iters[i]
		target, err := o.resumeTarget(ctx, experimentID, it.ID)
		if err != nil {
			return err
		}
		return o.transition(ctx, &it, target, nil)
	}
	return fault.New(fault.Conflict, "experiment %s has no paused iteration", experimentID)
}

func (o *Orchestrator) resumeTarget(ctx context.Context, experimentID, iterationID string) (domain.IterationStatus, error) {
	runs, err := o.store.ListModelRuns(ctx, iterationID)
	if err != nil {
		return "", err
	}
	models, err := o.store.ListModelConfigs(ctx, experimentID, true)
	if err != nil {
		return "", err
	}
	if len(models) == 0 || len(runs) < len(models) {
		return domain.IterationExecuting, nil
	}
	completed := 0
	for _, run := range runs {
		switch run.Status {
		case domain.RunCompleted:
			completed++
		case domain.RunFailed:
		default:
			return domain.IterationExecuting, nil
		}
	}
	if completed == 0 {
		return domain.IterationExecuting, nil
	}
	return domain.IterationJudging, nil
}

// Cancel terminates every non-terminal iteration of the experiment.
func (o *Orchestrator) Cancel(ctx context.Context, experimentID string) error {
	iters, err := o.store.ListIterations(ctx, experimentID)
	if err != nil {
		return err
	}
	for _, it := range iters {
		if it.Status.Terminal() {
			continue
		}
		if err := o.transition(ctx, &it, domain.IterationCancelled, func(i *domain.Iteration) {
			i.FinishedAt = time.Now().UTC()
		}); err != nil {
			return err
		}
	}
	return nil
}

// finalReport assembles the experiment summary from the stored iterations.
func (o *Orchestrator) finalReport(ctx context.Context, exp domain.Experiment, stopReason string) (*Report, error) {
	iters, err := o.store.ListIterations(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{ExperimentID: exp.ID, StopReason: stopReason, TotalCostUSD: decimal.Zero}
	var (
		bestMetrics iterationMetrics
		bestIter    domain.Iteration
		haveBest    bool
	)
	for _, it := range iters {
		runs, err := o.store.ListModelRuns(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			report.TotalCostUSD = report.TotalCostUSD.Add(run.CostUSD)
			report.TotalTokens += run.PromptTokens + run.CompletionTokens
		}
		if it.Status != domain.IterationCompleted {
			continue
		}
		report.IterationsRun++
		if len(it.Metrics) == 0 {
			continue
		}
		var m iterationMetrics
		if err := json.Unmarshal(it.Metrics, &m); err != nil {
			return nil, fmt.Errorf("unmarshal iteration metrics: %w", err)
		}
		if !haveBest || m.BestComposite > bestMetrics.BestComposite {
			bestMetrics, bestIter, haveBest = m, it, true
		}
		report.PerModelRanking = m.Models
	}
	if haveBest {
		report.CompositeScore = bestMetrics.BestComposite
		report.BestPromptVersionID = bestIter.PromptVersionID
	}
	report.Recommendations = o.recommendations(exp, stopReason, report, bestMetrics, haveBest)

	o.publish(events.NewEvent(exp.ID, "", events.EventExperimentDone, stopReason, report))
	o.log.Info("experiment finished",
		zap.String("experiment", exp.ID),
		zap.String("reason", stopReason),
		zap.Int("iterations", report.IterationsRun),
		zap.String("cost", report.TotalCostUSD.StringFixed(4)))
	return report, nil
}

// recommendations derives a few actionable notes from the final state.
func (o *Orchestrator) recommendations(exp domain.Experiment, stopReason string, report *Report, best iterationMetrics, haveBest bool) []string {
	var recs []string
	switch stopReason {
	case budget.StopBudget:
		recs = append(recs, "Budget was exhausted before the other stop rules fired; raise max_budget_usd or shrink the dataset to continue iterating.")
	case budget.StopMaxIterations:
		recs = append(recs, "The iteration cap was reached; scores may still be improving, consider raising max_iterations.")
	case budget.StopNoRefinement:
		recs = append(recs, "The refiner could not produce a valid edit; the prompt may be near a local optimum, or the guardrails are too tight for the remaining issues.")
	}
	if haveBest && best.BestModel != "" {
		recs = append(recs, fmt.Sprintf("Model config %s ranked best; consider promoting prompt version %s to production.", best.BestModel, report.BestPromptVersionID))
	}
	if haveBest {
		for name, mean := range best.CriterionMeans {
			if c, ok := exp.Rubric.Criterion(name); ok {
				if c.Normalize(int(mean+0.5)) < 0.5 {
					recs = append(recs, fmt.Sprintf("Criterion %q still scores below the scale midpoint; it may need dedicated dataset cases or a prompt section of its own.", name))
				}
			}
		}
	}
	return recs
}
