// Package orchestrator drives experiments through the iteration state
// machine: execute every active model over the dataset, judge the outputs,
// aggregate metrics, ask the refiner for an edit, and hand the suggestion to
// a human reviewer. Every write is idempotent, so an iteration interrupted
// at any phase can be replayed from EXECUTING without duplicating outputs,
// judgments, or spend.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edisonhq/edison/internal/aggregate"
	"github.com/edisonhq/edison/internal/budget"
	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/evaluator"
	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/edisonhq/edison/internal/refiner"
	"github.com/edisonhq/edison/internal/safety"
	"github.com/edisonhq/edison/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes the orchestrator.
type Config struct {
	Owner              string // lock owner id, unique per process
	ExecuteConcurrency int
	JudgeConcurrency   int
	LockTTL            time.Duration
	LockHeartbeat      time.Duration

	// AutoApprove applies valid suggestions without waiting for a human.
	// Used by smoke runs and tests; the API server leaves it off.
	AutoApprove bool
}

// DefaultConfig returns the workbench defaults.
func DefaultConfig() Config {
	return Config{
		Owner:              uuid.NewString(),
		ExecuteConcurrency: 8,
		JudgeConcurrency:   8,
		LockTTL:            time.Hour,
		LockHeartbeat:      15 * time.Second,
	}
}

// Orchestrator coordinates one or more experiments over a shared store.
type Orchestrator struct {
	store  *store.Store
	client *provider.Client
	eval   *evaluator.Evaluator
	ref    *refiner.Refiner
	guard  *budget.Guard
	bus    *events.Bus
	cfg    Config
	log    *zap.Logger
}

// New wires the orchestrator. The refiner may be nil, in which case the
// refine phase is skipped and iterations complete after aggregation.
func New(st *store.Store, client *provider.Client, ref *refiner.Refiner, bus *events.Bus, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.ExecuteConcurrency <= 0 {
		cfg.ExecuteConcurrency = DefaultConfig().ExecuteConcurrency
	}
	if cfg.JudgeConcurrency <= 0 {
		cfg.JudgeConcurrency = DefaultConfig().JudgeConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.LockHeartbeat <= 0 {
		cfg.LockHeartbeat = DefaultConfig().LockHeartbeat
	}
	o := &Orchestrator{
		store:  st,
		client: client,
		eval:   evaluator.New(client, log),
		ref:    ref,
		bus:    bus,
		cfg:    cfg,
		log:    log.Named("orchestrator"),
	}
	o.guard = budget.NewGuard(st, o.onBudgetAlert, log)
	return o
}

func (o *Orchestrator) onBudgetAlert(experimentID string, spent, max decimal.Decimal) {
	o.publish(events.NewEvent(experimentID, "", events.EventCostAlert,
		fmt.Sprintf("spend %s of budget %s", spent.StringFixed(2), max.StringFixed(2)),
		map[string]string{"spent": spent.String(), "budget": max.String()}))
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// Report is the final experiment summary.
type Report struct {
	ExperimentID        string                   `json:"experimentId"`
	BestPromptVersionID string                   `json:"bestPromptVersionId"`
	CompositeScore      float64                  `json:"compositeScore"`
	PerModelRanking     []aggregate.ModelSummary `json:"perModelRanking"`
	TotalCostUSD        decimal.Decimal          `json:"totalCostUsd"`
	TotalTokens         int                      `json:"totalTokens"`
	IterationsRun       int                      `json:"iterationsRun"`
	StopReason          string                   `json:"stopReason"`
	Recommendations     []string                 `json:"recommendations"`
}

// iterationMetrics is the blob stored on the iteration row and published on
// the event stream after aggregation.
type iterationMetrics struct {
	BestComposite  float64                  `json:"bestComposite"`
	BestModel      string                   `json:"bestModel"`
	Models         []aggregate.ModelSummary `json:"models"`
	WinRates       map[string]float64       `json:"winRates,omitempty"`
	Facets         []aggregate.FacetScore   `json:"facets,omitempty"`
	CriterionMeans map[string]float64       `json:"criterionMeans"`
}

// RunExperiment iterates until a stop rule fires or a suggestion needs a
// human decision. It returns a final report when a stop rule ends the
// experiment, and a nil report when the experiment is waiting on external
// input (a pending review, or a paused iteration). The per-experiment lock
// guarantees a single driver; a heartbeat keeps it alive across long
// iterations.
func (o *Orchestrator) RunExperiment(ctx context.Context, experimentID string) (*Report, error) {
	lockName := "experiment:" + experimentID
	if err := o.store.AcquireLock(ctx, lockName, o.cfg.Owner, o.cfg.LockTTL); err != nil {
		return nil, err
	}
	defer o.store.ReleaseLock(context.WithoutCancel(ctx), lockName, o.cfg.Owner)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(hbCtx, lockName)

	exp, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	exp.StopRules.ApplyDefaults()
	if err := exp.StopRules.Validate(); err != nil {
		return nil, err
	}
	if err := exp.Rubric.Validate(); err != nil {
		return nil, err
	}

	for {
		stop, reason, err := o.stepExperiment(ctx, exp)
		if err != nil {
			return nil, err
		}
		if stop {
			if reason == "" {
				return nil, nil // waiting on a review or a resume
			}
			return o.finalReport(ctx, exp, reason)
		}
	}
}

// stepExperiment resumes or runs one iteration and evaluates the stop
// rules. It returns stop=true with an empty reason when a suggestion is
// waiting on a human.
func (o *Orchestrator) stepExperiment(ctx context.Context, exp domain.Experiment) (bool, string, error) {
	iters, err := o.store.ListIterations(ctx, exp.ID)
	if err != nil {
		return false, "", err
	}

	// A cancelled iteration ends the experiment; never schedule past it.
	if n := len(iters); n > 0 && iters[n-1].Status == domain.IterationCancelled {
		return true, budget.StopCancelled, nil
	}

	// Resume an interrupted iteration before considering a new one.
	for _, it := range iters {
		switch it.Status {
		case domain.IterationPaused:
			return true, "", nil // paused experiments wait for Resume
		case domain.IterationReviewing:
			if o.cfg.AutoApprove {
				if err := o.autoApprove(ctx, exp, it); err != nil {
					return false, "", err
				}
				return false, "", nil
			}
			return true, "", nil
		case domain.IterationPending, domain.IterationExecuting, domain.IterationJudging,
			domain.IterationAggregating, domain.IterationRefining:
			if err := o.runIteration(ctx, exp, it); err != nil {
				return false, "", err
			}
			return false, "", nil
		}
	}

	history, err := o.scoreHistory(iters)
	if err != nil {
		return false, "", err
	}
	refined := len(iters) == 0 || lastIterationRefined(iters, o.lastSuggestionStatus(ctx, iters))
	exhausted, err := o.guard.CheckAfter(ctx, exp)
	if err != nil {
		return false, "", err
	}
	outcome := budget.ShouldStop(exp.StopRules, budget.State{
		IterationsRun:   completedCount(iters),
		BudgetExhausted: exhausted,
		ScoreHistory:    history,
		Refined:         refined,
	})
	if outcome.Stop {
		return true, outcome.Reason, nil
	}

	it, err := o.scheduleIteration(ctx, exp, iters)
	if err != nil {
		if fault.KindOf(err) == fault.BudgetExceeded {
			return true, budget.StopBudget, nil
		}
		return false, "", err
	}
	if err := o.runIteration(ctx, exp, it); err != nil {
		return false, "", err
	}
	return false, "", nil
}

func (o *Orchestrator) heartbeat(ctx context.Context, lockName string) {
	ticker := time.NewTicker(o.cfg.LockHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.HeartbeatLock(ctx, lockName, o.cfg.Owner, o.cfg.LockTTL); err != nil {
				o.log.Error("lock heartbeat lost", zap.String("lock", lockName), zap.Error(err))
				return
			}
		}
	}
}

// scheduleIteration runs the pre-flight gate and creates the next PENDING
// iteration on the current prompt version.
func (o *Orchestrator) scheduleIteration(ctx context.Context, exp domain.Experiment, prior []domain.Iteration) (domain.Iteration, error) {
	dataset, models, judges, pv, err := o.loadFixtures(ctx, exp)
	if err != nil {
		return domain.Iteration{}, err
	}

	estimate, err := o.estimateIteration(exp, dataset, models, judges, pv)
	if err != nil {
		return domain.Iteration{}, err
	}
	if err := o.guard.CheckBefore(ctx, exp, estimate); err != nil {
		return domain.Iteration{}, err
	}

	number := 1
	if len(prior) > 0 {
		number = prior[len(prior)-1].Number + 1
	}
	it := domain.Iteration{
		ID:              uuid.NewString(),
		ExperimentID:    exp.ID,
		Number:          number,
		PromptVersionID: pv.ID,
		Status:          domain.IterationPending,
		ScheduledAt:     time.Now().UTC(),
	}
	if err := o.store.CreateIteration(ctx, it); err != nil {
		return domain.Iteration{}, err
	}
	return it, nil
}

// loadFixtures gathers and validates everything an iteration needs.
func (o *Orchestrator) loadFixtures(ctx context.Context, exp domain.Experiment) (domain.Dataset, []domain.ModelConfig, []domain.JudgeConfig, domain.PromptVersion, error) {
	var zero domain.PromptVersion

	models, err := o.store.ListModelConfigs(ctx, exp.ID, true)
	if err != nil {
		return domain.Dataset{}, nil, nil, zero, err
	}
	if len(models) == 0 {
		return domain.Dataset{}, nil, nil, zero, fault.New(fault.Validation, "experiment %s has no active model configs", exp.ID)
	}
	judges, err := o.store.ListJudgeConfigs(ctx, exp.ID, true)
	if err != nil {
		return domain.Dataset{}, nil, nil, zero, err
	}
	if len(judges) == 0 {
		return domain.Dataset{}, nil, nil, zero, fault.New(fault.Validation, "experiment %s has no active judges", exp.ID)
	}
	for _, mc := range models {
		if !o.client.Registry().Exists(mc.Provider) {
			return domain.Dataset{}, nil, nil, zero, fault.New(fault.Validation,
				"model config %s references unknown provider %q", mc.ID, mc.Provider)
		}
	}

	if exp.DatasetID == "" {
		return domain.Dataset{}, nil, nil, zero, fault.New(fault.Validation, "experiment %s has no dataset", exp.ID)
	}
	dataset, err := o.store.GetDataset(ctx, exp.DatasetID)
	if err != nil {
		return domain.Dataset{}, nil, nil, zero, err
	}
	if len(dataset.Cases) == 0 {
		return domain.Dataset{}, nil, nil, zero, fault.New(fault.Validation, "dataset %s is empty", dataset.ID)
	}

	pv, err := o.currentPromptVersion(ctx, exp)
	if err != nil {
		return domain.Dataset{}, nil, nil, zero, err
	}
	return dataset, models, judges, pv, nil
}

// currentPromptVersion returns the production version, falling back to the
// newest version.
func (o *Orchestrator) currentPromptVersion(ctx context.Context, exp domain.Experiment) (domain.PromptVersion, error) {
	if pv, ok, err := o.store.ProductionVersion(ctx, exp.ID); err != nil {
		return domain.PromptVersion{}, err
	} else if ok {
		return pv, nil
	}
	versions, err := o.store.ListPromptVersions(ctx, exp.ID)
	if err != nil {
		return domain.PromptVersion{}, err
	}
	if len(versions) == 0 {
		return domain.PromptVersion{}, fault.New(fault.Validation, "experiment %s has no prompt versions", exp.ID)
	}
	return versions[len(versions)-1], nil
}

// estimateIteration prices the upcoming iteration from per-model token
// heuristics: prompt tokens from the rendered length, completion capped by
// the model's max tokens.
func (o *Orchestrator) estimateIteration(exp domain.Experiment, dataset domain.Dataset, models []domain.ModelConfig, judges []domain.JudgeConfig, pv domain.PromptVersion) (decimal.Decimal, error) {
	promptTokens := len(pv.Body)/4 + 200
	total := decimal.Zero
	for _, mc := range models {
		completion := mc.Params.MaxTokens
		if completion <= 0 {
			completion = 512
		}
		cost, err := o.client.EstimateCost(mc.Provider, mc.Model, promptTokens, completion)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(cost.AmountUSD.Mul(decimal.NewFromInt(int64(len(dataset.Cases)))))
	}
	for _, jc := range judges {
		cost, err := o.client.EstimateCost(jc.Provider, jc.Model, promptTokens+256, 512)
		if err != nil {
			return decimal.Zero, err
		}
		calls := len(dataset.Cases) * len(models)
		if jc.Mode == domain.JudgePairwise {
			calls = len(dataset.Cases) * len(models) * (len(models) - 1) // two ordered calls per pair
		}
		total = total.Add(cost.AmountUSD.Mul(decimal.NewFromInt(int64(calls))))
	}
	return total, nil
}

func completedCount(iters []domain.Iteration) int {
	n := 0
	for _, it := range iters {
		if it.Status == domain.IterationCompleted {
			n++
		}
	}
	return n
}

// scoreHistory extracts best composite per completed iteration, oldest
// first.
func (o *Orchestrator) scoreHistory(iters []domain.Iteration) ([]float64, error) {
	var out []float64
	for _, it := range iters {
		if it.Status != domain.IterationCompleted || len(it.Metrics) == 0 {
			continue
		}
		var m iterationMetrics
		if err := json.Unmarshal(it.Metrics, &m); err != nil {
			return nil, fmt.Errorf("unmarshal iteration metrics: %w", err)
		}
		out = append(out, m.BestComposite)
	}
	return out, nil
}

// lastSuggestionStatus reports the newest completed iteration's suggestion
// status, or "" when it produced none.
func (o *Orchestrator) lastSuggestionStatus(ctx context.Context, iters []domain.Iteration) domain.SuggestionStatus {
	for i := len(iters) - 1; i >= 0; i-- {
		if iters[i].Status != domain.IterationCompleted {
			continue
		}
		sgs, err := o.store.ListSuggestions(ctx, iters[i].ID)
		if err != nil || len(sgs) == 0 {
			return ""
		}
		return sgs[len(sgs)-1].Status
	}
	return ""
}

func lastIterationRefined(iters []domain.Iteration, status domain.SuggestionStatus) bool {
	if len(iters) == 0 {
		return true
	}
	return status == domain.SuggestionApplied || status == domain.SuggestionPending
}

func (o *Orchestrator) transition(ctx context.Context, it *domain.Iteration, to domain.IterationStatus, mutate func(*domain.Iteration)) error {
	if err := CheckTransition(it.Status, to); err != nil {
		return err
	}
	from := it.Status
	err := o.store.TransitionIteration(ctx, it.ID, from, to, mutate)
	if err != nil {
		return err
	}
	it.Status = to
	if mutate != nil {
		mutate(it)
	}
	o.publish(events.NewEvent(it.ExperimentID, it.ID, events.EventStatusChanged,
		fmt.Sprintf("%s -> %s", from, to), map[string]any{"from": from, "to": to, "number": it.Number}))
	switch {
	case from == domain.IterationPending && to == domain.IterationExecuting:
		o.publish(events.NewEvent(it.ExperimentID, it.ID, events.EventIterationStarted,
			fmt.Sprintf("iteration %d", it.Number), map[string]any{"number": it.Number}))
	case to == domain.IterationCompleted:
		o.publish(events.NewEvent(it.ExperimentID, it.ID, events.EventIterationDone,
			fmt.Sprintf("iteration %d", it.Number), map[string]any{"number": it.Number}))
	}
	return nil
}

// fail moves the iteration to FAILED, recording the reason, and returns the
// original error.
func (o *Orchestrator) fail(ctx context.Context, it *domain.Iteration, cause error) error {
	reason := cause.Error()
	if err := o.transition(ctx, it, domain.IterationFailed, func(i *domain.Iteration) {
		i.FailureReason = reason
		i.FinishedAt = time.Now().UTC()
	}); err != nil {
		o.log.Error("could not record iteration failure", zap.String("iteration", it.ID), zap.Error(err))
	}
	return cause
}

// runIteration drives one iteration from wherever it stands to COMPLETED,
// REVIEWING, or FAILED.
func (o *Orchestrator) runIteration(ctx context.Context, exp domain.Experiment, it domain.Iteration) error {
	dataset, models, judges, _, err := o.loadFixtures(ctx, exp)
	if err != nil {
		return err
	}
	pv, err := o.store.GetPromptVersion(ctx, it.PromptVersionID)
	if err != nil {
		return err
	}
	scanner := safety.New(exp.Safety)

	if it.Status == domain.IterationPending {
		if err := o.transition(ctx, &it, domain.IterationExecuting, func(i *domain.Iteration) {
			i.StartedAt = time.Now().UTC()
		}); err != nil {
			return err
		}
	}

	if it.Status == domain.IterationExecuting {
		if err := o.executePhase(ctx, exp, &it, pv, dataset, models, scanner); err != nil {
			if errors.Is(err, errInterrupted) {
				return nil // pause or cancel landed at a case boundary
			}
			return o.fail(ctx, &it, err)
		}
		if err := o.transition(ctx, &it, domain.IterationJudging, nil); err != nil {
			return err
		}
	}

	if it.Status == domain.IterationJudging {
		if err := o.judgePhase(ctx, exp, &it, dataset, judges, scanner); err != nil {
			if errors.Is(err, errInterrupted) {
				return nil
			}
			return o.fail(ctx, &it, err)
		}
		if err := o.transition(ctx, &it, domain.IterationAggregating, nil); err != nil {
			return err
		}
	}

	var metrics iterationMetrics
	if it.Status == domain.IterationAggregating {
		m, err := o.aggregatePhase(ctx, exp, &it, dataset)
		if err != nil {
			return o.fail(ctx, &it, err)
		}
		metrics = m
		raw := it.Metrics
		if o.ref == nil {
			return o.transition(ctx, &it, domain.IterationCompleted, func(i *domain.Iteration) {
				i.Metrics = raw
				i.FinishedAt = time.Now().UTC()
			})
		}
		if err := o.transition(ctx, &it, domain.IterationRefining, func(i *domain.Iteration) {
			i.Metrics = raw
		}); err != nil {
			return err
		}
	} else if it.Status == domain.IterationRefining {
		// Replay after a crash between aggregate and refine.
		if err := json.Unmarshal(it.Metrics, &metrics); err != nil {
			return o.fail(ctx, &it, fmt.Errorf("unmarshal iteration metrics: %w", err))
		}
	}

	if it.Status == domain.IterationRefining {
		suggestionID, ok, err := o.refinePhase(ctx, exp, &it, pv, dataset, metrics)
		if err != nil {
			return o.fail(ctx, &it, err)
		}
		if !ok {
			// An invalid suggestion ends the iteration only when the stop
			// rules say so; otherwise the reviewer can still rescue it with
			// an edited diff.
			if exp.StopRules.StopIfNoRefinement {
				return o.complete(ctx, &it)
			}
		}
		if err := o.transition(ctx, &it, domain.IterationReviewing, nil); err != nil {
			return err
		}
		o.publish(events.NewEvent(exp.ID, it.ID, events.EventRefineDone, "suggestion awaiting review",
			map[string]string{"suggestionId": suggestionID}))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, it *domain.Iteration) error {
	return o.transition(ctx, it, domain.IterationCompleted, func(i *domain.Iteration) {
		i.FinishedAt = time.Now().UTC()
	})
}
