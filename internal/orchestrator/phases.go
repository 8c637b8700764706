package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edisonhq/edison/internal/aggregate"
	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/edisonhq/edison/internal/refiner"
	"github.com/edisonhq/edison/internal/safety"
	"github.com/edisonhq/edison/internal/template"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errInterrupted marks a pause or cancel observed at a case boundary. The
// phase stops dispatching; work already stored stays put for the resume.
var errInterrupted = errors.New("iteration interrupted")

// checkpoint re-reads the iteration and reports errInterrupted once a pause
// or cancel has landed. Called between case boundaries, never mid-call.
func (o *Orchestrator) checkpoint(ctx context.Context, iterationID string) error {
	cur, err := o.store.GetIteration(ctx, iterationID)
	if err != nil {
		return err
	}
	switch cur.Status {
	case domain.IterationPaused, domain.IterationCancelled:
		return fmt.Errorf("%w: iteration is %s", errInterrupted, cur.Status)
	}
	return nil
}

// executePhase runs every active model over every case, recording outputs.
// Cases that already have a stored output (a replay after a crash or resume)
// are skipped, so the phase is idempotent. A run aborted by a permanent
// provider error does not sink the others; the phase fails only when no run
// completes.
func (o *Orchestrator) executePhase(ctx context.Context, exp domain.Experiment, it *domain.Iteration, pv domain.PromptVersion, dataset domain.Dataset, models []domain.ModelConfig, scanner *safety.Scanner) error {
	existing, err := o.store.ListModelRuns(ctx, it.ID)
	if err != nil {
		return err
	}
	runByModel := make(map[string]domain.ModelRun, len(existing))
	for _, r := range existing {
		runByModel[r.ModelConfigID] = r
	}

	completed := 0
	var failures []string
	for _, mc := range models {
		run, ok := runByModel[mc.ID]
		if ok && run.Status == domain.RunCompleted {
			completed++
			continue
		}
		if !ok {
			run = domain.ModelRun{
				ID:            uuid.NewString(),
				IterationID:   it.ID,
				ModelConfigID: mc.ID,
				DatasetID:     dataset.ID,
				Status:        domain.RunRunning,
				StartedAt:     time.Now().UTC(),
			}
		} else {
			run.Status = domain.RunRunning
		}
		if err := o.store.PutModelRun(ctx, run); err != nil {
			return err
		}

		err := o.executeRun(ctx, exp, it, pv, dataset, mc, &run, scanner)
		switch {
		case err == nil:
			completed++
		case errors.Is(err, errInterrupted):
			return err
		default:
			run.Status = domain.RunFailed
			run.FailureReason = err.Error()
			run.FinishedAt = time.Now().UTC()
			if putErr := o.store.PutModelRun(ctx, run); putErr != nil {
				o.log.Error("could not record run failure", zap.String("run", run.ID), zap.Error(putErr))
			}
			o.log.Warn("model run aborted",
				zap.String("run", run.ID), zap.String("model", mc.Model), zap.Error(err))
			o.publish(events.NewEvent(exp.ID, it.ID, events.EventError,
				fmt.Sprintf("model run %s/%s failed", mc.Provider, mc.Model),
				map[string]any{"message": err.Error(), "recoverable": true}))
			failures = append(failures, fmt.Sprintf("%s/%s: %v", mc.Provider, mc.Model, err))
		}
	}
	if completed == 0 {
		return fmt.Errorf("all model runs failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

// executeRun fans the model out over the dataset's cases, re-checking for a
// pause or cancel before each case is dispatched.
func (o *Orchestrator) executeRun(ctx context.Context, exp domain.Experiment, it *domain.Iteration, pv domain.PromptVersion, dataset domain.Dataset, mc domain.ModelConfig, run *domain.ModelRun, scanner *safety.Scanner) error {
	done, err := o.store.ListOutputs(ctx, run.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(done))
	for _, out := range done {
		seen[out.CaseID] = true
	}

	total := len(dataset.Cases)
	var (
		mu               sync.Mutex
		promptTokens     int
		completionTokens int
		cost             = decimal.Zero
		caseDone         = len(done)
	)

	sem := semaphore.NewWeighted(int64(o.cfg.ExecuteConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, cs := range dataset.Cases {
		if seen[cs.ID] {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if err := o.checkpoint(gctx, it.ID); err != nil {
				return err
			}

			out, err := o.executeCase(gctx, exp, pv, mc, run.ID, cs, scanner)
			if err != nil {
				return err
			}
			mu.Lock()
			promptTokens += out.PromptTokens
			completionTokens += out.CompletionTokens
			if !out.Skipped {
				c, err := o.client.EstimateCost(mc.Provider, mc.Model, out.PromptTokens, out.CompletionTokens)
				if err == nil {
					cost = cost.Add(c.AmountUSD)
				}
			}
			caseDone++
			n := caseDone
			mu.Unlock()
			o.publish(events.NewEvent(exp.ID, it.ID, events.EventRunProgress, "",
				map[string]any{"runId": run.ID, "completed": n, "total": total}))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, out := range done {
		promptTokens += out.PromptTokens
		completionTokens += out.CompletionTokens
	}
	run.Status = domain.RunCompleted
	run.PromptTokens = promptTokens
	run.CompletionTokens = completionTokens
	run.CostUSD = cost
	run.FinishedAt = time.Now().UTC()
	if err := o.store.PutModelRun(ctx, *run); err != nil {
		return err
	}
	o.publish(events.NewEvent(exp.ID, it.ID, events.EventRunCompleted,
		fmt.Sprintf("%s/%s done", mc.Provider, mc.Model),
		map[string]any{"modelConfigId": mc.ID, "costUsd": cost.String()}))
	return nil
}

// executeCase renders the prompt for one case, calls the model, scans the
// response, and stores the output. Cases the template cannot render and
// calls that exhaust their retries become skipped outputs rather than
// errors, so one bad case never sinks the run. Permanent provider errors
// are different: they abort the whole run.
func (o *Orchestrator) executeCase(ctx context.Context, exp domain.Experiment, pv domain.PromptVersion, mc domain.ModelConfig, runID string, cs domain.Case, scanner *safety.Scanner) (domain.Output, error) {
	out := domain.Output{
		ID:         uuid.NewString(),
		ModelRunID: runID,
		CaseID:     cs.ID,
		CreatedAt:  time.Now().UTC(),
	}

	if missing := template.MissingBindings(pv.Body, cs.Input); len(missing) > 0 {
		out.Skipped = true
		out.SkipReason = fmt.Sprintf("case is missing bindings %v", missing)
		_, err := o.store.PutOutput(ctx, out)
		return out, err
	}
	out.RenderedPrompt = template.Render(pv.Body, cs.Input)

	messages := make([]provider.Message, 0, 2+2*len(pv.FewShot))
	if pv.SystemPreamble != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: pv.SystemPreamble})
	}
	for _, ex := range pv.FewShot {
		messages = append(messages,
			provider.Message{Role: provider.RoleUser, Content: ex.Input},
			provider.Message{Role: provider.RoleAssistant, Content: ex.Output})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: out.RenderedPrompt})

	resp, err := o.client.Chat(ctx, provider.Request{
		Provider:  mc.Provider,
		Model:     mc.Model,
		ProjectID: exp.ProjectID,
		Messages:  messages,
		Options: provider.Options{
			Temperature:      mc.Params.Temperature,
			MaxTokens:        mc.Params.MaxTokens,
			TopP:             mc.Params.TopP,
			FrequencyPenalty: mc.Params.FrequencyPenalty,
			PresencePenalty:  mc.Params.PresencePenalty,
			Stop:             mc.Params.Stop,
			Seed:             mc.Params.Seed,
		},
	})
	if err != nil {
		switch fault.KindOf(err) {
		case fault.ProviderPermanent, fault.AuthFailure:
			return out, err
		}
		o.log.Warn("model call failed, skipping case",
			zap.String("case", cs.ID), zap.String("model", mc.Model), zap.Error(err))
		out.Skipped = true
		out.SkipReason = err.Error()
		_, putErr := o.store.PutOutput(ctx, out)
		return out, putErr
	}

	out.Text = resp.Text
	out.PromptTokens = resp.PromptTokens
	out.CompletionTokens = resp.CompletionTokens
	out.LatencyMS = resp.Latency.Milliseconds()
	out.FinishReason = string(resp.FinishReason)
	out.SafetyFlags = scanner.Scan(resp.Text)

	inserted, err := o.store.PutOutput(ctx, out)
	if err != nil {
		return out, err
	}
	if inserted && out.SafetyFlags.Any() {
		o.publish(events.NewEvent(exp.ID, "", events.EventSafetyFlagged,
			fmt.Sprintf("output %s flagged", out.ID), out.SafetyFlags))
	}
	return out, nil
}

// judgeable filters a run's outputs down to those worth judging: not skipped
// and, when the experiment blocks violations, not safety flagged.
func judgeable(exp domain.Experiment, outputs []domain.Output) []domain.Output {
	var out []domain.Output
	for _, o := range outputs {
		if o.Skipped {
			continue
		}
		if exp.Safety.BlockViolations && o.SafetyFlags.Any() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// judgePhase scores every judgeable output of every completed run with every
// active judge. Existing judgments are skipped on replay; a pause or cancel
// is honored between judge calls.
func (o *Orchestrator) judgePhase(ctx context.Context, exp domain.Experiment, it *domain.Iteration, dataset domain.Dataset, judges []domain.JudgeConfig, scanner *safety.Scanner) error {
	runs, err := o.completedRuns(ctx, it.ID)
	if err != nil {
		return err
	}
	caseByID := make(map[string]domain.Case, len(dataset.Cases))
	for _, cs := range dataset.Cases {
		caseByID[cs.ID] = cs
	}

	// outputsByRun holds only judgeable outputs, in case order.
	outputsByRun := make(map[string][]domain.Output, len(runs))
	var allIDs []string
	for _, run := range runs {
		outs, err := o.store.ListOutputs(ctx, run.ID)
		if err != nil {
			return err
		}
		outs = judgeable(exp, outs)
		outputsByRun[run.ID] = outs
		for _, out := range outs {
			allIDs = append(allIDs, out.ID)
		}
	}

	judged, err := o.existingJudgments(ctx, allIDs, runs, outputsByRun, caseByID)
	if err != nil {
		return err
	}

	var tasks []func(context.Context) (domain.Judgment, error)
	for _, judge := range judges {
		switch judge.Mode {
		case domain.JudgePointwise:
			for _, run := range runs {
				for _, out := range outputsByRun[run.ID] {
					if judged[judge.ID+"|"+out.ID] {
						continue
					}
					cs, ok := caseByID[out.CaseID]
					if !ok {
						continue
					}
					tasks = append(tasks, func(ctx context.Context) (domain.Judgment, error) {
						return o.eval.Pointwise(ctx, exp, judge, cs, out)
					})
				}
			}
		case domain.JudgePairwise:
			for _, pair := range o.pairings(runs, outputsByRun) {
				if judged[judge.ID+"|"+domain.PairKey(pair.a.ID, pair.b.ID)] {
					continue
				}
				cs, ok := caseByID[pair.a.CaseID]
				if !ok {
					continue
				}
				tasks = append(tasks, func(ctx context.Context) (domain.Judgment, error) {
					return o.eval.Pairwise(ctx, exp, judge, cs, pair.a, pair.b)
				})
			}
		default:
			return fault.New(fault.Validation, "judge %s has unknown mode %q", judge.ID, judge.Mode)
		}
	}

	total := len(tasks)
	var completed atomic.Int64
	sem := semaphore.NewWeighted(int64(o.cfg.JudgeConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if err := o.checkpoint(gctx, it.ID); err != nil {
				return err
			}
			j, err := task(gctx)
			if err != nil {
				return err
			}
			if err := o.storeJudgment(gctx, exp, it.ID, scanner, j); err != nil {
				return err
			}
			o.publish(events.NewEvent(exp.ID, it.ID, events.EventJudgeProgress, "",
				map[string]any{"completed": completed.Add(1), "total": total}))
			return nil
		})
	}
	return g.Wait()
}

// completedRuns lists the iteration's runs that finished their cases. Failed
// runs keep their partial outputs but stay out of judging and aggregation.
func (o *Orchestrator) completedRuns(ctx context.Context, iterationID string) ([]domain.ModelRun, error) {
	runs, err := o.store.ListModelRuns(ctx, iterationID)
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, run := range runs {
		if run.Status == domain.RunCompleted {
			out = append(out, run)
		}
	}
	return out, nil
}

// existingJudgments indexes already-stored judgments by "judge|target" so a
// replay never re-spends on a verdict it already has.
func (o *Orchestrator) existingJudgments(ctx context.Context, outputIDs []string, runs []domain.ModelRun, outputsByRun map[string][]domain.Output, caseByID map[string]domain.Case) (map[string]bool, error) {
	judged := make(map[string]bool)
	if len(outputIDs) > 0 {
		js, err := o.store.ListJudgmentsForOutputs(ctx, outputIDs)
		if err != nil {
			return nil, err
		}
		for _, j := range js {
			judged[j.JudgeConfigID+"|"+j.OutputID] = true
		}
	}
	var pairKeys []string
	for _, pair := range o.pairings(runs, outputsByRun) {
		pairKeys = append(pairKeys, domain.PairKey(pair.a.ID, pair.b.ID))
	}
	if len(pairKeys) > 0 {
		js, err := o.store.ListJudgmentsForPairs(ctx, pairKeys)
		if err != nil {
			return nil, err
		}
		for _, j := range js {
			judged[j.JudgeConfigID+"|"+j.PairKey] = true
		}
	}
	return judged, nil
}

type outputPair struct {
	a, b domain.Output
}

// pairings enumerates, per case, every unordered pair of outputs from
// distinct model runs.
func (o *Orchestrator) pairings(runs []domain.ModelRun, outputsByRun map[string][]domain.Output) []outputPair {
	byCase := map[string][]domain.Output{}
	for _, run := range runs {
		for _, out := range outputsByRun[run.ID] {
			byCase[out.CaseID] = append(byCase[out.CaseID], out)
		}
	}
	var pairs []outputPair
	for _, outs := range byCase {
		for i := 0; i < len(outs); i++ {
			for k := i + 1; k < len(outs); k++ {
				pairs = append(pairs, outputPair{a: outs[i], b: outs[k]})
			}
		}
	}
	return pairs
}

// storeJudgment scans the judge's free-text rationales, merges any flags the
// judge raised itself, and persists the judgment.
func (o *Orchestrator) storeJudgment(ctx context.Context, exp domain.Experiment, iterationID string, scanner *safety.Scanner, j domain.Judgment) error {
	j.SafetyFlags = mergeSafetyFlags(j.SafetyFlags, scanner.Scan(rationaleText(j)))

	inserted, err := o.store.PutJudgment(ctx, j)
	if err != nil {
		return err
	}
	if inserted && j.SafetyFlags.Any() {
		o.publish(events.NewEvent(exp.ID, iterationID, events.EventSafetyFlagged,
			fmt.Sprintf("judgment %s flagged", j.ID), j.SafetyFlags))
	}
	return nil
}

// rationaleText collects a judgment's free text in a stable order.
func rationaleText(j domain.Judgment) string {
	var parts []string
	names := make([]string, 0, len(j.Rationales))
	for name := range j.Rationales {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, j.Rationales[name])
	}
	parts = append(parts, j.Reasons...)
	return strings.Join(parts, "\n")
}

func mergeSafetyFlags(a, b *domain.SafetyFlags) *domain.SafetyFlags {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &domain.SafetyFlags{
		PolicyViolation:  a.PolicyViolation || b.PolicyViolation,
		PIIDetected:      a.PIIDetected || b.PIIDetected,
		ToxicContent:     a.ToxicContent || b.ToxicContent,
		JailbreakAttempt: a.JailbreakAttempt || b.JailbreakAttempt,
	}
}

// aggregatePhase computes iteration metrics over the completed runs and
// stores them on the iteration row when it moves out of AGGREGATING.
func (o *Orchestrator) aggregatePhase(ctx context.Context, exp domain.Experiment, it *domain.Iteration, dataset domain.Dataset) (iterationMetrics, error) {
	runs, err := o.completedRuns(ctx, it.ID)
	if err != nil {
		return iterationMetrics{}, err
	}
	caseByID := make(map[string]domain.Case, len(dataset.Cases))
	for _, cs := range dataset.Cases {
		caseByID[cs.ID] = cs
	}

	var (
		summaries      []aggregate.ModelSummary
		scored         []aggregate.ScoredCase
		critSums       = map[string]float64{}
		critCounts     = map[string]int{}
		modelForOutput = map[string]string{}
		allPairKeys    []string
	)

	for _, run := range runs {
		outs, err := o.store.ListOutputs(ctx, run.ID)
		if err != nil {
			return iterationMetrics{}, err
		}
		outs = judgeable(exp, outs)

		var ids []string
		for _, out := range outs {
			ids = append(ids, out.ID)
			modelForOutput[out.ID] = run.ModelConfigID
		}
		var judgments []domain.Judgment
		if len(ids) > 0 {
			judgments, err = o.store.ListJudgmentsForOutputs(ctx, ids)
			if err != nil {
				return iterationMetrics{}, err
			}
		}
		byOutput := map[string][]domain.Judgment{}
		for _, j := range judgments {
			byOutput[j.OutputID] = append(byOutput[j.OutputID], j)
			if j.Status == domain.JudgmentOK && j.Mode == domain.JudgePointwise {
				for name, score := range j.Scores {
					critSums[name] += float64(score)
					critCounts[name]++
				}
			}
		}

		var scores []float64
		for _, out := range outs {
			composite, ok := aggregate.OutputComposite(exp.Rubric, byOutput[out.ID])
			if !ok {
				continue
			}
			scores = append(scores, composite)
			if cs, found := caseByID[out.CaseID]; found {
				scored = append(scored, aggregate.ScoredCase{Case: cs, Score: composite})
			}
		}

		summaries = append(summaries, aggregate.ModelSummary{
			ModelConfigID: run.ModelConfigID,
			MeanComposite: aggregate.Mean(scores),
			CI:            aggregate.BootstrapCI(scores, aggregate.DefaultResamples, aggregate.DefaultConfidence, int64(it.Number)),
			Scores:        scores,
			Cases:         len(scores),
			CostUSD:       run.CostUSD,
			RunStartedAt:  run.StartedAt,
		})
	}

	for _, pair := range o.pairings(runs, o.judgeableOutputs(ctx, exp, runs)) {
		allPairKeys = append(allPairKeys, domain.PairKey(pair.a.ID, pair.b.ID))
	}
	winRates, err := o.winRates(ctx, allPairKeys, modelForOutput)
	if err != nil {
		return iterationMetrics{}, err
	}
	for i := range summaries {
		summaries[i].WinRate = winRates[summaries[i].ModelConfigID]
	}

	ranked := aggregate.Rank(summaries)
	metrics := iterationMetrics{
		Models:         ranked,
		WinRates:       winRates,
		Facets:         aggregate.Facets(scored),
		CriterionMeans: map[string]float64{},
	}
	if len(ranked) > 0 {
		metrics.BestComposite = ranked[0].MeanComposite
		metrics.BestModel = ranked[0].ModelConfigID
	}
	for name, sum := range critSums {
		metrics.CriterionMeans[name] = sum / float64(critCounts[name])
	}

	raw, err := json.Marshal(metrics)
	if err != nil {
		return iterationMetrics{}, fmt.Errorf("marshal iteration metrics: %w", err)
	}
	it.Metrics = raw
	o.publish(events.NewEvent(exp.ID, it.ID, events.EventAggregateDone,
		fmt.Sprintf("best composite %.2f", metrics.BestComposite),
		map[string]any{"metrics": metrics}))
	return metrics, nil
}

// judgeableOutputs re-reads judgeable outputs per run. Errors degrade to an
// empty set; aggregation then simply reports no win rates.
func (o *Orchestrator) judgeableOutputs(ctx context.Context, exp domain.Experiment, runs []domain.ModelRun) map[string][]domain.Output {
	out := make(map[string][]domain.Output, len(runs))
	for _, run := range runs {
		outs, err := o.store.ListOutputs(ctx, run.ID)
		if err != nil {
			o.log.Error("could not list outputs for win rates", zap.String("run", run.ID), zap.Error(err))
			continue
		}
		out[run.ID] = judgeable(exp, outs)
	}
	return out
}

func (o *Orchestrator) winRates(ctx context.Context, pairKeys []string, modelForOutput map[string]string) (map[string]float64, error) {
	if len(pairKeys) == 0 {
		return nil, nil
	}
	js, err := o.store.ListJudgmentsForPairs(ctx, pairKeys)
	if err != nil {
		return nil, err
	}
	var outcomes []aggregate.PairOutcome
	for _, j := range js {
		if j.Status != domain.JudgmentOK {
			continue
		}
		outcomes = append(outcomes, aggregate.PairOutcome{
			ModelA: modelForOutput[j.OutputA],
			ModelB: modelForOutput[j.OutputB],
			Winner: j.Winner,
		})
	}
	if len(outcomes) == 0 {
		return nil, nil
	}
	return aggregate.WinRates(outcomes), nil
}

// refinePhase asks the refiner for a prompt edit grounded in the iteration's
// worst outputs. It returns the suggestion's ID and whether it is reviewable.
func (o *Orchestrator) refinePhase(ctx context.Context, exp domain.Experiment, it *domain.Iteration, pv domain.PromptVersion, dataset domain.Dataset, metrics iterationMetrics) (string, bool, error) {
	existing, err := o.store.ListSuggestions(ctx, it.ID)
	if err != nil {
		return "", false, err
	}
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		return last.ID, last.Status == domain.SuggestionPending, nil
	}

	exemplars, err := o.collectExemplars(ctx, exp, it, dataset)
	if err != nil {
		return "", false, err
	}

	sg, err := o.ref.Propose(ctx, refiner.Request{
		Experiment:     exp,
		IterationID:    it.ID,
		Prompt:         pv,
		CriterionMeans: metrics.CriterionMeans,
		Exemplars:      refiner.SelectExemplars(exemplars),
	})
	if err != nil {
		return "", false, err
	}
	if err := o.store.PutSuggestion(ctx, sg); err != nil {
		return "", false, err
	}
	return sg.ID, sg.Status == domain.SuggestionPending, nil
}

// collectExemplars builds the scored output pool the refiner samples from.
func (o *Orchestrator) collectExemplars(ctx context.Context, exp domain.Experiment, it *domain.Iteration, dataset domain.Dataset) ([]refiner.Exemplar, error) {
	runs, err := o.completedRuns(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	caseByID := make(map[string]domain.Case, len(dataset.Cases))
	for _, cs := range dataset.Cases {
		caseByID[cs.ID] = cs
	}

	var exemplars []refiner.Exemplar
	for _, run := range runs {
		outs, err := o.store.ListOutputs(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		outs = judgeable(exp, outs)
		var ids []string
		for _, out := range outs {
			ids = append(ids, out.ID)
		}
		if len(ids) == 0 {
			continue
		}
		judgments, err := o.store.ListJudgmentsForOutputs(ctx, ids)
		if err != nil {
			return nil, err
		}
		byOutput := map[string][]domain.Judgment{}
		for _, j := range judgments {
			byOutput[j.OutputID] = append(byOutput[j.OutputID], j)
		}
		for _, out := range outs {
			composite, ok := aggregate.OutputComposite(exp.Rubric, byOutput[out.ID])
			if !ok {
				continue
			}
			rationales := map[string]string{}
			for _, j := range byOutput[out.ID] {
				for name, r := range j.Rationales {
					rationales[name] = r
				}
			}
			exemplars = append(exemplars, refiner.Exemplar{
				Output:     out,
				CaseInput:  caseByID[out.CaseID].Input,
				Composite:  composite,
				Rationales: rationales,
			})
		}
	}
	return exemplars, nil
}
