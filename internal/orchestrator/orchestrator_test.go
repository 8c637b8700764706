package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/edisonhq/edison/internal/budget"
	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/edisonhq/edison/internal/refiner"
	"github.com/edisonhq/edison/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedPrompt = "You are a support assistant.\n" +
	"Answer the question using the context.\n" +
	"Question: {{question}}\n" +
	"Context: {{context}}\n" +
	"Keep answers short."

const judgeReply = `{"scores":{"quality":4},"rationales":{"quality":"solid answer"}}`

const refineReply = "<diff>\n" +
	"--- a/prompt.txt\n" +
	"+++ b/prompt.txt\n" +
	"@@ -5,1 +5,1 @@\n" +
	"-Keep answers short.\n" +
	"+Keep answers short and clear.\n" +
	"</diff>\n" +
	"<note>Tightened the closing instruction.</note>"

type callCounts struct {
	candidate int
	judge     int
	refine    int
}

// defaultScript routes by model: candidates echo a fixed answer, the judge
// returns a fixed verdict, the refiner a fixed diff.
func defaultScript(counts *callCounts) func(provider.Request) (*provider.Response, error) {
	return func(req provider.Request) (*provider.Response, error) {
		switch req.Model {
		case "judge-model":
			counts.judge++
			return scriptedReply(judgeReply), nil
		case "refine-model":
			counts.refine++
			return scriptedReply(refineReply), nil
		default:
			counts.candidate++
			return scriptedReply("The answer, drawn from the context."), nil
		}
	}
}

func scriptedReply(text string) *provider.Response {
	return &provider.Response{
		Text:             text,
		PromptTokens:     100,
		CompletionTokens: 50,
		Latency:          time.Millisecond,
		FinishReason:     provider.FinishStop,
	}
}

type harness struct {
	store  *store.Store
	mock   *provider.MockAdapter
	client *provider.Client
	bus    *events.Bus
	orch   *Orchestrator
	exp    domain.Experiment
	counts *callCounts
}

func newHarness(t *testing.T, rules domain.StopRules, autoApprove, withRefiner bool) *harness {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	counts := &callCounts{}
	mock := provider.NewMock("mock").Script(defaultScript(counts))
	registry := provider.NewRegistry()
	registry.Register(mock)
	client := provider.NewClient(registry, provider.ClientConfig{
		Retry:       provider.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
		Breaker:     provider.DefaultBreakerConfig(),
		CacheTTL:    time.Minute,
		CallTimeout: 5 * time.Second,
	}, st, nil, nil)

	exp := domain.Experiment{
		ID:        "exp-1",
		ProjectID: "proj-1",
		Objective: "Answer support questions accurately",
		DatasetID: "ds-1",
		Rubric: domain.Rubric{Criteria: []domain.Criterion{
			{Name: "quality", Weight: 1.0, ScaleMin: 1, ScaleMax: 5},
		}},
		StopRules: rules,
		CreatedAt: time.Now().UTC(),
	}
	ctx := context.Background()
	require.NoError(t, st.PutExperiment(ctx, exp))
	require.NoError(t, st.PutDataset(ctx, domain.Dataset{
		ID:        "ds-1",
		ProjectID: "proj-1",
		Kind:      domain.DatasetGolden,
		Cases: []domain.Case{
			{ID: "c-1", Input: map[string]string{"question": "How do I reset?", "context": "Hold the button."}, Tags: []string{"howto"}, Difficulty: 1},
			{ID: "c-2", Input: map[string]string{"question": "Is it waterproof?", "context": "Rated IP67."}, Tags: []string{"spec"}, Difficulty: 2},
			{ID: "c-3", Input: map[string]string{"question": "What is the warranty?", "context": "Two years."}, Tags: []string{"policy"}, Difficulty: 1},
		},
	}))
	require.NoError(t, st.PutModelConfig(ctx, domain.ModelConfig{
		ID:           "mc-1",
		ExperimentID: "exp-1",
		Provider:     "mock",
		Model:        "test-model",
		Params:       domain.ModelParams{MaxTokens: 256},
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))
	require.NoError(t, st.PutJudgeConfig(ctx, domain.JudgeConfig{
		ID:           "jc-1",
		ExperimentID: "exp-1",
		Mode:         domain.JudgePointwise,
		Provider:     "mock",
		Model:        "judge-model",
		Active:       true,
	}))
	_, err = st.CreatePromptVersion(ctx, domain.PromptVersion{
		ID:           "pv-1",
		ExperimentID: "exp-1",
		Body:         seedPrompt,
		CreatedBy:    "seed",
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	var ref *refiner.Refiner
	if withRefiner {
		ref = refiner.New(client, "mock", "refine-model", nil)
	}
	bus := events.NewBus(nil)
	orch := New(st, client, ref, bus, Config{
		Owner:              "test-owner",
		ExecuteConcurrency: 4,
		JudgeConcurrency:   4,
		LockTTL:            time.Minute,
		LockHeartbeat:      time.Minute,
		AutoApprove:        autoApprove,
	}, nil)

	return &harness{store: st, mock: mock, client: client, bus: bus, orch: orch, exp: exp, counts: counts}
}

func TestRunExperimentSmoke(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 2}, true, true)
	ctx := context.Background()

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, budget.StopMaxIterations, report.StopReason)
	assert.Equal(t, 2, report.IterationsRun)
	assert.InDelta(t, 7.5, report.CompositeScore, 0.001)
	require.Len(t, report.PerModelRanking, 1)
	assert.Equal(t, "mc-1", report.PerModelRanking[0].ModelConfigID)
	assert.Equal(t, 3, report.PerModelRanking[0].Cases)
	assert.True(t, report.TotalCostUSD.IsPositive())
	assert.Greater(t, report.TotalTokens, 0)

	// Iteration 1 refined the prompt; the auto-approved edit became v2.
	// Iteration 2's scripted diff no longer applies to the edited body, so
	// its suggestion was recorded INVALID and no v3 exists.
	versions, err := h.store.ListPromptVersions(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Contains(t, versions[1].Body, "Keep answers short and clear.")
	assert.Equal(t, "auto-approve", versions[1].CreatedBy)
	assert.Equal(t, "pv-1", versions[1].ParentID)

	// 3 cases per iteration, both iterations rendered distinct prompts.
	assert.Equal(t, 6, h.counts.candidate)
	// Iteration 1 proposed once; iteration 2 failed twice (retry included).
	assert.Equal(t, 3, h.counts.refine)

	types := map[events.EventType]bool{}
	for _, e := range h.bus.History("exp-1") {
		types[e.Type] = true
	}
	assert.True(t, types[events.EventIterationStarted])
	assert.True(t, types[events.EventStatusChanged])
	assert.True(t, types[events.EventRunProgress])
	assert.True(t, types[events.EventRunCompleted])
	assert.True(t, types[events.EventJudgeProgress])
	assert.True(t, types[events.EventAggregateDone])
	assert.True(t, types[events.EventRefineDone])
	assert.True(t, types[events.EventIterationDone])
	assert.True(t, types[events.EventExperimentDone])
}

func TestConvergenceStop(t *testing.T) {
	h := newHarness(t, domain.StopRules{
		MaxIterations:     10,
		MinDeltaThreshold: 0.5,
		ConvergenceWindow: 1,
	}, false, false)
	ctx := context.Background()

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, budget.StopConverged, report.StopReason)
	assert.Equal(t, 2, report.IterationsRun)

	// Identical prompt on iteration 2 means every candidate call was served
	// from the response cache.
	assert.Equal(t, 3, h.counts.candidate)
}

func TestBudgetStopsBeforeFirstIteration(t *testing.T) {
	h := newHarness(t, domain.StopRules{
		MaxIterations: 5,
		MaxBudgetUSD:  decimal.RequireFromString("0.000001"),
	}, true, true)
	ctx := context.Background()

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, budget.StopBudget, report.StopReason)
	assert.Equal(t, 0, report.IterationsRun)
	assert.Equal(t, 0, h.counts.candidate)
}

func TestReviewApproveFlow(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, false, true)
	ctx := context.Background()

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Nil(t, report, "experiment should be waiting on review")

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, domain.IterationReviewing, iters[0].Status)

	sgs, err := h.store.ListSuggestions(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, sgs, 1)
	assert.Equal(t, domain.SuggestionPending, sgs[0].Status)

	require.NoError(t, h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewApprove,
	}))

	versions, err := h.store.ListPromptVersions(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "dana", versions[1].CreatedBy)
	assert.Contains(t, versions[1].Body, "Keep answers short and clear.")

	it, err := h.store.GetIteration(ctx, iters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IterationCompleted, it.Status)

	// A second decision on the same suggestion is refused.
	err = h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewReject,
	})
	assert.True(t, fault.IsKind(err, fault.Conflict))

	// With the review resolved the cap now stops the experiment.
	report, err = h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, budget.StopMaxIterations, report.StopReason)
	assert.Equal(t, 1, report.IterationsRun)
}

func TestReviewRejectKeepsPrompt(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, false, true)
	ctx := context.Background()

	_, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	sgs, err := h.store.ListSuggestions(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, sgs, 1)

	require.NoError(t, h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewReject,
		Notes:        "edit weakens the context instruction",
	}))

	versions, err := h.store.ListPromptVersions(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	sg, err := h.store.GetSuggestion(ctx, sgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionRejected, sg.Status)
}

func TestReviewEditAppliesReviewerDiff(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, false, true)
	ctx := context.Background()

	_, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	sgs, err := h.store.ListSuggestions(ctx, iters[0].ID)
	require.NoError(t, err)

	edited := "--- a/prompt.txt\n" +
		"+++ b/prompt.txt\n" +
		"@@ -5,1 +5,1 @@\n" +
		"-Keep answers short.\n" +
		"+Keep answers brief.\n"
	require.NoError(t, h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewEdit,
		EditedDiff:   edited,
	}))

	versions, err := h.store.ListPromptVersions(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Contains(t, versions[1].Body, "Keep answers brief.")
	assert.NotContains(t, versions[1].Body, "short and clear")
}

func TestNoRefinementStops(t *testing.T) {
	h := newHarness(t, domain.StopRules{
		MaxIterations:      5,
		StopIfNoRefinement: true,
	}, true, true)
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		switch req.Model {
		case "judge-model":
			return scriptedReply(judgeReply), nil
		case "refine-model":
			return scriptedReply("I have no edit to propose."), nil
		default:
			return scriptedReply("The answer, drawn from the context."), nil
		}
	})
	ctx := context.Background()

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, budget.StopNoRefinement, report.StopReason)
	assert.Equal(t, 1, report.IterationsRun)

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	sgs, err := h.store.ListSuggestions(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, sgs, 1)
	assert.Equal(t, domain.SuggestionInvalid, sgs[0].Status)
}

func TestJudgeFailureFailsIteration(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		if req.Model == "judge-model" {
			return nil, fault.New(fault.ProviderPermanent, "judge down")
		}
		return scriptedReply("The answer, drawn from the context."), nil
	})
	ctx := context.Background()

	_, err := h.orch.RunExperiment(ctx, "exp-1")
	require.Error(t, err)

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, domain.IterationFailed, iters[0].Status)
	assert.Contains(t, iters[0].FailureReason, "judge down")
}

func TestReplaySkipsStoredOutputs(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	ctx := context.Background()

	// Simulate a driver that crashed mid-execute: the iteration and run
	// exist and two of three cases already have outputs.
	require.NoError(t, h.store.CreateIteration(ctx, domain.Iteration{
		ID:              "it-1",
		ExperimentID:    "exp-1",
		Number:          1,
		PromptVersionID: "pv-1",
		Status:          domain.IterationPending,
		ScheduledAt:     time.Now().UTC(),
	}))
	require.NoError(t, h.store.PutModelRun(ctx, domain.ModelRun{
		ID:            "run-1",
		IterationID:   "it-1",
		ModelConfigID: "mc-1",
		DatasetID:     "ds-1",
		Status:        domain.RunRunning,
		StartedAt:     time.Now().UTC(),
	}))
	for _, caseID := range []string{"c-1", "c-2"} {
		_, err := h.store.PutOutput(ctx, domain.Output{
			ID:               "out-" + caseID,
			ModelRunID:       "run-1",
			CaseID:           caseID,
			Text:             "The answer, drawn from the context.",
			PromptTokens:     100,
			CompletionTokens: 50,
			FinishReason:     "stop",
			CreatedAt:        time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.IterationsRun)

	// Only the missing case hit the model.
	assert.Equal(t, 1, h.counts.candidate)

	outs, err := h.store.ListOutputs(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, outs, 3)
}

func TestPauseResumeCancel(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, false, false)
	ctx := context.Background()

	require.NoError(t, h.store.CreateIteration(ctx, domain.Iteration{
		ID:              "it-1",
		ExperimentID:    "exp-1",
		Number:          1,
		PromptVersionID: "pv-1",
		Status:          domain.IterationExecuting,
		ScheduledAt:     time.Now().UTC(),
	}))

	require.NoError(t, h.orch.Pause(ctx, "exp-1"))
	it, err := h.store.GetIteration(ctx, "it-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IterationPaused, it.Status)

	// A paused experiment yields no report and no work.
	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, 0, h.counts.candidate)

	require.NoError(t, h.orch.Resume(ctx, "exp-1"))
	it, err = h.store.GetIteration(ctx, "it-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IterationExecuting, it.Status)

	require.NoError(t, h.orch.Pause(ctx, "exp-1"))
	require.NoError(t, h.orch.Cancel(ctx, "exp-1"))
	it, err = h.store.GetIteration(ctx, "it-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IterationCancelled, it.Status)

	err = h.orch.Resume(ctx, "exp-1")
	assert.True(t, fault.IsKind(err, fault.Conflict))
}

func TestPartialProviderFailureContinues(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	ctx := context.Background()
	require.NoError(t, h.store.PutModelConfig(ctx, domain.ModelConfig{
		ID:           "mc-2",
		ExperimentID: "exp-1",
		Provider:     "mock",
		Model:        "revoked-model",
		Params:       domain.ModelParams{MaxTokens: 256},
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}))
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		switch req.Model {
		case "judge-model":
			return scriptedReply(judgeReply), nil
		case "revoked-model":
			return nil, fault.New(fault.AuthFailure, "api key revoked")
		default:
			return scriptedReply("The answer, drawn from the context."), nil
		}
	})

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.IterationsRun)

	// The healthy model's run carried the iteration; the revoked one failed
	// alone and stayed out of the ranking.
	require.Len(t, report.PerModelRanking, 1)
	assert.Equal(t, "mc-1", report.PerModelRanking[0].ModelConfigID)

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, domain.IterationCompleted, iters[0].Status)

	runs, err := h.store.ListModelRuns(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byModel := map[string]domain.ModelRun{}
	for _, run := range runs {
		byModel[run.ModelConfigID] = run
	}
	assert.Equal(t, domain.RunCompleted, byModel["mc-1"].Status)
	assert.Equal(t, domain.RunFailed, byModel["mc-2"].Status)
	assert.Contains(t, byModel["mc-2"].FailureReason, "api key revoked")

	types := map[events.EventType]bool{}
	for _, e := range h.bus.History("exp-1") {
		types[e.Type] = true
	}
	assert.True(t, types[events.EventError])
}

func TestAllRunsFailedFailsIteration(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		return nil, fault.New(fault.AuthFailure, "api key revoked")
	})
	ctx := context.Background()

	_, err := h.orch.RunExperiment(ctx, "exp-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all model runs failed")

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, domain.IterationFailed, iters[0].Status)
}

func TestPauseMidRunKeepsPartialOutputs(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	orch := New(h.store, h.client, nil, h.bus, Config{
		Owner:              "pause-owner",
		ExecuteConcurrency: 1,
		JudgeConcurrency:   1,
		LockTTL:            time.Minute,
		LockHeartbeat:      time.Minute,
		AutoApprove:        true,
	}, nil)
	ctx := context.Background()

	var calls int
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		if req.Model == "judge-model" {
			return scriptedReply(judgeReply), nil
		}
		calls++
		if calls == 1 {
			assert.NoError(t, orch.Pause(ctx, "exp-1"))
		}
		return scriptedReply("The answer, drawn from the context."), nil
	})

	report, err := orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Nil(t, report, "the paused experiment parks instead of reporting")

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, domain.IterationPaused, iters[0].Status)

	// The in-flight case landed; the rest wait, and the run is not failed.
	runs, err := h.store.ListModelRuns(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunRunning, runs[0].Status)
	outs, err := h.store.ListOutputs(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, outs, 1)

	require.NoError(t, orch.Resume(ctx, "exp-1"))
	it, err := h.store.GetIteration(ctx, iters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IterationExecuting, it.Status)

	report, err = orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.IterationsRun)
	assert.Equal(t, 3, calls, "resume runs only the remaining cases")
}

func TestResumeAfterExecuteReentersJudging(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	ctx := context.Background()

	require.NoError(t, h.store.CreateIteration(ctx, domain.Iteration{
		ID:              "it-1",
		ExperimentID:    "exp-1",
		Number:          1,
		PromptVersionID: "pv-1",
		Status:          domain.IterationJudging,
		ScheduledAt:     time.Now().UTC(),
	}))
	require.NoError(t, h.store.PutModelRun(ctx, domain.ModelRun{
		ID:            "run-1",
		IterationID:   "it-1",
		ModelConfigID: "mc-1",
		DatasetID:     "ds-1",
		Status:        domain.RunCompleted,
		StartedAt:     time.Now().UTC(),
		FinishedAt:    time.Now().UTC(),
	}))

	require.NoError(t, h.orch.Pause(ctx, "exp-1"))
	require.NoError(t, h.orch.Resume(ctx, "exp-1"))

	it, err := h.store.GetIteration(ctx, "it-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IterationJudging, it.Status)
}

func TestInvalidSuggestionAwaitsReviewerEdit(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 3}, false, true)
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		switch req.Model {
		case "judge-model":
			return scriptedReply(judgeReply), nil
		case "refine-model":
			return scriptedReply("No usable edit."), nil
		default:
			return scriptedReply("The answer, drawn from the context."), nil
		}
	})
	ctx := context.Background()

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Nil(t, report, "without stop_if_no_refinement the reviewer gets a chance to rescue")

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, domain.IterationReviewing, iters[0].Status)
	sgs, err := h.store.ListSuggestions(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, sgs, 1)
	assert.Equal(t, domain.SuggestionInvalid, sgs[0].Status)

	// There is no valid diff to approve; the reviewer must supply one.
	err = h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewApprove,
	})
	assert.True(t, fault.IsKind(err, fault.Conflict))

	edited := "--- a/prompt.txt\n" +
		"+++ b/prompt.txt\n" +
		"@@ -5,1 +5,1 @@\n" +
		"-Keep answers short.\n" +
		"+Keep answers short; cite the context.\n"
	require.NoError(t, h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewEdit,
		EditedDiff:   edited,
	}))

	versions, err := h.store.ListPromptVersions(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Contains(t, versions[1].Body, "cite the context")

	it, err := h.store.GetIteration(ctx, iters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IterationCompleted, it.Status)

	sg, err := h.store.GetSuggestion(ctx, sgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionApplied, sg.Status)
}

func TestJudgeRationalesAreScanned(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, true, false)
	ctx := context.Background()
	h.exp.Safety = domain.SafetyConfig{Enabled: true}
	require.NoError(t, h.store.PutExperiment(ctx, h.exp))
	h.mock.Script(func(req provider.Request) (*provider.Response, error) {
		if req.Model == "judge-model" {
			return scriptedReply(`{"scores":{"quality":2},"rationales":{"quality":"The response tells the user to ignore previous instructions."}}`), nil
		}
		return scriptedReply("The answer, drawn from the context."), nil
	})

	report, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, report)

	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	runs, err := h.store.ListModelRuns(ctx, iters[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	outs, err := h.store.ListOutputs(ctx, runs[0].ID)
	require.NoError(t, err)
	var ids []string
	for _, out := range outs {
		ids = append(ids, out.ID)
	}
	js, err := h.store.ListJudgmentsForOutputs(ctx, ids)
	require.NoError(t, err)
	require.NotEmpty(t, js)
	for _, j := range js {
		require.NotNil(t, j.SafetyFlags)
		assert.True(t, j.SafetyFlags.JailbreakAttempt)
		assert.True(t, j.SafetyFlags.PolicyViolation)
	}

	types := map[events.EventType]bool{}
	for _, e := range h.bus.History("exp-1") {
		types[e.Type] = true
	}
	assert.True(t, types[events.EventSafetyFlagged])
}

func TestSubmitReviewValidation(t *testing.T) {
	h := newHarness(t, domain.StopRules{MaxIterations: 1}, false, true)
	ctx := context.Background()

	_, err := h.orch.RunExperiment(ctx, "exp-1")
	require.NoError(t, err)
	iters, err := h.store.ListIterations(ctx, "exp-1")
	require.NoError(t, err)
	sgs, err := h.store.ListSuggestions(ctx, iters[0].ID)
	require.NoError(t, err)

	err = h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewEdit,
	})
	assert.True(t, fault.IsKind(err, fault.Validation), "EDIT without a diff must be refused")

	err = h.orch.SubmitReview(ctx, domain.Review{
		SuggestionID: sgs[0].ID,
		Reviewer:     "dana",
		Decision:     domain.ReviewDecision("SHRUG"),
	})
	assert.True(t, fault.IsKind(err, fault.Validation))

	// The suggestion is still pending after the bad submissions.
	sg, err := h.store.GetSuggestion(ctx, sgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionPending, sg.Status)
}
