package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testExperiment(t *testing.T, s *Store) domain.Experiment {
	t.Helper()
	e := domain.Experiment{
		ID:        uuid.NewString(),
		ProjectID: "proj-1",
		Objective: "Improve answer accuracy",
		Rubric: domain.Rubric{Criteria: []domain.Criterion{
			{Name: "accuracy", Weight: 1.0, ScaleMin: 0, ScaleMax: 5},
		}},
		StopRules: domain.StopRules{MaxIterations: 10, ConvergenceWindow: 3, AlertThreshold: 0.8},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutExperiment(context.Background(), e))
	return e
}

func TestExperimentRoundTrip(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)

	got, err := s.GetExperiment(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Objective, got.Objective)
	assert.Equal(t, e.Rubric.Criteria[0].Name, got.Rubric.Criteria[0].Name)
	assert.Equal(t, 10, got.StopRules.MaxIterations)

	_, err = s.GetExperiment(context.Background(), "missing")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestPromptVersionNumbering(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)
	ctx := context.Background()

	seedID := uuid.NewString()
	v, err := s.CreatePromptVersion(ctx, domain.PromptVersion{
		ID: seedID, ExperimentID: e.ID, Body: "Answer: {{question}}", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	childID := uuid.NewString()
	v, err = s.CreatePromptVersion(ctx, domain.PromptVersion{
		ID: childID, ExperimentID: e.ID, ParentID: seedID,
		Body: "Answer concisely: {{question}}", CreatedBy: "refiner", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Unknown parent is rejected.
	_, err = s.CreatePromptVersion(ctx, domain.PromptVersion{
		ID: uuid.NewString(), ExperimentID: e.ID, ParentID: "ghost", Body: "x",
	})
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	versions, err := s.ListPromptVersions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, seedID, versions[1].ParentID)
}

func TestSingleProductionVersion(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)
	ctx := context.Background()

	a, b := uuid.NewString(), uuid.NewString()
	_, err := s.CreatePromptVersion(ctx, domain.PromptVersion{ID: a, ExperimentID: e.ID, Body: "v1"})
	require.NoError(t, err)
	_, err = s.CreatePromptVersion(ctx, domain.PromptVersion{ID: b, ExperimentID: e.ID, ParentID: a, Body: "v2"})
	require.NoError(t, err)

	require.NoError(t, s.SetProduction(ctx, e.ID, a))
	require.NoError(t, s.SetProduction(ctx, e.ID, b))

	prod, ok, err := s.ProductionVersion(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, prod.ID)

	got, err := s.GetPromptVersion(ctx, a)
	require.NoError(t, err)
	assert.False(t, got.IsProduction)
}

func TestIterationTransitionCAS(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)
	ctx := context.Background()

	pv := uuid.NewString()
	_, err := s.CreatePromptVersion(ctx, domain.PromptVersion{ID: pv, ExperimentID: e.ID, Body: "v1"})
	require.NoError(t, err)

	it := domain.Iteration{
		ID: uuid.NewString(), ExperimentID: e.ID, Number: 1,
		PromptVersionID: pv, Status: domain.IterationPending,
	}
	require.NoError(t, s.CreateIteration(ctx, it))
	// Replay is a no-op.
	require.NoError(t, s.CreateIteration(ctx, it))

	err = s.TransitionIteration(ctx, it.ID, domain.IterationPending, domain.IterationExecuting,
		func(i *domain.Iteration) { i.StartedAt = time.Now().UTC() })
	require.NoError(t, err)

	// Stale CAS loses.
	err = s.TransitionIteration(ctx, it.ID, domain.IterationPending, domain.IterationExecuting, nil)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	got, err := s.GetIteration(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IterationExecuting, got.Status)
	assert.False(t, got.StartedAt.IsZero())
}

func TestOutputIdempotentUpsert(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)
	ctx := context.Background()

	pv := uuid.NewString()
	_, err := s.CreatePromptVersion(ctx, domain.PromptVersion{ID: pv, ExperimentID: e.ID, Body: "v1"})
	require.NoError(t, err)
	it := domain.Iteration{ID: uuid.NewString(), ExperimentID: e.ID, Number: 1, PromptVersionID: pv, Status: domain.IterationPending}
	require.NoError(t, s.CreateIteration(ctx, it))

	mc := domain.ModelConfig{ID: uuid.NewString(), ExperimentID: e.ID, Provider: "mock", Model: "m1", Active: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PutModelConfig(ctx, mc))

	run := domain.ModelRun{
		ID: uuid.NewString(), IterationID: it.ID, ModelConfigID: mc.ID,
		DatasetID: "ds-1", Status: domain.RunRunning, CostUSD: decimal.Zero,
	}
	require.NoError(t, s.PutModelRun(ctx, run))

	out := domain.Output{
		ID: uuid.NewString(), ModelRunID: run.ID, CaseID: "case-1",
		Text: "first", CreatedAt: time.Now().UTC(),
	}
	inserted, err := s.PutOutput(ctx, out)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Replay with a different id for the same (run, case) keeps the first row.
	replay := out
	replay.ID = uuid.NewString()
	replay.Text = "second"
	inserted, err = s.PutOutput(ctx, replay)
	require.NoError(t, err)
	assert.False(t, inserted)

	outs, err := s.ListOutputs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "first", outs[0].Text)
}

func TestJudgmentUniqueness(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)
	ctx := context.Background()

	jc := domain.JudgeConfig{ID: uuid.NewString(), ExperimentID: e.ID, Mode: domain.JudgePointwise, Provider: "mock", Model: "j1", Active: true}
	require.NoError(t, s.PutJudgeConfig(ctx, jc))

	j := domain.Judgment{
		ID: uuid.NewString(), JudgeConfigID: jc.ID, Mode: domain.JudgePointwise,
		Status: domain.JudgmentOK, OutputID: "out-1",
		Scores:    map[string]int{"accuracy": 4},
		CreatedAt: time.Now().UTC(),
	}
	inserted, err := s.PutJudgment(ctx, j)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := j
	dup.ID = uuid.NewString()
	dup.Scores = map[string]int{"accuracy": 1}
	inserted, err = s.PutJudgment(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.ListJudgmentsForOutputs(ctx, []string{"out-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Scores["accuracy"])

	// Pairwise shape uses the pair-key index.
	pk := domain.PairKey("out-2", "out-1")
	pair := domain.Judgment{
		ID: uuid.NewString(), JudgeConfigID: jc.ID, Mode: domain.JudgePairwise,
		Status: domain.JudgmentOK, PairKey: pk, OutputA: "out-1", OutputB: "out-2",
		Winner: "A", CreatedAt: time.Now().UTC(),
	}
	inserted, err = s.PutJudgment(ctx, pair)
	require.NoError(t, err)
	assert.True(t, inserted)

	pairs, err := s.ListJudgmentsForPairs(ctx, []string{pk})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "A", pairs[0].Winner)

	// Malformed shape is rejected up front.
	_, err = s.PutJudgment(ctx, domain.Judgment{ID: uuid.NewString(), JudgeConfigID: jc.ID, Mode: domain.JudgePointwise})
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestSuggestionReviewFlow(t *testing.T) {
	s := testStore(t)
	e := testExperiment(t, s)
	ctx := context.Background()

	pv := uuid.NewString()
	_, err := s.CreatePromptVersion(ctx, domain.PromptVersion{ID: pv, ExperimentID: e.ID, Body: "v1"})
	require.NoError(t, err)
	it := domain.Iteration{ID: uuid.NewString(), ExperimentID: e.ID, Number: 1, PromptVersionID: pv, Status: domain.IterationReviewing}
	require.NoError(t, s.CreateIteration(ctx, it))

	sg := domain.Suggestion{
		ID: uuid.NewString(), IterationID: it.ID, ParentPromptVersionID: pv,
		Diff: "--- a/prompt\n+++ b/prompt\n@@ -1 +1 @@\n-v1\n+v2\n",
		Note: "tighten wording", Status: domain.SuggestionPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutSuggestion(ctx, sg))

	rv := domain.Review{
		ID: uuid.NewString(), SuggestionID: sg.ID, Reviewer: "dana",
		Decision: domain.ReviewApprove, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ResolveSuggestion(ctx, rv, domain.SuggestionPending, domain.SuggestionApplied))

	// Second decision on the same suggestion conflicts.
	err = s.ResolveSuggestion(ctx, domain.Review{
		ID: uuid.NewString(), SuggestionID: sg.ID, Reviewer: "lee", Decision: domain.ReviewReject,
	}, domain.SuggestionPending, domain.SuggestionRejected)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	got, err := s.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionApplied, got.Status)

	reviews, err := s.ListReviews(ctx, sg.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "dana", reviews[0].Reviewer)
}

func TestCostLedger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := domain.CostRecord{
		ID: uuid.NewString(), ProjectID: "proj-1", Provider: "mock", Model: "m1",
		AmountUSD: decimal.RequireFromString("1.25"), RecordedAt: now.Add(-48 * time.Hour),
	}
	recent := domain.CostRecord{
		ID: uuid.NewString(), ProjectID: "proj-1", Provider: "mock", Model: "m1",
		AmountUSD: decimal.RequireFromString("0.75"), RecordedAt: now,
	}
	require.NoError(t, s.AppendCostRecord(ctx, old))
	require.NoError(t, s.AppendCostRecord(ctx, recent))
	// Replaying an id does not double-count.
	require.NoError(t, s.AppendCostRecord(ctx, recent))

	total, err := s.SpendSince(ctx, "proj-1", time.Time{})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("2.00")), "got %s", total)

	windowed, err := s.SpendSince(ctx, "proj-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, windowed.Equal(decimal.RequireFromString("0.75")), "got %s", windowed)
}

func TestJobQueue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	low := Job{ID: "job-low", Kind: "execute", Priority: 1, Payload: json.RawMessage(`{"n":1}`)}
	high := Job{ID: "job-high", Kind: "execute", Priority: 5}
	require.NoError(t, s.EnqueueJob(ctx, low))
	require.NoError(t, s.EnqueueJob(ctx, high))

	claimed, err := s.ClaimJob(ctx, []string{"execute"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-high", claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, s.CompleteJob(ctx, claimed.ID))

	claimed, err = s.ClaimJob(ctx, []string{"execute"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-low", claimed.ID)

	// Retry with a future run_after keeps the job invisible until due.
	require.NoError(t, s.RetryJob(ctx, claimed.ID, "transient", time.Now().UTC().Add(time.Hour)))
	none, err := s.ClaimJob(ctx, []string{"execute"})
	require.NoError(t, err)
	assert.Nil(t, none)

	// Dead-letter a separate exhausted job.
	require.NoError(t, s.EnqueueJob(ctx, Job{ID: "job-doomed", Kind: "execute"}))
	claimed, err = s.ClaimJob(ctx, []string{"execute"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-doomed", claimed.ID)
	require.NoError(t, s.DeadletterJob(ctx, claimed.ID, "gave up"))

	dead, err := s.ListDeadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "gave up", dead[0].LastError)
}

func TestRecoverOrphanJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueJob(ctx, Job{ID: "j1", Kind: "judge"}))
	claimed, err := s.ClaimJob(ctx, []string{"judge"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.RecoverOrphanJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = s.ClaimJob(ctx, []string{"judge"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)
}

func TestAdvisoryLocks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "experiment:e1", "owner-a", time.Hour))

	err := s.AcquireLock(ctx, "experiment:e1", "owner-b", time.Hour)
	assert.Equal(t, fault.LockHeld, fault.KindOf(err))

	// Same owner re-acquires (TTL extension).
	require.NoError(t, s.AcquireLock(ctx, "experiment:e1", "owner-a", time.Hour))
	require.NoError(t, s.HeartbeatLock(ctx, "experiment:e1", "owner-a", time.Hour))

	err = s.HeartbeatLock(ctx, "experiment:e1", "owner-b", time.Hour)
	assert.Equal(t, fault.LockHeld, fault.KindOf(err))

	require.NoError(t, s.ReleaseLock(ctx, "experiment:e1", "owner-a"))
	require.NoError(t, s.AcquireLock(ctx, "experiment:e1", "owner-b", time.Hour))
}

func TestExpiredLockIsStolen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "experiment:e2", "owner-a", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.AcquireLock(ctx, "experiment:e2", "owner-b", time.Hour))

	err := s.HeartbeatLock(ctx, "experiment:e2", "owner-a", time.Hour)
	assert.Equal(t, fault.LockHeld, fault.KindOf(err))
}
