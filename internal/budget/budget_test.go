package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpend struct {
	mu        sync.Mutex
	total     decimal.Decimal
	lastSince time.Time
}

func (f *fakeSpend) SpendSince(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince = since
	return f.total, nil
}

func (f *fakeSpend) since() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSince
}

func (f *fakeSpend) set(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = decimal.RequireFromString(s)
}

func budgetExperiment(budget string) domain.Experiment {
	return domain.Experiment{
		ID:        "exp-1",
		ProjectID: "proj-1",
		StopRules: domain.StopRules{
			MaxIterations:  10,
			MaxBudgetUSD:   decimal.RequireFromString(budget),
			AlertThreshold: 0.8,
		},
	}
}

func TestCheckBefore(t *testing.T) {
	spend := &fakeSpend{}
	spend.set("8.00")
	g := NewGuard(spend, nil, nil)
	exp := budgetExperiment("10.00")

	// 8 + 1.5 <= 10: allowed.
	require.NoError(t, g.CheckBefore(context.Background(), exp, decimal.RequireFromString("1.50")))

	// 8 + 3 > 10: refused.
	err := g.CheckBefore(context.Background(), exp, decimal.RequireFromString("3.00"))
	require.Error(t, err)
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err))

	// Reaching the budget exactly is refused, not allowed.
	spend.set("0.50")
	err = g.CheckBefore(context.Background(), budgetExperiment("1.00"), decimal.RequireFromString("0.50"))
	require.Error(t, err)
	assert.Equal(t, fault.BudgetExceeded, fault.KindOf(err))

	// No budget configured: always allowed.
	free := exp
	free.StopRules.MaxBudgetUSD = decimal.Zero
	require.NoError(t, g.CheckBefore(context.Background(), free, decimal.RequireFromString("999")))
}

func TestSpendWindowIsThirtyDays(t *testing.T) {
	spend := &fakeSpend{}
	spend.set("0.00")
	g := NewGuard(spend, nil, nil)

	require.NoError(t, g.CheckBefore(context.Background(), budgetExperiment("10.00"), decimal.RequireFromString("1.00")))

	want := time.Now().UTC().Add(-DefaultSpendWindow)
	assert.WithinDuration(t, want, spend.since(), time.Minute)
}

func TestAlertFiresOnce(t *testing.T) {
	spend := &fakeSpend{}
	var mu sync.Mutex
	alerts := 0
	g := NewGuard(spend, func(string, decimal.Decimal, decimal.Decimal) {
		mu.Lock()
		defer mu.Unlock()
		alerts++
	}, nil)
	exp := budgetExperiment("10.00")
	ctx := context.Background()

	spend.set("7.00") // below 80%
	_, err := g.CheckAfter(ctx, exp)
	require.NoError(t, err)

	spend.set("8.50") // crosses 80%
	exhausted, err := g.CheckAfter(ctx, exp)
	require.NoError(t, err)
	assert.False(t, exhausted)

	spend.set("9.50") // still above threshold, no second alert
	_, err = g.CheckAfter(ctx, exp)
	require.NoError(t, err)

	spend.set("10.00")
	exhausted, err = g.CheckAfter(ctx, exp)
	require.NoError(t, err)
	assert.True(t, exhausted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, alerts)
}

func TestShouldStopPrecedence(t *testing.T) {
	rules := domain.StopRules{
		MaxIterations:      5,
		MinDeltaThreshold:  0.1,
		ConvergenceWindow:  3,
		StopIfNoRefinement: true,
	}

	// Budget wins over everything.
	out := ShouldStop(rules, State{IterationsRun: 5, BudgetExhausted: true})
	assert.Equal(t, Outcome{Stop: true, Reason: StopBudget}, out)

	// Iteration cap.
	out = ShouldStop(rules, State{IterationsRun: 5, Refined: true})
	assert.Equal(t, Outcome{Stop: true, Reason: StopMaxIterations}, out)

	// Convergence.
	out = ShouldStop(rules, State{
		IterationsRun: 4,
		Refined:       true,
		ScoreHistory:  []float64{6.0, 7.9, 7.95, 8.0, 8.02},
	})
	assert.Equal(t, Outcome{Stop: true, Reason: StopConverged}, out)

	// No refinement produced.
	out = ShouldStop(rules, State{IterationsRun: 2, Refined: false, ScoreHistory: []float64{5, 7}})
	assert.Equal(t, Outcome{Stop: true, Reason: StopNoRefinement}, out)

	// Keep going.
	out = ShouldStop(rules, State{IterationsRun: 2, Refined: true, ScoreHistory: []float64{5, 7}})
	assert.Equal(t, Outcome{}, out)
}
