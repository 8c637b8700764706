// Package budget enforces spend limits and the iteration stop rules. The
// pre-iteration gate refuses to start work the budget cannot cover; the
// post-iteration gate decides whether the experiment should stop and why.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/edisonhq/edison/internal/aggregate"
	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stop reasons reported in the final experiment report.
const (
	StopMaxIterations = "max_iterations"
	StopBudget        = "budget_exhausted"
	StopConverged     = "converged"
	StopNoRefinement  = "no_refinement"
	StopCancelled     = "cancelled"
)

// Budget checks read spend over a sliding window, not all-time.
const DefaultSpendWindow = 30 * 24 * time.Hour

// SpendReader reads accumulated spend from the cost ledger.
type SpendReader interface {
	SpendSince(ctx context.Context, projectID string, since time.Time) (decimal.Decimal, error)
}

// AlertFunc receives the one-shot budget alert.
type AlertFunc func(experimentID string, spent, budget decimal.Decimal)

// Guard gates iterations against the experiment budget. The alert at the
// configured threshold fires at most once per experiment per process.
type Guard struct {
	spend   SpendReader
	onAlert AlertFunc
	window  time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	alerted map[string]bool
}

// NewGuard creates a guard reading spend over the default window. onAlert may
// be nil.
func NewGuard(spend SpendReader, onAlert AlertFunc, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		spend:   spend,
		onAlert: onAlert,
		window:  DefaultSpendWindow,
		log:     log.Named("budget"),
		alerted: make(map[string]bool),
	}
}

func (g *Guard) windowStart() time.Time {
	return time.Now().UTC().Add(-g.window)
}

// CheckBefore refuses to start an iteration whose estimated cost would reach
// or pass the experiment's budget. Experiments without a budget always pass.
func (g *Guard) CheckBefore(ctx context.Context, exp domain.Experiment, estimate decimal.Decimal) error {
	if !exp.StopRules.HasBudget() {
		return nil
	}
	spent, err := g.spend.SpendSince(ctx, exp.ProjectID, g.windowStart())
	if err != nil {
		return err
	}
	if spent.Add(estimate).GreaterThanOrEqual(exp.StopRules.MaxBudgetUSD) {
		return fault.New(fault.BudgetExceeded,
			"estimated cost %s would exceed budget %s (spent %s)",
			estimate.StringFixed(4), exp.StopRules.MaxBudgetUSD.StringFixed(2), spent.StringFixed(4))
	}
	g.maybeAlert(exp, spent)
	return nil
}

// Spent returns the experiment's spend over the guard's window.
func (g *Guard) Spent(ctx context.Context, exp domain.Experiment) (decimal.Decimal, error) {
	return g.spend.SpendSince(ctx, exp.ProjectID, g.windowStart())
}

// CheckAfter re-reads spend after an iteration and fires the alert if the
// threshold was crossed. It returns whether the budget is now exhausted.
func (g *Guard) CheckAfter(ctx context.Context, exp domain.Experiment) (exhausted bool, err error) {
	if !exp.StopRules.HasBudget() {
		return false, nil
	}
	spent, err := g.spend.SpendSince(ctx, exp.ProjectID, g.windowStart())
	if err != nil {
		return false, err
	}
	g.maybeAlert(exp, spent)
	return spent.GreaterThanOrEqual(exp.StopRules.MaxBudgetUSD), nil
}

func (g *Guard) maybeAlert(exp domain.Experiment, spent decimal.Decimal) {
	threshold := exp.StopRules.MaxBudgetUSD.Mul(decimal.NewFromFloat(exp.StopRules.AlertThreshold))
	if threshold.IsZero() || spent.LessThan(threshold) {
		return
	}
	g.mu.Lock()
	already := g.alerted[exp.ID]
	g.alerted[exp.ID] = true
	g.mu.Unlock()
	if already {
		return
	}
	g.log.Warn("budget alert threshold crossed",
		zap.String("experiment", exp.ID),
		zap.String("spent", spent.StringFixed(4)),
		zap.String("budget", exp.StopRules.MaxBudgetUSD.StringFixed(2)))
	if g.onAlert != nil {
		g.onAlert(exp.ID, spent, exp.StopRules.MaxBudgetUSD)
	}
}

// State is the post-iteration snapshot the stop rules evaluate.
type State struct {
	IterationsRun   int
	BudgetExhausted bool
	ScoreHistory    []float64 // best composite per iteration, oldest first
	Refined         bool      // did this iteration produce a valid suggestion
}

// Outcome is the stop decision.
type Outcome struct {
	Stop   bool
	Reason string
}

// ShouldStop applies the stop rules in fixed precedence: budget, iteration
// cap, convergence, then missing refinement.
func ShouldStop(rules domain.StopRules, st State) Outcome {
	if st.BudgetExhausted {
		return Outcome{Stop: true, Reason: StopBudget}
	}
	if rules.MaxIterations > 0 && st.IterationsRun >= rules.MaxIterations {
		return Outcome{Stop: true, Reason: StopMaxIterations}
	}
	if aggregate.Converged(st.ScoreHistory, rules.ConvergenceWindow, rules.MinDeltaThreshold) {
		return Outcome{Stop: true, Reason: StopConverged}
	}
	if rules.StopIfNoRefinement && !st.Refined {
		return Outcome{Stop: true, Reason: StopNoRefinement}
	}
	return Outcome{}
}
