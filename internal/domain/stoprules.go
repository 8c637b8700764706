package domain

import (
	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
)

// StopRules configures when the orchestrator stops starting new iterations.
type StopRules struct {
	MaxIterations      int             `yaml:"max_iterations"`
	MinDeltaThreshold  float64         `yaml:"min_delta_threshold"`
	ConvergenceWindow  int             `yaml:"convergence_window"`
	MaxBudgetUSD       decimal.Decimal `yaml:"max_budget_usd"` // zero means unlimited
	AlertThreshold     float64         `yaml:"alert_threshold"`
	StopIfNoRefinement bool            `yaml:"stop_if_no_refinement"`
}

// Alert threshold bounds. Values outside the range are a validation error,
// not silently clamped.
const (
	minAlertThreshold     = 0.5
	maxAlertThreshold     = 1.0
	defaultAlertThreshold = 0.8
)

// ApplyDefaults fills unset stop-rule fields with workbench defaults.
func (s *StopRules) ApplyDefaults() {
	if s.MaxIterations == 0 {
		s.MaxIterations = 10
	}
	if s.ConvergenceWindow == 0 {
		s.ConvergenceWindow = 3
	}
	if s.AlertThreshold == 0 {
		s.AlertThreshold = defaultAlertThreshold
	}
}

// Validate checks the stop-rule configuration.
func (s StopRules) Validate() error {
	if s.MaxIterations < 1 {
		return fault.New(fault.Validation, "max_iterations must be at least 1")
	}
	if s.MinDeltaThreshold < 0 {
		return fault.New(fault.Validation, "min_delta_threshold must be non-negative")
	}
	if s.ConvergenceWindow < 1 {
		return fault.New(fault.Validation, "convergence_window must be at least 1")
	}
	if s.MaxBudgetUSD.IsNegative() {
		return fault.New(fault.Validation, "max_budget_usd must be non-negative")
	}
	if s.AlertThreshold < minAlertThreshold || s.AlertThreshold > maxAlertThreshold {
		return fault.New(fault.Validation, "alert_threshold must be within [%.1f, %.1f], got %g", minAlertThreshold, maxAlertThreshold, s.AlertThreshold)
	}
	return nil
}

// HasBudget reports whether a spend cap is configured.
func (s StopRules) HasBudget() bool {
	return s.MaxBudgetUSD.IsPositive()
}
