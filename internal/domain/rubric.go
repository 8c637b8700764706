package domain

import (
	"math"

	"github.com/edisonhq/edison/internal/fault"
)

// Criterion is one weighted scoring dimension of a rubric.
type Criterion struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Weight      float64 `json:"weight" yaml:"weight"`
	ScaleMin    int     `json:"scale_min" yaml:"scale_min"`
	ScaleMax    int     `json:"scale_max" yaml:"scale_max"`
}

// Normalize maps a raw score onto [0,1] within the criterion's scale.
// Scores outside the scale are clamped.
func (c Criterion) Normalize(score int) float64 {
	if score < c.ScaleMin {
		score = c.ScaleMin
	}
	if score > c.ScaleMax {
		score = c.ScaleMax
	}
	return float64(score-c.ScaleMin) / float64(c.ScaleMax-c.ScaleMin)
}

// Rubric is the ordered weighted scoring schema for an experiment.
type Rubric struct {
	Criteria []Criterion `json:"criteria" yaml:"criteria"`
}

// weightSumTolerance is the allowed deviation of the weight sum from 1.0.
const weightSumTolerance = 1e-2

// A rubric holds 1 to 10 criteria. Single-criterion rubrics (weight 1.0) are
// accepted for smoke runs; multi-criterion rubrics are the normal case.
const (
	minCriteria      = 1
	maxCriteria      = 10
	maxCriterionName = 50
)

// Validate enforces the rubric invariants: criterion count bounds, unique
// non-empty names of at most 50 characters, non-negative weights summing to
// 1.0 within tolerance, and integer scales with max > min.
func (r Rubric) Validate() error {
	n := len(r.Criteria)
	if n < minCriteria || n > maxCriteria {
		return fault.New(fault.Validation, "rubric must have between %d and %d criteria, got %d", minCriteria, maxCriteria, n)
	}

	seen := make(map[string]bool, n)
	sum := 0.0
	for i, c := range r.Criteria {
		if c.Name == "" || len(c.Name) > maxCriterionName {
			return fault.New(fault.Validation, "criterion %d: name must be 1-%d characters", i, maxCriterionName)
		}
		if seen[c.Name] {
			return fault.New(fault.Validation, "duplicate criterion name %q", c.Name)
		}
		seen[c.Name] = true

		if c.Weight < 0 {
			return fault.New(fault.Validation, "criterion %q: weight must be non-negative", c.Name)
		}
		if c.ScaleMax <= c.ScaleMin {
			return fault.New(fault.Validation, "criterion %q: scale max (%d) must exceed min (%d)", c.Name, c.ScaleMax, c.ScaleMin)
		}
		sum += c.Weight
	}

	if math.Abs(sum-1.0) > weightSumTolerance {
		return fault.New(fault.Validation, "criterion weights must sum to 1.0 (±%g), got %.4f", weightSumTolerance, sum)
	}
	return nil
}

// Criterion returns the named criterion and whether it exists.
func (r Rubric) Criterion(name string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.Name == name {
			return c, true
		}
	}
	return Criterion{}, false
}
