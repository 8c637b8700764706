// Package aggregate turns raw judgments into iteration metrics: composite
// scores per output, per-model means with bootstrap confidence intervals,
// pairwise win rates, facet breakdowns, and model rankings.
package aggregate

import (
	"sort"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/shopspring/decimal"
)

// Composite collapses one judgment's scores to a single 0..10 value:
// the weighted sum of min-max normalized criterion scores, scaled by 10.
// A criterion the judge omitted contributes zero.
func Composite(rubric domain.Rubric, scores map[string]int) float64 {
	total := 0.0
	for _, c := range rubric.Criteria {
		score, ok := scores[c.Name]
		if !ok {
			continue
		}
		span := float64(c.ScaleMax - c.ScaleMin)
		if span <= 0 {
			continue
		}
		norm := (float64(score) - float64(c.ScaleMin)) / span
		if norm < 0 {
			norm = 0
		}
		if norm > 1 {
			norm = 1
		}
		total += c.Weight * norm
	}
	return total * 10
}

// OutputComposite averages the composite over an output's valid pointwise
// judgments. ok is false when no valid judgment exists.
func OutputComposite(rubric domain.Rubric, judgments []domain.Judgment) (float64, bool) {
	sum, n := 0.0, 0
	for _, j := range judgments {
		if j.Status != domain.JudgmentOK || j.Mode != domain.JudgePointwise {
			continue
		}
		sum += Composite(rubric, j.Scores)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// ModelSummary is the aggregated view of one model within an iteration.
type ModelSummary struct {
	ModelConfigID string          `json:"modelConfigId"`
	MeanComposite float64         `json:"meanComposite"`
	CI            Interval        `json:"ci"`
	Scores        []float64       `json:"-"`
	Cases         int             `json:"cases"`
	CostUSD       decimal.Decimal `json:"costUsd"`
	WinRate       float64         `json:"winRate"`
	RunStartedAt  time.Time       `json:"-"`
}

// Mean returns the arithmetic mean, 0 for empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Rank orders summaries best first. Ties on mean composite break to lower
// cost, then to the earlier-started model run, so rankings are stable.
func Rank(summaries []ModelSummary) []ModelSummary {
	out := make([]ModelSummary, len(summaries))
	copy(out, summaries)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MeanComposite != out[j].MeanComposite {
			return out[i].MeanComposite > out[j].MeanComposite
		}
		if !out[i].CostUSD.Equal(out[j].CostUSD) {
			return out[i].CostUSD.LessThan(out[j].CostUSD)
		}
		return out[i].RunStartedAt.Before(out[j].RunStartedAt)
	})
	return out
}

// PairOutcome is one pairwise verdict mapped to model configs.
type PairOutcome struct {
	ModelA string
	ModelB string
	Winner string // "A", "B", or "tie"
}

// WinRates computes per-model win rates over pairwise outcomes, counting a
// tie as half a win: (wins + 0.5*ties) / comparisons.
func WinRates(outcomes []PairOutcome) map[string]float64 {
	wins := map[string]float64{}
	total := map[string]int{}
	for _, o := range outcomes {
		total[o.ModelA]++
		total[o.ModelB]++
		switch o.Winner {
		case "A":
			wins[o.ModelA]++
		case "B":
			wins[o.ModelB]++
		default:
			wins[o.ModelA] += 0.5
			wins[o.ModelB] += 0.5
		}
	}
	out := make(map[string]float64, len(total))
	for model, n := range total {
		out[model] = wins[model] / float64(n)
	}
	return out
}

// convergenceEpsilon guards the relative delta against a zero baseline.
const convergenceEpsilon = 1e-9

// Converged reports whether the last window relative deltas of best composite
// scores all fall below threshold. Each delta is |current-previous| divided
// by max(previous, epsilon). history is ordered oldest first; a window needs
// window+1 scores.
func Converged(history []float64, window int, threshold float64) bool {
	if window <= 0 || len(history) < window+1 {
		return false
	}
	recent := history[len(history)-window-1:]
	for i := 1; i < len(recent); i++ {
		delta := recent[i] - recent[i-1]
		if delta < 0 {
			delta = -delta
		}
		base := recent[i-1]
		if base < convergenceEpsilon {
			base = convergenceEpsilon
		}
		if delta/base >= threshold {
			return false
		}
	}
	return true
}
