package aggregate

import (
	"math/rand"
	"sort"
)

// Bootstrap defaults: resample count and confidence level.
const (
	DefaultResamples  = 1000
	DefaultConfidence = 0.95
)

// Interval is a two-sided confidence interval for a mean.
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// BootstrapCI estimates a percentile confidence interval for the mean by
// resampling with replacement. The seed makes reports reproducible across
// replays of the same iteration. Fewer than two values collapse the
// interval to the point estimate.
func BootstrapCI(values []float64, resamples int, confidence float64, seed int64) Interval {
	if len(values) == 0 {
		return Interval{}
	}
	if len(values) == 1 {
		return Interval{Low: values[0], High: values[0]}
	}
	if resamples <= 0 {
		resamples = DefaultResamples
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = DefaultConfidence
	}

	rng := rand.New(rand.NewSource(seed))
	means := make([]float64, resamples)
	for i := range means {
		sum := 0.0
		for range values {
			sum += values[rng.Intn(len(values))]
		}
		means[i] = sum / float64(len(values))
	}
	sort.Float64s(means)

	alpha := (1 - confidence) / 2
	lo := int(alpha * float64(resamples))
	hi := int((1 - alpha) * float64(resamples))
	if hi >= resamples {
		hi = resamples - 1
	}
	return Interval{Low: means[lo], High: means[hi]}
}
