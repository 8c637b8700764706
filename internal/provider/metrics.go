package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the provider-layer Prometheus collectors.
type Metrics struct {
	Calls        *prometheus.CounterVec
	CacheHits    *prometheus.CounterVec
	BreakerOpens *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	TokensSpent  *prometheus.CounterVec
}

// NewMetrics creates and registers the provider collectors. A nil registerer
// produces unregistered (test-only) collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edison",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Chat-completion calls by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edison",
			Subsystem: "provider",
			Name:      "cache_hits_total",
			Help:      "Responses served from the content-addressed cache.",
		}, []string{"provider", "model"}),
		BreakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edison",
			Subsystem: "provider",
			Name:      "breaker_opens_total",
			Help:      "Circuit breaker open transitions.",
		}, []string{"key"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edison",
			Subsystem: "provider",
			Name:      "call_latency_seconds",
			Help:      "Wall latency of non-cached provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		TokensSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edison",
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"provider", "model", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.CacheHits, m.BreakerOpens, m.Latency, m.TokensSpent)
	}
	return m
}
