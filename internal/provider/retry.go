package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/edisonhq/edison/internal/fault"
)

// RetryConfig tunes the exponential backoff applied to transient provider
// failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig matches the workbench defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// jitterFraction is the symmetric jitter applied to each scheduled delay.
const jitterFraction = 0.25

// withRetry runs fn with exponential backoff. Only RateLimit, Timeout, and
// ProviderTransient faults are retried; everything else propagates
// immediately. After exhaustion the last error propagates unchanged.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() (*Response, error)) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = jitterFraction

	return backoff.Retry(ctx, func() (*Response, error) {
		resp, err := fn()
		if err != nil && !fault.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxAttempts)))
}
