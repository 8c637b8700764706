package provider

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a per-(provider, model) request rate limiter. Workers block
// on Wait rather than hitting the provider and retrying 429s.
type TokenBucket struct {
	mu       sync.Mutex
	rate     int // requests per interval
	interval time.Duration
	buckets  map[string]*bucket
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewTokenBucket creates a limiter allowing rate requests per interval for
// each distinct key.
func NewTokenBucket(rate int, interval time.Duration) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		interval: interval,
		buckets:  make(map[string]*bucket),
	}
}

// Allow consumes a token for the key if one is available.
func (tb *TokenBucket) Allow(key string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	b, ok := tb.buckets[key]
	if !ok {
		tb.buckets[key] = &bucket{tokens: tb.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(b.lastReset) >= tb.interval {
		b.tokens = tb.rate - 1
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available for the key or the context is done.
func (tb *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		if tb.Allow(key) {
			return nil
		}
		wait := tb.nextReset(key)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextReset returns how long until the key's bucket refills. A missing bucket
// resolves immediately.
func (tb *TokenBucket) nextReset(key string) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		return time.Millisecond
	}
	remaining := tb.interval - time.Since(b.lastReset)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	return remaining
}
