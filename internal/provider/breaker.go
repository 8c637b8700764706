package provider

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edisonhq/edison/internal/fault"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-(provider, model) circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures to open
	OpenTimeout      time.Duration // how long to stay open before probing
	SuccessThreshold uint32        // consecutive half-open successes to close
}

// DefaultBreakerConfig matches the workbench defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		SuccessThreshold: 2,
	}
}

// BreakerSet lazily creates one circuit breaker per (provider, model) key.
type BreakerSet struct {
	cfg      BreakerConfig
	onChange func(key string, from, to gobreaker.State)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates a breaker set. onChange may be nil.
func NewBreakerSet(cfg BreakerConfig, onChange func(key string, from, to gobreaker.State)) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *BreakerSet) breaker(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}

	threshold := s.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: s.cfg.SuccessThreshold,
		Timeout:     s.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.onChange != nil {
				s.onChange(name, from, to)
			}
		},
		// Validation and auth failures do not indicate provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch fault.KindOf(err) {
			case fault.Validation, fault.AuthFailure, fault.ParseFailure:
				return true
			}
			return false
		},
	})
	s.breakers[key] = cb
	return cb
}

// Execute runs fn under the breaker for the (provider, model) key. A short-
// circuited call returns ProviderTransient("circuit open") without touching
// the network.
func (s *BreakerSet) Execute(provider, model string, fn func() (*Response, error)) (*Response, error) {
	cb := s.breaker(breakerKey(provider, model))

	v, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.New(fault.ProviderTransient, "circuit open for %s", breakerKey(provider, model))
		}
		return nil, err
	}
	return v.(*Response), nil
}

// State returns the breaker state for the (provider, model) key.
func (s *BreakerSet) State(provider, model string) gobreaker.State {
	return s.breaker(breakerKey(provider, model)).State()
}

func breakerKey(provider, model string) string {
	return fmt.Sprintf("%s/%s", provider, model)
}
