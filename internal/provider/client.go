package provider

import (
	"context"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// UsageRecorder receives a CostRecord after each non-cached successful call.
type UsageRecorder interface {
	AppendCostRecord(ctx context.Context, rec domain.CostRecord) error
}

// ClientConfig tunes the composite client.
type ClientConfig struct {
	Retry       RetryConfig
	Breaker     BreakerConfig
	CacheTTL    time.Duration
	RatePerMin  int // per-(provider,model) requests per minute; 0 disables
	CallTimeout time.Duration
}

// DefaultClientConfig returns the workbench defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Retry:       DefaultRetryConfig(),
		Breaker:     DefaultBreakerConfig(),
		CacheTTL:    DefaultCacheTTL,
		RatePerMin:  60,
		CallTimeout: defaultCallTimeout,
	}
}

// Client layers rate limiting, response caching, circuit breaking, retry,
// and cost accounting over the adapter registry. It is the only path through
// which the rest of the system talks to providers.
type Client struct {
	registry *Registry
	cfg      ClientConfig
	cache    *Cache
	buckets  *TokenBucket
	breakers *BreakerSet
	usage    UsageRecorder
	metrics  *Metrics
	log      *zap.Logger
}

// NewClient builds the composite client. usage and metrics may be nil.
func NewClient(registry *Registry, cfg ClientConfig, usage UsageRecorder, metrics *Metrics, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		registry: registry,
		cfg:      cfg,
		cache:    NewCache(cfg.CacheTTL),
		usage:    usage,
		metrics:  metrics,
		log:      log.Named("provider"),
	}
	c.breakers = NewBreakerSet(cfg.Breaker, func(key string, from, to gobreaker.State) {
		c.log.Warn("circuit state change",
			zap.String("key", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if metrics != nil && to == gobreaker.StateOpen {
			metrics.BreakerOpens.WithLabelValues(key).Inc()
		}
	})
	if cfg.RatePerMin > 0 {
		c.buckets = NewTokenBucket(cfg.RatePerMin, time.Minute)
	}
	return c
}

// Registry exposes the underlying adapter registry (for validation probes).
func (c *Client) Registry() *Registry { return c.registry }

// Chat performs one chat-completion call with the full middleware stack:
// token bucket, cache lookup, circuit breaker, retry with backoff, per-call
// deadline, cache fill, and cost recording.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Options.Timeout <= 0 {
		req.Options.Timeout = c.cfg.CallTimeout
	}

	cacheable := Cacheable(req)
	var fp string
	if cacheable {
		fp = Fingerprint(req)
		if resp, ok := c.cache.Get(fp); ok {
			c.observe(req, resp, "cache_hit")
			return resp, nil
		}
	}

	if c.buckets != nil {
		if err := c.buckets.Wait(ctx, breakerKey(req.Provider, req.Model)); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "rate limit wait")
		}
	}

	resp, err := c.breakers.Execute(req.Provider, req.Model, func() (*Response, error) {
		return withRetry(ctx, c.cfg.Retry, func() (*Response, error) {
			return adapter.Chat(ctx, req)
		})
	})
	if err != nil {
		c.observeErr(req, err)
		return nil, err
	}

	if cacheable {
		resp = c.cache.Put(fp, resp)
	}
	c.observe(req, resp, "ok")
	c.recordUsage(ctx, adapter, req, resp)
	return resp, nil
}

// StreamChat streams deltas through fn. Streaming responses bypass the cache
// and the retry wrapper (a mid-stream failure is not safely retryable) but
// still pass the breaker and rate limiter.
func (c *Client) StreamChat(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	adapter, err := c.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Options.Timeout <= 0 {
		req.Options.Timeout = c.cfg.CallTimeout
	}

	if c.buckets != nil {
		if err := c.buckets.Wait(ctx, breakerKey(req.Provider, req.Model)); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "rate limit wait")
		}
	}

	resp, err := c.breakers.Execute(req.Provider, req.Model, func() (*Response, error) {
		return adapter.StreamChat(ctx, req, fn)
	})
	if err != nil {
		c.observeErr(req, err)
		return nil, err
	}
	c.observe(req, resp, "ok")
	c.recordUsage(ctx, adapter, req, resp)
	return resp, nil
}

// EstimateCost prices a call via the provider's pricing table.
func (c *Client) EstimateCost(providerTag, model string, promptTokens, completionTokens int) (cost domain.CostRecord, err error) {
	adapter, err := c.registry.Get(providerTag)
	if err != nil {
		return domain.CostRecord{}, err
	}
	amount, err := adapter.EstimateCost(model, promptTokens, completionTokens)
	if err != nil {
		return domain.CostRecord{}, err
	}
	return domain.CostRecord{
		Provider:         providerTag,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		AmountUSD:        amount,
	}, nil
}

// BreakerState reports the circuit state for a (provider, model) pair.
func (c *Client) BreakerState(providerTag, model string) gobreaker.State {
	return c.breakers.State(providerTag, model)
}

func (c *Client) recordUsage(ctx context.Context, adapter Adapter, req Request, resp *Response) {
	if c.usage == nil || resp.Cached {
		return
	}
	amount, err := adapter.EstimateCost(req.Model, resp.PromptTokens, resp.CompletionTokens)
	if err != nil {
		c.log.Warn("cost estimate failed", zap.String("model", req.Model), zap.Error(err))
		return
	}
	rec := domain.CostRecord{
		ID:               uuid.NewString(),
		ProjectID:        req.ProjectID,
		Provider:         req.Provider,
		Model:            req.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		AmountUSD:        amount,
		RecordedAt:       time.Now().UTC(),
	}
	if err := c.usage.AppendCostRecord(ctx, rec); err != nil {
		c.log.Warn("cost record append failed", zap.Error(err))
	}
}

func (c *Client) observe(req Request, resp *Response, outcome string) {
	if c.metrics == nil {
		return
	}
	if outcome == "cache_hit" {
		c.metrics.CacheHits.WithLabelValues(req.Provider, req.Model).Inc()
		return
	}
	c.metrics.Calls.WithLabelValues(req.Provider, req.Model, outcome).Inc()
	c.metrics.Latency.WithLabelValues(req.Provider, req.Model).Observe(resp.Latency.Seconds())
	c.metrics.TokensSpent.WithLabelValues(req.Provider, req.Model, "prompt").Add(float64(resp.PromptTokens))
	c.metrics.TokensSpent.WithLabelValues(req.Provider, req.Model, "completion").Add(float64(resp.CompletionTokens))
}

func (c *Client) observeErr(req Request, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.Calls.WithLabelValues(req.Provider, req.Model, string(fault.KindOf(err))).Inc()
}
