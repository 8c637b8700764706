// Package queue runs durable jobs from the store's jobs table through
// per-kind bounded worker pools. Retryable failures re-enqueue with
// exponential backoff; permanent failures and exhausted retries land in the
// dead-letter state.
package queue

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Handler processes one claimed job. A nil return completes the job; a
// retryable fault re-enqueues it; anything else dead-letters it.
type Handler func(ctx context.Context, job store.Job) error

// Config tunes the pool.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration

	// Concurrency caps simultaneous jobs per kind. Kinds without an entry
	// run single-file.
	Concurrency map[string]int
}

// DefaultConfig returns the workbench defaults. Execution and judging fan
// out; refinement is serialized so at most one suggestion is in flight.
func DefaultConfig() Config {
	return Config{
		PollInterval: 250 * time.Millisecond,
		MaxAttempts:  4,
		RetryBase:    500 * time.Millisecond,
		RetryCap:     30 * time.Second,
		Concurrency: map[string]int{
			"execute": 8,
			"judge":   8,
			"safety":  4,
			"refine":  1,
		},
	}
}

// Pool claims and dispatches jobs. Register handlers before calling Run.
type Pool struct {
	store *store.Store
	cfg   Config
	log   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	sems     map[string]*semaphore.Weighted
}

// New creates a pool over the given store.
func New(st *store.Store, cfg Config, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	return &Pool{
		store:    st,
		cfg:      cfg,
		log:      log.Named("queue"),
		handlers: make(map[string]Handler),
		sems:     make(map[string]*semaphore.Weighted),
	}
}

// Register installs the handler for a job kind. Registering twice replaces.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
	limit := int64(1)
	if n, ok := p.cfg.Concurrency[kind]; ok && n > 0 {
		limit = int64(n)
	}
	p.sems[kind] = semaphore.NewWeighted(limit)
}

// Enqueue adds a job. An empty id gets a fresh uuid; the id is returned so
// callers can make scheduling idempotent by passing a deterministic id.
func (p *Pool) Enqueue(ctx context.Context, kind string, payload any, priority int) (string, error) {
	return p.EnqueueID(ctx, "", kind, payload, priority)
}

// EnqueueID adds a job with an explicit id. Re-enqueueing an id is a no-op.
func (p *Pool) EnqueueID(ctx context.Context, id, kind string, payload any, priority int) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fault.Wrap(fault.Validation, err, "marshal job payload")
	}
	err = p.store.EnqueueJob(ctx, store.Job{
		ID:       id,
		Kind:     kind,
		Payload:  raw,
		Priority: priority,
	})
	return id, err
}

// Run polls and dispatches until ctx is cancelled. Orphaned RUNNING jobs
// from a previous process are recovered first.
func (p *Pool) Run(ctx context.Context) error {
	recovered, err := p.store.RecoverOrphanJobs(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.log.Info("recovered orphaned jobs", zap.Int("count", recovered))
	}

	g, ctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-ticker.C:
		}
		for {
			job, err := p.store.ClaimJob(ctx, p.kinds())
			if err != nil {
				p.log.Warn("claim failed", zap.Error(err))
				break
			}
			if job == nil {
				break
			}
			p.dispatch(ctx, g, *job)
		}
	}
}

// Drain processes every currently runnable job to completion, then returns.
// Used by tests and the one-shot CLI run mode.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		job, err := p.store.ClaimJob(ctx, p.kinds())
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		g, gctx := errgroup.WithContext(ctx)
		p.dispatch(gctx, g, *job)
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (p *Pool) kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	return out
}

func (p *Pool) dispatch(ctx context.Context, g *errgroup.Group, job store.Job) {
	p.mu.RLock()
	handler := p.handlers[job.Kind]
	sem := p.sems[job.Kind]
	p.mu.RUnlock()
	if handler == nil {
		p.log.Error("no handler for job kind", zap.String("kind", job.Kind))
		if err := p.store.DeadletterJob(ctx, job.ID, "no handler registered"); err != nil {
			p.log.Warn("deadletter failed", zap.Error(err))
		}
		return
	}

	g.Go(func() error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil // shutting down; job recovers as orphan
		}
		defer sem.Release(1)
		p.finish(ctx, job, handler(ctx, job))
		return nil
	})
}

func (p *Pool) finish(ctx context.Context, job store.Job, err error) {
	if err == nil {
		if cerr := p.store.CompleteJob(ctx, job.ID); cerr != nil {
			p.log.Warn("complete failed", zap.String("job", job.ID), zap.Error(cerr))
		}
		return
	}

	retryable := fault.IsRetryable(err) && job.Attempts < p.cfg.MaxAttempts
	if retryable {
		delay := p.retryDelay(job.Attempts)
		p.log.Warn("job retry",
			zap.String("job", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if rerr := p.store.RetryJob(ctx, job.ID, err.Error(), time.Now().UTC().Add(delay)); rerr != nil {
			p.log.Warn("retry enqueue failed", zap.Error(rerr))
		}
		return
	}

	p.log.Error("job dead-lettered",
		zap.String("job", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
	if derr := p.store.DeadletterJob(ctx, job.ID, err.Error()); derr != nil {
		p.log.Warn("deadletter failed", zap.Error(derr))
	}
}

func (p *Pool) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(p.cfg.RetryBase) * math.Pow(2, float64(attempts-1)))
	if d > p.cfg.RetryCap {
		d = p.cfg.RetryCap
	}
	return d
}
