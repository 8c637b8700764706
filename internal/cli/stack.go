package cli

import (
	"fmt"
	"os"

	"github.com/edisonhq/edison/internal/config"
	"github.com/edisonhq/edison/internal/events"
	"github.com/edisonhq/edison/internal/orchestrator"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/edisonhq/edison/internal/queue"
	"github.com/edisonhq/edison/internal/refiner"
	"github.com/edisonhq/edison/internal/security"
	"github.com/edisonhq/edison/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// hostOwner identifies this process as an advisory lock owner.
func hostOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "edison"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// stack holds the wired runtime components shared by serve and run.
type stack struct {
	cfg    *config.Config
	log    *zap.Logger
	store  *store.Store
	client *provider.Client
	bus    *events.Bus
	orch   *orchestrator.Orchestrator
	pool   *queue.Pool
}

func (s *stack) close() {
	if s.store != nil {
		s.store.Close()
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %w", err)
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// Provider errors can echo Authorization headers; scrub before emit.
	return zc.Build(zap.WrapCore(security.WrapCore))
}

// buildStack opens the store and wires the provider client, event bus,
// orchestrator, and job pool from config.
func buildStack(cfg *config.Config) (*stack, error) {
	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := provider.NewRegistry()
	if cfg.Providers.OpenAI.Enabled {
		registry.Register(provider.NewOpenAI("openai", cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.APIKey()))
	}
	if cfg.Providers.Anthropic.Enabled {
		registry.Register(provider.NewAnthropic("anthropic", cfg.Providers.Anthropic.BaseURL, cfg.Providers.Anthropic.APIKey()))
	}
	if cfg.Providers.Mock {
		registry.Register(provider.NewMock("mock"))
	}

	clientCfg := provider.DefaultClientConfig()
	clientCfg.RatePerMin = cfg.Providers.RatePerMin
	clientCfg.CacheTTL = config.Duration(cfg.Providers.CacheTTL)
	clientCfg.CallTimeout = config.Duration(cfg.Providers.CallTimeout)
	metrics := provider.NewMetrics(prometheus.DefaultRegisterer)
	client := provider.NewClient(registry, clientCfg, st, metrics, log)

	bus := events.NewBus(log)

	var ref *refiner.Refiner
	if cfg.Refiner.Enabled {
		ref = refiner.New(client, cfg.Refiner.Provider, cfg.Refiner.Model, log)
	}

	orch := orchestrator.New(st, client, ref, bus, orchestrator.Config{
		Owner:              hostOwner(),
		ExecuteConcurrency: cfg.Orchestrator.ExecuteConcurrency,
		JudgeConcurrency:   cfg.Orchestrator.JudgeConcurrency,
		LockTTL:            config.Duration(cfg.Orchestrator.LockTTL),
		LockHeartbeat:      config.Duration(cfg.Orchestrator.LockHeartbeat),
		AutoApprove:        cfg.Orchestrator.AutoApprove,
	}, log)

	poolCfg := queue.DefaultConfig()
	poolCfg.PollInterval = config.Duration(cfg.Queue.PollInterval)
	poolCfg.MaxAttempts = cfg.Queue.MaxAttempts
	for kind, n := range cfg.Queue.Concurrency {
		poolCfg.Concurrency[kind] = n
	}
	pool := queue.New(st, poolCfg, log)

	return &stack{
		cfg:    cfg,
		log:    log,
		store:  st,
		client: client,
		bus:    bus,
		orch:   orch,
		pool:   pool,
	}, nil
}
