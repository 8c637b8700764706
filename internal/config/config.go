// Package config loads the workbench configuration from the config file and
// environment via viper. Secrets (provider API keys) are never written to
// the config file; they come from the environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full Edison configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Refiner      RefinerConfig      `mapstructure:"refiner"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Listen          string `mapstructure:"listen"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig contains per-provider connection settings.
type ProvidersConfig struct {
	OpenAI      ProviderConfig `mapstructure:"openai"`
	Anthropic   ProviderConfig `mapstructure:"anthropic"`
	Mock        bool           `mapstructure:"mock"` // register the scripted mock provider
	RatePerMin  int            `mapstructure:"rate_per_min"`
	CacheTTL    string         `mapstructure:"cache_ttl"`
	CallTimeout string         `mapstructure:"call_timeout"`
}

// ProviderConfig contains one provider's endpoint. APIKeyEnv names the
// environment variable holding the key.
type ProviderConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BaseURL   string `mapstructure:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env"`
}

// APIKey reads the provider key from the environment.
func (p ProviderConfig) APIKey() string {
	return os.Getenv(p.APIKeyEnv)
}

// RefinerConfig names the model used for prompt refinement.
type RefinerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// OrchestratorConfig contains iteration driver settings.
type OrchestratorConfig struct {
	ExecuteConcurrency int    `mapstructure:"execute_concurrency"`
	JudgeConcurrency   int    `mapstructure:"judge_concurrency"`
	LockTTL            string `mapstructure:"lock_ttl"`
	LockHeartbeat      string `mapstructure:"lock_heartbeat"`
	AutoApprove        bool   `mapstructure:"auto_approve"`
}

// QueueConfig contains job pool settings.
type QueueConfig struct {
	PollInterval string         `mapstructure:"poll_interval"`
	MaxAttempts  int            `mapstructure:"max_attempts"`
	Concurrency  map[string]int `mapstructure:"concurrency"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Load unmarshals the configuration viper has already read and applies
// defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "15s"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "edison.db"
	}
	if cfg.Providers.OpenAI.BaseURL == "" {
		cfg.Providers.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Providers.OpenAI.APIKeyEnv == "" {
		cfg.Providers.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Providers.Anthropic.BaseURL == "" {
		cfg.Providers.Anthropic.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Providers.Anthropic.APIKeyEnv == "" {
		cfg.Providers.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.Providers.RatePerMin == 0 {
		cfg.Providers.RatePerMin = 60
	}
	if cfg.Providers.CacheTTL == "" {
		cfg.Providers.CacheTTL = "24h"
	}
	if cfg.Providers.CallTimeout == "" {
		cfg.Providers.CallTimeout = "120s"
	}
	if cfg.Refiner.Provider == "" {
		cfg.Refiner.Provider = "anthropic"
	}
	if cfg.Refiner.Model == "" {
		cfg.Refiner.Model = "claude-sonnet-4-5"
	}
	if cfg.Orchestrator.ExecuteConcurrency == 0 {
		cfg.Orchestrator.ExecuteConcurrency = 8
	}
	if cfg.Orchestrator.JudgeConcurrency == 0 {
		cfg.Orchestrator.JudgeConcurrency = 8
	}
	if cfg.Orchestrator.LockTTL == "" {
		cfg.Orchestrator.LockTTL = "1h"
	}
	if cfg.Orchestrator.LockHeartbeat == "" {
		cfg.Orchestrator.LockHeartbeat = "15s"
	}
	if cfg.Queue.PollInterval == "" {
		cfg.Queue.PollInterval = "250ms"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 4
	}
	if cfg.Queue.Concurrency == nil {
		cfg.Queue.Concurrency = map[string]int{"run_experiment": 2}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name, val string
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"providers.cache_ttl", c.Providers.CacheTTL},
		{"providers.call_timeout", c.Providers.CallTimeout},
		{"orchestrator.lock_ttl", c.Orchestrator.LockTTL},
		{"orchestrator.lock_heartbeat", c.Orchestrator.LockHeartbeat},
		{"queue.poll_interval", c.Queue.PollInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	if c.Providers.RatePerMin < 0 {
		return fmt.Errorf("providers.rate_per_min must be non-negative")
	}
	if !c.Providers.Mock && !c.Providers.OpenAI.Enabled && !c.Providers.Anthropic.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}
	if c.Refiner.Enabled {
		switch c.Refiner.Provider {
		case "openai", "anthropic", "mock":
		default:
			return fmt.Errorf("invalid refiner provider: %s (must be openai, anthropic, or mock)", c.Refiner.Provider)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s (must be json or console)", c.Logging.Format)
	}
	return nil
}

// ValidateForServe performs the additional checks required before starting
// the server: every enabled provider must have its API key in the
// environment.
func (c *Config) ValidateForServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Providers.OpenAI.Enabled && c.Providers.OpenAI.APIKey() == "" {
		return fmt.Errorf("%s is not set but the openai provider is enabled", c.Providers.OpenAI.APIKeyEnv)
	}
	if c.Providers.Anthropic.Enabled && c.Providers.Anthropic.APIKey() == "" {
		return fmt.Errorf("%s is not set but the anthropic provider is enabled", c.Providers.Anthropic.APIKeyEnv)
	}
	return nil
}

// Duration parses a duration field that Validate has already vetted.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
