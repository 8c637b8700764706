package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Providers.Mock = true
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "15s", cfg.Server.ShutdownTimeout)
	assert.Equal(t, "edison.db", cfg.Database.Path)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Providers.OpenAI.APIKeyEnv)
	assert.Equal(t, "ANTHROPIC_API_KEY", cfg.Providers.Anthropic.APIKeyEnv)
	assert.Equal(t, 60, cfg.Providers.RatePerMin)
	assert.Equal(t, "24h", cfg.Providers.CacheTTL)
	assert.Equal(t, 8, cfg.Orchestrator.ExecuteConcurrency)
	assert.Equal(t, 8, cfg.Orchestrator.JudgeConcurrency)
	assert.Equal(t, "250ms", cfg.Queue.PollInterval)
	assert.Equal(t, 4, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2, cfg.Queue.Concurrency["run_experiment"])
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Listen = ":9090"
	cfg.Database.Path = "/var/lib/edison/edison.db"
	cfg.Orchestrator.ExecuteConcurrency = 2
	applyDefaults(cfg)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "/var/lib/edison/edison.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Orchestrator.ExecuteConcurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid defaults with mock provider",
			mutate: func(cfg *Config) {},
		},
		{
			name: "valid with anthropic enabled",
			mutate: func(cfg *Config) {
				cfg.Providers.Mock = false
				cfg.Providers.Anthropic.Enabled = true
			},
		},
		{
			name: "bad shutdown timeout",
			mutate: func(cfg *Config) {
				cfg.Server.ShutdownTimeout = "soon"
			},
			wantErr: "server.shutdown_timeout",
		},
		{
			name: "bad cache ttl",
			mutate: func(cfg *Config) {
				cfg.Providers.CacheTTL = "one day"
			},
			wantErr: "providers.cache_ttl",
		},
		{
			name: "bad lock heartbeat",
			mutate: func(cfg *Config) {
				cfg.Orchestrator.LockHeartbeat = "15"
			},
			wantErr: "orchestrator.lock_heartbeat",
		},
		{
			name: "negative rate",
			mutate: func(cfg *Config) {
				cfg.Providers.RatePerMin = -1
			},
			wantErr: "rate_per_min",
		},
		{
			name: "no provider enabled",
			mutate: func(cfg *Config) {
				cfg.Providers.Mock = false
			},
			wantErr: "at least one provider",
		},
		{
			name: "bad refiner provider",
			mutate: func(cfg *Config) {
				cfg.Refiner.Enabled = true
				cfg.Refiner.Provider = "gemini"
			},
			wantErr: "invalid refiner provider",
		},
		{
			name: "disabled refiner skips provider check",
			mutate: func(cfg *Config) {
				cfg.Refiner.Provider = "gemini"
			},
		},
		{
			name: "bad logging format",
			mutate: func(cfg *Config) {
				cfg.Logging.Format = "text"
			},
			wantErr: "logging format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateForServe(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.OpenAI.Enabled = true
	cfg.Providers.OpenAI.APIKeyEnv = "EDISON_TEST_OPENAI_KEY"

	err := cfg.ValidateForServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EDISON_TEST_OPENAI_KEY")

	t.Setenv("EDISON_TEST_OPENAI_KEY", "sk-test")
	assert.NoError(t, cfg.ValidateForServe())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "15s", Duration("15s").String())
	assert.Zero(t, Duration("garbage"))
}
