package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "selfie", cfg.Poller.SearchQuery)
	assert.Equal(t, 25, cfg.Poller.BatchSize)
	assert.Equal(t, 1000, cfg.Poller.MaxRecordsPerRun)
	assert.Equal(t, 14*time.Minute, cfg.Poller.MaxRunDuration)
	assert.Equal(t, 0.2, cfg.Poller.RateLimitThreshold)
	assert.Equal(t, time.Second, cfg.Poller.BackoffBase)
	assert.Equal(t, 300*time.Second, cfg.Poller.BackoffMax)
	assert.Equal(t, 5, cfg.Poller.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Poller.PollInterval)
	assert.False(t, cfg.Poller.RunOnce)

	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 100, cfg.API.PageSize)

	assert.Equal(t, "dynamodb", cfg.Checkpoint.Type)
	assert.Equal(t, "search_checkpoints", cfg.Checkpoint.TableName)
	assert.Equal(t, "checkpoint", cfg.Checkpoint.Key)

	assert.Equal(t, "social-poller", cfg.Secrets.ParameterPrefix)
	assert.Equal(t, 10*time.Minute, cfg.Secrets.TokenCacheTTL)

	assert.Equal(t, "record-processor", cfg.Dispatch.FunctionName)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SEARCH_QUERY", "sunset")
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("MAX_RUN_DURATION", "5m")
	t.Setenv("RATE_LIMIT_THRESHOLD", "0.5")
	t.Setenv("CHECKPOINT_STORE", "memory")
	t.Setenv("RUN_ONCE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sunset", cfg.Poller.SearchQuery)
	assert.Equal(t, 10, cfg.Poller.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Poller.MaxRunDuration)
	assert.Equal(t, 0.5, cfg.Poller.RateLimitThreshold)
	assert.Equal(t, "memory", cfg.Checkpoint.Type)
	assert.True(t, cfg.Poller.RunOnce)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BATCH_SIZE", "lots")
	t.Setenv("MAX_RUN_DURATION", "soon")
	t.Setenv("RATE_LIMIT_THRESHOLD", "low")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Poller.BatchSize)
	assert.Equal(t, 14*time.Minute, cfg.Poller.MaxRunDuration)
	assert.Equal(t, 0.2, cfg.Poller.RateLimitThreshold)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty query", func(c *Config) { c.Poller.SearchQuery = "" }},
		{"zero batch size", func(c *Config) { c.Poller.BatchSize = 0 }},
		{"zero record cap", func(c *Config) { c.Poller.MaxRecordsPerRun = 0 }},
		{"zero duration", func(c *Config) { c.Poller.MaxRunDuration = 0 }},
		{"threshold too high", func(c *Config) { c.Poller.RateLimitThreshold = 1 }},
		{"threshold too low", func(c *Config) { c.Poller.RateLimitThreshold = 0 }},
		{"zero backoff base", func(c *Config) { c.Poller.BackoffBase = 0 }},
		{"max below base", func(c *Config) { c.Poller.BackoffMax = c.Poller.BackoffBase / 2 }},
		{"negative retries", func(c *Config) { c.Poller.MaxRetries = -1 }},
		{"empty API URL", func(c *Config) { c.API.BaseURL = "" }},
		{"zero page size", func(c *Config) { c.API.PageSize = 0 }},
		{"unknown store", func(c *Config) { c.Checkpoint.Type = "filesystem" }},
		{"empty checkpoint key", func(c *Config) { c.Checkpoint.Key = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
