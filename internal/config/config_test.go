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

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "a2a:task", cfg.Stream.Prefix)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.ReadBlock)
	assert.Zero(t, cfg.Stream.MaxLen)
	assert.Zero(t, cfg.Stream.TTL)
	assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Workers.PoolSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Workers.EchoDelay)
	assert.Zero(t, cfg.AppendRateLimit)
	assert.Equal(t, 50, cfg.AppendRateBurst)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EVENTLOG_BACKEND", "pebble")
	t.Setenv("PEBBLE_DIR", "/var/lib/taskstream")
	t.Setenv("PEBBLE_SYNC", "true")
	t.Setenv("STREAM_PREFIX", "tenant-a:task")
	t.Setenv("STREAM_MAXLEN", "1000")
	t.Setenv("STREAM_TTL", "24h")
	t.Setenv("APPEND_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("APPEND_RATE_LIMIT", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendPebble, cfg.Backend)
	assert.Equal(t, "/var/lib/taskstream", cfg.Pebble.Dir)
	assert.True(t, cfg.Pebble.Sync)
	assert.Equal(t, "tenant-a:task", cfg.Stream.Prefix)
	assert.Equal(t, int64(1000), cfg.Stream.MaxLen)
	assert.Equal(t, 24*time.Hour, cfg.Stream.TTL)
	assert.Equal(t, uint(5), cfg.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2.5, cfg.AppendRateLimit)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("EVENTLOG_BACKEND", "kafka")

	_, err := Load()
	assert.ErrorContains(t, err, "unsupported event log backend")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad http port", func(c *Config) { c.HTTPPort = 0 }, "invalid HTTP port"},
		{"bad grpc port", func(c *Config) { c.GRPCPort = 70000 }, "invalid gRPC port"},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis address is required"},
		{"missing pebble dir", func(c *Config) { c.Backend = BackendPebble; c.Pebble.Dir = "" }, "pebble directory is required"},
		{"empty prefix", func(c *Config) { c.Stream.Prefix = "" }, "stream prefix is required"},
		{"negative maxlen", func(c *Config) { c.Stream.MaxLen = -1 }, "max length"},
		{"zero read block", func(c *Config) { c.Stream.ReadBlock = 0 }, "read block"},
		{"negative rate", func(c *Config) { c.AppendRateLimit = -1 }, "append rate limit"},
		{"no workers", func(c *Config) { c.Workers.PoolSize = 0 }, "worker pool size"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	memory := valid()
	memory.Backend = BackendMemory
	memory.Redis.Addr = ""
	assert.NoError(t, memory.Validate())
}
