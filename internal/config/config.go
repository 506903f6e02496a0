package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Event log backends
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

// Config holds all configuration for the task stream service
type Config struct {
	// Server configuration
	HTTPPort int    `env:"TASKSTREAM_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"TASKSTREAM_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Per-task write limit on the HTTP API. Zero disables it.
	AppendRateLimit float64 `env:"APPEND_RATE_LIMIT" envDefault:"0"`
	AppendRateBurst int     `env:"APPEND_RATE_BURST" envDefault:"50"`

	// Backend selects the event log implementation
	Backend string `env:"EVENTLOG_BACKEND" envDefault:"redis"`

	// Redis configuration
	Redis RedisConfig

	// Stream configuration
	Stream StreamConfig

	// Append retry policy
	Retry RetryConfig

	// Pebble configuration
	Pebble PebbleConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize        int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns    int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries      int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	MinRetryBackoff time.Duration `env:"REDIS_MIN_RETRY_BACKOFF" envDefault:"8ms"`
	MaxRetryBackoff time.Duration `env:"REDIS_MAX_RETRY_BACKOFF" envDefault:"512ms"`
	DialTimeout     time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout     time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout    time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// StreamConfig holds per-task stream settings
type StreamConfig struct {
	Prefix    string        `env:"STREAM_PREFIX" envDefault:"a2a:task"`
	MaxLen    int64         `env:"STREAM_MAXLEN" envDefault:"0"`
	ReadBlock time.Duration `env:"STREAM_READ_BLOCK" envDefault:"500ms"`
	TTL       time.Duration `env:"STREAM_TTL" envDefault:"0s"`
}

// RetryConfig holds the retry policy for stream writes
type RetryConfig struct {
	MaxAttempts     uint          `env:"APPEND_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"APPEND_RETRY_INITIAL_INTERVAL" envDefault:"50ms"`
	MaxInterval     time.Duration `env:"APPEND_RETRY_MAX_INTERVAL" envDefault:"1s"`
}

// PebbleConfig holds embedded store configuration
type PebbleConfig struct {
	Dir  string `env:"PEBBLE_DIR" envDefault:"./data/taskstream"`
	Sync bool   `env:"PEBBLE_SYNC" envDefault:"false"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// EchoDelay paces the built-in echo producer
	EchoDelay time.Duration `env:"ECHO_DELAY" envDefault:"100ms"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	TaskExecutionTimeout time.Duration `env:"TIMEOUT_TASK_EXECUTION" envDefault:"600s"`
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate backend
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case BackendPebble:
		if c.Pebble.Dir == "" {
			return fmt.Errorf("pebble directory is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported event log backend: %s (must be redis, memory or pebble)", c.Backend)
	}

	// Validate stream config
	if c.Stream.Prefix == "" {
		return fmt.Errorf("stream prefix is required")
	}
	if c.Stream.MaxLen < 0 {
		return fmt.Errorf("stream max length must not be negative")
	}
	if c.Stream.ReadBlock <= 0 {
		return fmt.Errorf("stream read block must be positive")
	}

	if c.AppendRateLimit < 0 {
		return fmt.Errorf("append rate limit must not be negative")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
