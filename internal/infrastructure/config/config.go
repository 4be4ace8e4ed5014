// Package config loads queuerd/queuerctl configuration from environment
// variables with defaults, each read through getEnv/getEnvInt helpers. A
// YAML file (gopkg.in/yaml.v3) can additionally override the defaults
// before the environment is applied, for the operator CLI's --config flag.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything a queuerd process or queuerctl invocation needs
// to connect to storage and run workers.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// NotifyBackend selects the NotifyAdapter: "redis", "pgnotify", or
	// "memory" (single-process only).
	NotifyBackend string `yaml:"notify_backend"`

	WorkerConcurrency int   `yaml:"worker_concurrency"`
	LeaseMs           int64 `yaml:"lease_ms"`
	RenewIntervalMs   int64 `yaml:"renew_interval_ms"`

	RetryInitialDelayMs int64   `yaml:"retry_initial_delay_ms"`
	RetryMultiplier     float64 `yaml:"retry_multiplier"`
	RetryMaxDelayMs     int64   `yaml:"retry_max_delay_ms"`

	MetricsAddr string `yaml:"metrics_addr"`

	// LogFormat selects the slog handler: "json" for production log
	// aggregation, "text" for a human-readable console during development.
	LogFormat string `yaml:"log_format"`

	// DBConnectMaxRetries, DBConnectInitialBackoffMs and
	// DBConnectMaxBackoffMs bound postgres.Open's connect-and-ping retry
	// loop, run once at process startup before any query traffic exists.
	DBConnectMaxRetries       int   `yaml:"db_connect_max_retries"`
	DBConnectInitialBackoffMs int64 `yaml:"db_connect_initial_backoff_ms"`
	DBConnectMaxBackoffMs     int64 `yaml:"db_connect_max_backoff_ms"`
	DBPingTimeoutMs           int64 `yaml:"db_ping_timeout_ms"`

	// DBMaxOpenConns, DBMaxIdleConns, DBConnMaxLifetimeMs and
	// DBConnMaxIdleTimeMs tune the pool once the connection succeeds.
	DBMaxOpenConns      int   `yaml:"db_max_open_conns"`
	DBMaxIdleConns      int   `yaml:"db_max_idle_conns"`
	DBConnMaxLifetimeMs int64 `yaml:"db_conn_max_lifetime_ms"`
	DBConnMaxIdleTimeMs int64 `yaml:"db_conn_max_idle_time_ms"`
}

// Load reads defaults, applies a YAML file at path if non-empty, then lets
// environment variables override whatever came before.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = getEnv("QUEUERT_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("QUEUERT_REDIS_URL", cfg.RedisURL)
	cfg.NotifyBackend = getEnv("QUEUERT_NOTIFY_BACKEND", cfg.NotifyBackend)
	cfg.WorkerConcurrency = getEnvInt("QUEUERT_WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.LeaseMs = getEnvInt64("QUEUERT_LEASE_MS", cfg.LeaseMs)
	cfg.RenewIntervalMs = getEnvInt64("QUEUERT_RENEW_INTERVAL_MS", cfg.RenewIntervalMs)
	cfg.RetryInitialDelayMs = getEnvInt64("QUEUERT_RETRY_INITIAL_DELAY_MS", cfg.RetryInitialDelayMs)
	cfg.RetryMultiplier = getEnvFloat("QUEUERT_RETRY_MULTIPLIER", cfg.RetryMultiplier)
	cfg.RetryMaxDelayMs = getEnvInt64("QUEUERT_RETRY_MAX_DELAY_MS", cfg.RetryMaxDelayMs)
	cfg.MetricsAddr = getEnv("QUEUERT_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogFormat = getEnv("QUEUERT_LOG_FORMAT", cfg.LogFormat)
	cfg.DBConnectMaxRetries = getEnvInt("QUEUERT_DB_CONNECT_MAX_RETRIES", cfg.DBConnectMaxRetries)
	cfg.DBConnectInitialBackoffMs = getEnvInt64("QUEUERT_DB_CONNECT_INITIAL_BACKOFF_MS", cfg.DBConnectInitialBackoffMs)
	cfg.DBConnectMaxBackoffMs = getEnvInt64("QUEUERT_DB_CONNECT_MAX_BACKOFF_MS", cfg.DBConnectMaxBackoffMs)
	cfg.DBPingTimeoutMs = getEnvInt64("QUEUERT_DB_PING_TIMEOUT_MS", cfg.DBPingTimeoutMs)
	cfg.DBMaxOpenConns = getEnvInt("QUEUERT_DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.DBMaxIdleConns = getEnvInt("QUEUERT_DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)
	cfg.DBConnMaxLifetimeMs = getEnvInt64("QUEUERT_DB_CONN_MAX_LIFETIME_MS", cfg.DBConnMaxLifetimeMs)
	cfg.DBConnMaxIdleTimeMs = getEnvInt64("QUEUERT_DB_CONN_MAX_IDLE_TIME_MS", cfg.DBConnMaxIdleTimeMs)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: QUEUERT_DATABASE_URL environment variable is required")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		NotifyBackend:       "pgnotify",
		WorkerConcurrency:   5,
		LeaseMs:             30_000,
		RenewIntervalMs:     10_000,
		RetryInitialDelayMs: 500,
		RetryMultiplier:     2,
		RetryMaxDelayMs:     60_000,
		MetricsAddr:         ":9090",
		LogFormat:           "json",

		DBConnectMaxRetries:       10,
		DBConnectInitialBackoffMs: 1_000,
		DBConnectMaxBackoffMs:     30_000,
		DBPingTimeoutMs:           5_000,

		DBMaxOpenConns:      25,
		DBMaxIdleConns:      5,
		DBConnMaxLifetimeMs: 5 * 60_000,
		DBConnMaxIdleTimeMs: 60_000,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
