package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"QUEUERT_DATABASE_URL", "QUEUERT_REDIS_URL", "QUEUERT_NOTIFY_BACKEND",
		"QUEUERT_WORKER_CONCURRENCY", "QUEUERT_LEASE_MS", "QUEUERT_RENEW_INTERVAL_MS",
		"QUEUERT_RETRY_INITIAL_DELAY_MS", "QUEUERT_RETRY_MULTIPLIER",
		"QUEUERT_RETRY_MAX_DELAY_MS", "QUEUERT_METRICS_ADDR",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadAppliesDefaultsThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUEUERT_DATABASE_URL", "postgres://localhost/queuert")
	t.Setenv("QUEUERT_RETRY_MULTIPLIER", "3.5")
	t.Setenv("QUEUERT_WORKER_CONCURRENCY", "12")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/queuert", cfg.DatabaseURL)
	assert.Equal(t, "pgnotify", cfg.NotifyBackend)
	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 3.5, cfg.RetryMultiplier)
	assert.Equal(t, int64(60_000), cfg.RetryMaxDelayMs)
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := dir + "/queuert.yaml"
	require.NoError(t, os.WriteFile(path, []byte(
		"database_url: postgres://from-yaml/db\nworker_concurrency: 7\n",
	), 0o600))

	t.Setenv("QUEUERT_WORKER_CONCURRENCY", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://from-yaml/db", cfg.DatabaseURL)
	assert.Equal(t, 20, cfg.WorkerConcurrency)
}
