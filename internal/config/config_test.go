package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerverless/jobqueue/internal/backoff"
)

var envKeys = []string{
	"NODE_ID", "HTTP_PORT", "LOG_LEVEL", "LOG_JSON",
	"JOBQUEUE_STORE", "JOBQUEUE_DATA_DIR", "JOBQUEUE_SQLITE_PATH",
	"JOBQUEUE_REDIS_ADDR", "JOBQUEUE_REDIS_PREFIX", "JOBQUEUE_RECOVER_ON_START",
	"JOBQUEUE_CONCURRENCY", "JOBQUEUE_MAX_ATTEMPTS", "JOBQUEUE_IDLE_BACKOFF",
	"JOBQUEUE_JOB_TIMEOUT", "JOBQUEUE_RETRY_BACKOFF", "JOBQUEUE_RETRY_DELAY",
	"JOBQUEUE_RETRY_MAX_DELAY", "JOBQUEUE_CLAIM_RATE", "JOBQUEUE_SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8000", cfg.Addr())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Pool.MaxAttempts)

	retry, err := cfg.Pool.Retry()
	require.NoError(t, err)
	assert.Equal(t, backoff.None{}, retry)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
node_id: worker-7
http_port: 9090
store:
  backend: sqlite
  sqlite_path: /var/lib/jobqueue/jobs.db
pool:
  concurrency: 8
  idle_backoff: 50ms
  retry_backoff: exponential
  retry_delay: 500ms
  retry_max_delay: 10s
shutdown_timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.NodeID)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/jobqueue/jobs.db", cfg.Store.SQLitePath)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr, "unset keys keep their defaults")
	assert.Equal(t, 8, cfg.Pool.Concurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Pool.IdleBackoff)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

	retry, err := cfg.Pool.Retry()
	require.NoError(t, err)
	assert.Equal(t, backoff.Exponential{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true}, retry)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "pool:\n  concurrency: 8\n")
	t.Setenv("JOBQUEUE_CONCURRENCY", "2")
	t.Setenv("JOBQUEUE_STORE", "redis")
	t.Setenv("JOBQUEUE_JOB_TIMEOUT", "90s")
	t.Setenv("JOBQUEUE_CLAIM_RATE", "12.5")
	t.Setenv("JOBQUEUE_RECOVER_ON_START", "true")
	t.Setenv("LOG_JSON", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.Concurrency)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, 90*time.Second, cfg.Pool.JobTimeout)
	assert.Equal(t, 12.5, cfg.Pool.ClaimRate)
	assert.True(t, cfg.Store.RecoverOnStart)
	assert.True(t, cfg.LogJSON)
}

func TestLoad_MalformedEnvIsIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_PORT", "eighty")
	t.Setenv("JOBQUEUE_IDLE_BACKOFF", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, 200*time.Millisecond, cfg.Pool.IdleBackoff)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "pool: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Pool.Concurrency = 0 }, "concurrency"},
		{"zero max attempts", func(c *Config) { c.Pool.MaxAttempts = 0 }, "max_attempts"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }, "backend"},
		{"unknown retry backoff", func(c *Config) { c.Pool.RetryBackoff = "fibonacci" }, "backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
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
