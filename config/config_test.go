package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Worker.MaxConcurrency)
	require.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval.Std())
	require.True(t, cfg.Scheduler.Enabled)
	require.Equal(t, 10*time.Second, cfg.Scheduler.CheckInterval.Std())
	require.Equal(t, 100, cfg.Scheduler.MaxStartsPerCheck)
	require.Equal(t, "UTC", cfg.Scheduler.Timezone)
	require.Equal(t, time.Hour, cfg.Engine.DefaultTimeout.Std())
	require.Equal(t, 3, cfg.Engine.DefaultRetryPolicy.MaxAttempts)
	require.Equal(t, time.Second, cfg.Engine.DefaultRetryPolicy.InitialDelay.Std())
	require.Equal(t, 5*time.Minute, cfg.Engine.DefaultRetryPolicy.MaxDelay.Std())
	require.Equal(t, 2.0, cfg.Engine.DefaultRetryPolicy.BackoffMultiplier)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres_connection: postgres://flowforge@localhost/flowforge
worker:
  max_concurrency: 4
  heartbeat_interval: 10s
scheduler:
  enabled: false
  check_interval: 2s
engine:
  default_timeout: 5m
  default_retry_policy:
    max_attempts: 7
    initial_delay: 250ms
    max_delay: 1m
    backoff_multiplier: 1.5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://flowforge@localhost/flowforge", cfg.PostgresConnection)
	require.Equal(t, 4, cfg.Worker.MaxConcurrency)
	require.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval.Std())
	require.False(t, cfg.Scheduler.Enabled)
	require.Equal(t, 2*time.Second, cfg.Scheduler.CheckInterval.Std())
	require.Equal(t, 5*time.Minute, cfg.Engine.DefaultTimeout.Std())
	require.Equal(t, 7, cfg.Engine.DefaultRetryPolicy.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Engine.DefaultRetryPolicy.InitialDelay.Std())
	// Unset keys keep their defaults.
	require.Equal(t, 100, cfg.Scheduler.MaxStartsPerCheck)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWFORGE_REDIS_CONNECTION", "redis:6380")
	t.Setenv("FLOWFORGE_WORKER_MAX_CONCURRENCY", "3")
	t.Setenv("FLOWFORGE_SCHEDULER_ENABLED", "false")
	t.Setenv("FLOWFORGE_SCHEDULER_CHECK_INTERVAL", "1s")
	t.Setenv("FLOWFORGE_ENGINE_RETRY_BACKOFF_MULTIPLIER", "3.5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "redis:6380", cfg.RedisConnection)
	require.Equal(t, 3, cfg.Worker.MaxConcurrency)
	require.False(t, cfg.Scheduler.Enabled)
	require.Equal(t, time.Second, cfg.Scheduler.CheckInterval.Std())
	require.Equal(t, 3.5, cfg.Engine.DefaultRetryPolicy.BackoffMultiplier)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  max_concurrency: 4\n"), 0o600))
	t.Setenv("FLOWFORGE_WORKER_MAX_CONCURRENCY", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Worker.MaxConcurrency)
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("FLOWFORGE_WORKER_MAX_CONCURRENCY", "zero")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worker.MaxConcurrency = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Scheduler.Timezone = "Mars/Olympus"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Scheduler.Timezone = "America/New_York"
	require.NoError(t, cfg.Validate())
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())
}

func TestWorkflowRetryPolicy(t *testing.T) {
	cfg := Default()
	p := cfg.WorkflowRetryPolicy()
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, time.Second, p.InitialDelay)
	require.Equal(t, 5*time.Minute, p.MaxDelay)
	require.Equal(t, 2.0, p.BackoffMultiplier)
}
