package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Backend)
	require.Equal(t, 100, cfg.Snapshot.Interval)
	require.Equal(t, 5*time.Minute, cfg.Postgres.ConnMaxLifetime)

	t.Setenv("ESRT_EVENTS", "42")
	t.Setenv("ESRT_SNAPSHOT_INTERVAL", "7")
	t.Setenv("ESRT_REDIS_KEY_PREFIX", "lt:")
	t.Setenv("ESRT_LOG_LEVEL", "debug")
	cfg, err = loadConfig()
	require.NoError(t, err)
	require.Equal(t, 42, cfg.Events)
	require.Equal(t, 7, cfg.Snapshot.Interval)
	require.Equal(t, "lt:", cfg.Redis.KeyPrefix)
	require.Equal(t, slog.LevelDebug, cfg.logLevel())
}

func TestLoadConfig_invalid(t *testing.T) {
	t.Setenv("ESRT_BACKEND", "kafka")
	_, err := loadConfig()
	require.Error(t, err)

	t.Setenv("ESRT_BACKEND", "memory")
	t.Setenv("ESRT_SNAPSHOTS", "nats")
	_, err = loadConfig()
	require.Error(t, err)
}

func TestRun_withoutMemorySnapshots(t *testing.T) {
	t.Setenv("ESRT_EVENTS", "50")
	t.Setenv("ESRT_AGGREGATES", "2")
	t.Setenv("ESRT_MEMORY_SNAPSHOTS", "false")
	t.Setenv("ESRT_METRICS_ADDR", "")
	cfg, err := loadConfig()
	require.NoError(t, err)
	require.False(t, cfg.MemorySnapshots)

	require.NoError(t, run(t.Context(), slog.New(slog.DiscardHandler), cfg))
}

func TestRun_memory(t *testing.T) {
	t.Setenv("ESRT_EVENTS", "200")
	t.Setenv("ESRT_AGGREGATES", "3")
	t.Setenv("ESRT_SNAPSHOT_INTERVAL", "10")
	t.Setenv("ESRT_LOAD_AFTER_COMMIT", "true")
	t.Setenv("ESRT_METRICS_ADDR", "")
	cfg, err := loadConfig()
	require.NoError(t, err)

	require.NoError(t, run(t.Context(), slog.New(slog.DiscardHandler), cfg))
}
