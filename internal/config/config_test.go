package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	rq := require.New(t)

	cfg, err := LoadFromFile(writeConfig(t, "server:\n  port: 9090\n"))
	rq.NoError(err)

	rq.Equal(9090, cfg.Server.Port)
	rq.Equal("memory", cfg.Storage.Backend)
	rq.Equal("local", cfg.Lock.Backend)
	rq.Equal(3, cfg.Engine.MaxAttempts)
	rq.Equal(2*time.Second, cfg.Engine.LockTimeout)
	rq.Equal(5*time.Minute, cfg.Engine.AutoExtendWindow)
	rq.Equal("@every 1s", cfg.Scheduler.Interval)
	rq.Equal("auction-events", cfg.Events.Kafka.Topic)
	rq.Equal([]string{"localhost:9092"}, cfg.Events.Kafka.Brokers)
	rq.False(cfg.UsesRedis())
}

func TestFileAndEnvironmentOverrides(t *testing.T) {
	rq := require.New(t)
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("INSTANCE_ID", "bidding-service-7")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := LoadFromFile(writeConfig(t, `
storage:
  backend: mysql
engine:
  max_attempts: 5
  auto_extend_by: 2m
scheduler:
  ending_soon_window: 90s
events:
  kafka:
    enabled: true
`))
	rq.NoError(err)

	rq.Equal("mysql", cfg.Storage.Backend)
	rq.Equal("redis", cfg.Lock.Backend)
	rq.Equal("bidding-service-7", cfg.Instance.ID)
	rq.Equal(5, cfg.Engine.MaxAttempts)
	rq.Equal(2*time.Minute, cfg.Engine.AutoExtendBy)
	rq.Equal(90*time.Second, cfg.Scheduler.EndingSoonWindow)
	rq.True(cfg.Events.Kafka.Enabled)
	rq.Equal([]string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Kafka.Brokers)
	rq.True(cfg.UsesRedis())
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "storage:\n  backend: postgres\nengine:\n  max_attempts: 0\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage.backend")
	require.Contains(t, err.Error(), "engine.max_attempts")
}

func TestMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
