package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 0.3, cfg.Engine.Assessor.ThrottleThreshold)
	assert.Equal(t, 0.85, cfg.Engine.Assessor.BlockThreshold)
	assert.Equal(t, 3, cfg.Engine.Cluster.MinClusterSize)
	assert.Equal(t, 0.3, cfg.Engine.Cluster.MaxClusterDistance)
	assert.Equal(t, 24*time.Hour, cfg.Engine.Cluster.RegistrationWindow)
	assert.Equal(t, 0.6, cfg.Engine.Collusion.ConfidenceFloor)
	assert.Equal(t, 0.3, cfg.Engine.Scoring.Alpha)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.Scoring.HistoryWindow)
	assert.Equal(t, 2048, cfg.Audit.QueueSize)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Empty(t, cfg.Engine.Signing.Keys)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
log_level: warn
server:
  addr: ":9090"
engine:
  cluster:
    min_cluster_size: 5
  signing:
    keys:
      gateway: super-secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Engine.Cluster.MinClusterSize)
	assert.Equal(t, "super-secret", cfg.Engine.Signing.Keys["gateway"])
	// Unset keys keep their defaults.
	assert.Equal(t, 0.3, cfg.Engine.Cluster.MaxClusterDistance)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("AEGIS_SERVER_ADDR", ":7070")
	t.Setenv("AEGIS_REDIS_ADDR", "redis-prod:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
}
