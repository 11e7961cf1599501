package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvFile, "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Hub.Addr)
	assert.Equal(t, 100*time.Millisecond, cfg.Agent.SyncInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  console: true
hub:
  addr: ":9000"
  advertise: true
agent:
  hub_url: ws://hub.local:9000/ws
  user: alice
  sync_interval: 250ms
  ice_servers: []
`), 0o644))
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
	assert.Equal(t, ":9000", cfg.Hub.Addr)
	assert.True(t, cfg.Hub.Advertise)
	assert.Equal(t, "alice", cfg.Agent.User)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.SyncInterval)
	assert.Empty(t, cfg.Agent.ICEServers)
	assert.Equal(t, 30*time.Second, cfg.Agent.DialTimeout)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  redis_addr: file:6379\n"), 0o644))
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/collab")
	t.Setenv("COLLAB_USER", "bob")
	t.Setenv("COLLAB_SYNC_INTERVAL", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.Hub.RedisAddr)
	assert.Equal(t, "postgres://u:p@db/collab", cfg.Hub.DatabaseURL)
	assert.Equal(t, "bob", cfg.Agent.User)
	assert.Equal(t, time.Second, cfg.Agent.SyncInterval)
}

func TestInvalidValues(t *testing.T) {
	t.Setenv(EnvFile, "")
	t.Setenv("COLLAB_SYNC_INTERVAL", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "COLLAB_SYNC_INTERVAL")

	cfg := Default()
	cfg.Agent.SyncInterval = 0
	cfg.Hub.Addr = ""
	err = cfg.Validate()
	assert.ErrorContains(t, err, "hub.addr")
	assert.ErrorContains(t, err, "sync_interval")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
