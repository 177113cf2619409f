package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutConfigFile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg := Get()
	require.NotNil(t, cfg)
	assert.Equal(t, "emailengine", cfg.App.Name)
	assert.Equal(t, 3000, cfg.API.Port)
	assert.Equal(t, 4, cfg.Workers.IMAP)
	assert.Equal(t, 250, cfg.Queues.Keep)
	assert.Equal(t, 30*time.Second, cfg.Queues.LeaseTime)
	assert.Equal(t, 2500*time.Millisecond, cfg.API.ShutdownTimeout)
}

func TestLoadFromYAML(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "emailengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: engine-test
  env: production
redis:
  host: redis.internal
  port: 6380
  key_prefix: "ee:"
workers:
  imap: 8
queues:
  keep: 0
`), 0o600))

	require.NoError(t, Load(path))
	cfg := Get()
	assert.Equal(t, "engine-test", cfg.App.Name)
	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "ee:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 8, cfg.Workers.IMAP)
	// Explicit zero survives: retain-none is a valid policy.
	assert.Equal(t, 0, cfg.Queues.Keep)
	// Untouched values keep their defaults.
	assert.Equal(t, 3000, cfg.API.Port)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
