package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 3500, cfg.PoolStart)
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "8080"
pool_start: 100
pool_size: 2
session_ttl: 15m
backend_command: ["python3", "-m", "http.server", "{port}"]
backend_ready_timeout: 5s
redis_address: 127.0.0.1:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 100, cfg.PoolStart)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL)
	assert.Equal(t, []string{"python3", "-m", "http.server", "{port}"}, cfg.BackendCommand)
	assert.Equal(t, 5*time.Second, cfg.BackendReadyTimeout)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, "index.html", cfg.LandingPage, "unset keys keep defaults")
}

func TestLoadRejectsInvalidPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_start: 65530\npool_size: 10\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "not a valid port range")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: [1"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}
