package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "single", cfg.Mode)
	assert.Equal(t, int64(4<<20), cfg.BodyLimit)
	assert.False(t, cfg.Production())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
env: production
mode: process
workers: 4
body_limit: 1048576
stage_timeout: 2s
request_timeout: 10s
`), 0o644))

	cfg := defaults()
	require.NoError(t, cfg.loadFile(path))

	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, "process", cfg.Mode)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, int64(1<<20), cfg.BodyLimit)
	assert.Equal(t, 2*time.Second, cfg.StageTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := defaults()
	assert.Error(t, cfg.loadFile("/nonexistent/relay.yaml"))
}

func TestLoadFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a port"), 0o644))
	assert.Error(t, defaults().loadFile(path))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("RELAY_ENV", "production")
	t.Setenv("RELAY_MODE", "thread")
	t.Setenv("RELAY_WORKERS", "8")

	cfg := defaults()
	cfg.loadEnv()

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "thread", cfg.Mode)
	assert.Equal(t, 8, cfg.Workers)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	require.NoError(t, cfg.validate())

	cfg.Port = 0
	assert.Error(t, cfg.validate())

	cfg = defaults()
	cfg.Mode = "fleet"
	assert.Error(t, cfg.validate())

	cfg = defaults()
	cfg.CertFile = "server.crt"
	assert.Error(t, cfg.validate(), "cert without key must fail")

	cfg.KeyFile = "server.key"
	assert.NoError(t, cfg.validate())

	cfg = defaults()
	cfg.Workers = -1
	require.NoError(t, cfg.validate())
	assert.Equal(t, 1, cfg.Workers)
}

func TestAddr(t *testing.T) {
	cfg := defaults()
	cfg.Port = 3000
	assert.Equal(t, ":3000", cfg.Addr())
}
