package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 64, cfg.WS.SendBuffer)
	assert.Equal(t, 60*time.Second, cfg.WS.PongWait)
	assert.Equal(t, 5*time.Second, cfg.Relay.StoreTimeout)
	assert.Equal(t, "@every 30s", cfg.Redis.RefreshSchedule)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	body := []byte(`
server:
  addr: ":9000"
auth:
  jwt_secret: from-file
ws:
  send_buffer: 8
relay:
  store_timeout: 250ms
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("CHAT_RELAY_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 8, cfg.WS.SendBuffer)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.StoreTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	require.EqualError(t, cfg.Validate(), "auth.jwt_secret is required")

	cfg.Auth.JWTSecret = "s3cret"
	cfg.WS.SendBuffer = 0
	require.Error(t, cfg.Validate())

	cfg.WS.SendBuffer = 1
	require.NoError(t, cfg.Validate())
}
