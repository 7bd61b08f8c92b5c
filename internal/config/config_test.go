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

	assert.Equal(t, "127.0.0.1", cfg.Daemon.Host)
	assert.Equal(t, 8321, cfg.Daemon.Port)
	assert.False(t, cfg.WebSocket.Enabled())
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Agents.MaxDepth)
	assert.False(t, cfg.Memory.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
daemon:
  port: 9000
websocket:
  port: 9001
  auth_token: hunter2
scheduler:
  max_concurrent: 8
webhooks:
  - url: http://localhost:9999/hook
    events: [BEFORE_TOOL]
    can_block: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Daemon.Port)
	assert.True(t, cfg.WebSocket.Enabled())
	assert.Equal(t, "hunter2", cfg.WebSocket.AuthToken)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].CanBlock)
}

func TestLoadEnvOverrides(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("GOBBY_DATABASE_PATH", dbPath)
	t.Setenv("GOBBY_LOGGING_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dbPath, cfg.DatabasePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestTestProtectRedirectsMutablePaths(t *testing.T) {
	t.Setenv("GOBBY_TEST_PROTECT", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.TestProtect)
	assert.Contains(t, cfg.DatabasePath, "gobby-test")
	assert.Nil(t, cfg.Webhooks)
}

func TestWebhookMatches(t *testing.T) {
	assert.True(t, HookWebhook{}.Matches("BEFORE_TOOL"))
	assert.True(t, HookWebhook{Events: []string{"*"}}.Matches("STOP"))
	assert.True(t, HookWebhook{Events: []string{"BEFORE_TOOL", "STOP"}}.Matches("STOP"))
	assert.False(t, HookWebhook{Events: []string{"BEFORE_TOOL"}}.Matches("STOP"))
}
