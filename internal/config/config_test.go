package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("OPSBRIDGE_BACKEND_URL", "http://localhost:9000/api")
	t.Setenv("OPSBRIDGE_SOCKET_URL", "ws://localhost:9000/ws")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.PollCeiling)
	assert.Equal(t, "127.0.0.1:8788", cfg.ConsoleAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_MissingRequired(t *testing.T) {
	t.Setenv("OPSBRIDGE_BACKEND_URL", "")
	t.Setenv("OPSBRIDGE_SOCKET_URL", "")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPSBRIDGE_BACKEND_URL")

	t.Setenv("OPSBRIDGE_BACKEND_URL", "http://localhost:9000/api")
	_, err = LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPSBRIDGE_SOCKET_URL")
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("OPSBRIDGE_BACKEND_URL", "http://localhost:9000/api")
	t.Setenv("OPSBRIDGE_SOCKET_URL", "ws://localhost:9000/ws")
	t.Setenv("OPSBRIDGE_HEARTBEAT_INTERVAL", "5")
	t.Setenv("OPSBRIDGE_RECONNECT_BASE", "2")
	t.Setenv("OPSBRIDGE_MAX_RECONNECTS", "3")
	t.Setenv("OPSBRIDGE_POLL_INTERVAL", "1")
	t.Setenv("OPSBRIDGE_POLL_CEILING", "45")
	t.Setenv("OPSBRIDGE_CLIENT_ID", "client_test")
	t.Setenv("OPSBRIDGE_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.ReconnectBase)
	assert.Equal(t, 3, cfg.MaxReconnects)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.PollCeiling)
	assert.Equal(t, "client_test", cfg.ClientID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromEnv_InvalidNumber(t *testing.T) {
	t.Setenv("OPSBRIDGE_BACKEND_URL", "http://localhost:9000/api")
	t.Setenv("OPSBRIDGE_SOCKET_URL", "ws://localhost:9000/ws")
	t.Setenv("OPSBRIDGE_HEARTBEAT_INTERVAL", "soon")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackendURL = "http://localhost:9000/api"
	cfg.SocketURL = "ws://localhost:9000/ws"
	require.NoError(t, cfg.Validate())

	cfg.MaxReconnects = 0
	assert.Error(t, cfg.Validate())
	cfg.MaxReconnects = 5

	cfg.HeartbeatInterval = 100 * time.Millisecond
	assert.Error(t, cfg.Validate())
	cfg.HeartbeatInterval = 20 * time.Second

	cfg.PollCeiling = cfg.PollInterval / 2
	assert.Error(t, cfg.Validate())
}
