// Package config handles bridge configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all bridge configuration.
type Config struct {
	// Connection
	BackendURL string // REST base URL (http:// or https://)
	SocketURL  string // persistent channel URL (ws:// or wss://)
	ClientID   string // opaque client identity, generated when empty

	// Behavior
	HeartbeatInterval time.Duration // session liveness probe interval
	ReconnectBase     time.Duration // backoff base for channel reconnects
	MaxReconnects     int           // consecutive reconnect attempts before giving up
	PollInterval      time.Duration // command/execution poll cadence
	PollCeiling       time.Duration // bounded wait for a terminal status

	// Console
	ConsoleAddr string // local UI-facing listen address, empty disables

	// Storage
	StateDir string // durable client state (credential store)

	// Logging
	LogLevel string // debug, info, warn, error
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := ".opsbridge"
	if home != "" {
		stateDir = home + "/.opsbridge"
	}
	return &Config{
		HeartbeatInterval: 20 * time.Second,
		ReconnectBase:     time.Second,
		MaxReconnects:     5,
		PollInterval:      2 * time.Second,
		PollCeiling:       30 * time.Second,
		ConsoleAddr:       "127.0.0.1:8788",
		StateDir:          stateDir,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.BackendURL = os.Getenv("OPSBRIDGE_BACKEND_URL")
	if cfg.BackendURL == "" {
		return nil, errors.New("OPSBRIDGE_BACKEND_URL is required")
	}

	cfg.SocketURL = os.Getenv("OPSBRIDGE_SOCKET_URL")
	if cfg.SocketURL == "" {
		return nil, errors.New("OPSBRIDGE_SOCKET_URL is required")
	}

	// Optional
	cfg.ClientID = os.Getenv("OPSBRIDGE_CLIENT_ID")

	if v := os.Getenv("OPSBRIDGE_HEARTBEAT_INTERVAL"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("OPSBRIDGE_HEARTBEAT_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("OPSBRIDGE_MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("OPSBRIDGE_MAX_RECONNECTS must be a number")
		}
		cfg.MaxReconnects = n
	}

	if v := os.Getenv("OPSBRIDGE_RECONNECT_BASE"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("OPSBRIDGE_RECONNECT_BASE must be a number (seconds)")
		}
		cfg.ReconnectBase = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("OPSBRIDGE_POLL_INTERVAL"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("OPSBRIDGE_POLL_INTERVAL must be a number (seconds)")
		}
		cfg.PollInterval = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("OPSBRIDGE_POLL_CEILING"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("OPSBRIDGE_POLL_CEILING must be a number (seconds)")
		}
		cfg.PollCeiling = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("OPSBRIDGE_CONSOLE_ADDR"); v != "" {
		cfg.ConsoleAddr = v
	}

	if v := os.Getenv("OPSBRIDGE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}

	if level := os.Getenv("OPSBRIDGE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("backend URL is required")
	}
	if c.SocketURL == "" {
		return errors.New("socket URL is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.MaxReconnects < 1 {
		return errors.New("max reconnects must be at least 1")
	}
	if c.PollInterval < 100*time.Millisecond {
		return errors.New("poll interval must be at least 100ms")
	}
	if c.PollCeiling < c.PollInterval {
		return errors.New("poll ceiling must not be shorter than the poll interval")
	}
	return nil
}
