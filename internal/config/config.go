// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Client settings.
	BackendURL string
	WSURL      string
	SessionID  string

	Sync SyncConfig

	// Dev backend settings.
	Port        string
	DBPath      string
	FrontendURL string
}

// SyncConfig holds the synchronization engine tunables.
type SyncConfig struct {
	FlushInterval time.Duration
	StaleTimeout  time.Duration
	AbortTimeout  time.Duration
	ConnectWait   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BackendURL: getEnv("BACKEND_URL", "http://localhost:8080"),
		WSURL:      getEnv("WS_URL", ""),
		SessionID:  getEnv("SESSION_ID", "default"),
		Sync: SyncConfig{
			FlushInterval: getEnvDuration("FLUSH_INTERVAL", 50*time.Millisecond),
			StaleTimeout:  getEnvDuration("STALE_TIMEOUT", 30*time.Second),
			AbortTimeout:  getEnvDuration("ABORT_TIMEOUT", 5*time.Second),
			ConnectWait:   getEnvDuration("CONNECT_WAIT", 10*time.Second),
		},
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/chansync.db"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
	}

	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.BackendURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sync.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be > 0")
	}
	if c.Sync.StaleTimeout <= 0 {
		return fmt.Errorf("STALE_TIMEOUT must be > 0")
	}
	if c.Sync.AbortTimeout <= 0 {
		return fmt.Errorf("ABORT_TIMEOUT must be > 0")
	}
	if c.Sync.ConnectWait <= 0 {
		return fmt.Errorf("CONNECT_WAIT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// deriveWSURL maps the REST base URL to the websocket chat endpoint.
func deriveWSURL(backendURL string) string {
	ws := backendURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/ws/chat"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
