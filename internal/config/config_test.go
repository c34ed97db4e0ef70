package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BackendURL != "http://localhost:8080" {
		t.Errorf("Expected default backend URL, got %q", cfg.BackendURL)
	}
	if cfg.WSURL != "ws://localhost:8080/ws/chat" {
		t.Errorf("Expected derived ws URL, got %q", cfg.WSURL)
	}
	if cfg.SessionID != "default" {
		t.Errorf("Expected default session id, got %q", cfg.SessionID)
	}
	if cfg.Sync.FlushInterval != 50*time.Millisecond {
		t.Errorf("Expected default flush interval, got %v", cfg.Sync.FlushInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://chat.example.com")
	t.Setenv("STALE_TIMEOUT", "90s")
	t.Setenv("SESSION_ID", "alice")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WSURL != "wss://chat.example.com/ws/chat" {
		t.Errorf("Expected wss URL derived from https backend, got %q", cfg.WSURL)
	}
	if cfg.Sync.StaleTimeout != 90*time.Second {
		t.Errorf("Expected 90s stale timeout, got %v", cfg.Sync.StaleTimeout)
	}
	if cfg.SessionID != "alice" {
		t.Errorf("Expected session alice, got %q", cfg.SessionID)
	}
}

func TestLoad_ExplicitWSURLWins(t *testing.T) {
	t.Setenv("WS_URL", "ws://other-host:9000/ws/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WSURL != "ws://other-host:9000/ws/chat" {
		t.Errorf("Expected explicit ws URL preserved, got %q", cfg.WSURL)
	}
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	t.Setenv("ABORT_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.AbortTimeout != 5*time.Second {
		t.Errorf("Expected fallback abort timeout, got %v", cfg.Sync.AbortTimeout)
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		frontendURL string
		want        bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://chat.example.com", false},
	}
	for _, tt := range tests {
		cfg := &Config{FrontendURL: tt.frontendURL}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.frontendURL, got, tt.want)
		}
	}
}
