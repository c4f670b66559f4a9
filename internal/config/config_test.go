package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.ReconnectDelay = Duration{500 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.ReconnectDelay.Duration != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 500ms", loaded.ReconnectDelay)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_url = \"https://api.example.com/v1\"\npage_limit = 50\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want 50", cfg.PageLimit)
	}
	if cfg.ReconnectAttempts != 5 || cfg.ReconnectDelay.Duration != 2*time.Second {
		t.Errorf("reconnect = %d/%v, want defaults", cfg.ReconnectAttempts, cfg.ReconnectDelay)
	}
	if !cfg.AutoMarkRead {
		t.Error("AutoMarkRead should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.PageLimit != 20 {
		t.Errorf("PageLimit = %d, want 20", cfg.PageLimit)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("reconnect_delay = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad api scheme", func(c *Config) { c.APIURL = "ftp://x" }, "api_url"},
		{"bad push scheme", func(c *Config) { c.PushURL = "http://x" }, "push_url"},
		{"page limit zero", func(c *Config) { c.PageLimit = 0 }, "page_limit"},
		{"negative attempts", func(c *Config) { c.ReconnectAttempts = -1 }, "reconnect_attempts"},
		{"zero delay", func(c *Config) { c.ReconnectDelay = Duration{} }, "reconnect_delay"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = Duration{} }, "request_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestPushEndpoint(t *testing.T) {
	cfg := Default()
	cfg.APIURL = "https://api.example.com/v1"
	if got := cfg.PushEndpoint(); got != "wss://api.example.com/ws" {
		t.Errorf("PushEndpoint() = %q", got)
	}
	cfg.PushURL = "ws://push.local:9000/events"
	if got := cfg.PushEndpoint(); got != "ws://push.local:9000/events" {
		t.Errorf("PushEndpoint() = %q", got)
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv(EnvToken, "  secret \n")
	if got := Token(); got != "secret" {
		t.Errorf("Token() = %q, want secret", got)
	}
}
