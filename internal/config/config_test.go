package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.Name != "operator-broker" {
		t.Errorf("unexpected server name %q", cfg.Server.Name)
	}
	if len(cfg.Backends.Order) != 3 {
		t.Errorf("expected 3 default backends, got %v", cfg.Backends.Order)
	}
	if cfg.Backends.Order[0] != BackendEmbedded {
		t.Errorf("expected embedded backend first, got %q", cfg.Backends.Order[0])
	}
	if cfg.Sessions.HistoryCapacity != 20 {
		t.Errorf("expected history capacity 20, got %d", cfg.Sessions.HistoryCapacity)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8719" {
		t.Errorf("expected default http addr, got %q", cfg.Server.HTTPAddr)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  name: test-broker
  http_addr: ":9001"
backends:
  order: [native]
  native:
    base_url: "http://localhost:7788"
sessions:
  history_capacity: 10
loop_detect:
  burst_window: "45s"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Name != "test-broker" {
		t.Errorf("expected overridden name, got %q", cfg.Server.Name)
	}
	if len(cfg.Backends.Order) != 1 || cfg.Backends.Order[0] != BackendNative {
		t.Errorf("expected order [native], got %v", cfg.Backends.Order)
	}
	if cfg.Sessions.HistoryCapacity != 10 {
		t.Errorf("expected capacity 10, got %d", cfg.Sessions.HistoryCapacity)
	}
	// Untouched defaults survive the overlay.
	if cfg.Planner.Model != "gpt-4o" {
		t.Errorf("expected default planner model, got %q", cfg.Planner.Model)
	}
	if got := cfg.Loop.BurstWindowDuration(); got != 45*time.Second {
		t.Errorf("expected 45s burst window, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty name", func(c *Config) { c.Server.Name = "" }, false},
		{"no backends", func(c *Config) { c.Backends.Order = nil }, false},
		{"unknown backend", func(c *Config) { c.Backends.Order = []string{"webdriver"} }, false},
		{"capacity too small", func(c *Config) { c.Sessions.HistoryCapacity = 5 }, false},
		{"capacity too large", func(c *Config) { c.Sessions.HistoryCapacity = 100 }, false},
		{"capacity upper bound", func(c *Config) { c.Sessions.HistoryCapacity = 50 }, true},
		{"repeat threshold too low", func(c *Config) { c.Loop.RepeatThreshold = 1 }, false},
		{"inverted cycle bounds", func(c *Config) { c.Loop.MinCycle = 4; c.Loop.MaxCycle = 2 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.Backends.AttemptTimeoutDuration(); got != 20*time.Second {
		t.Errorf("attempt timeout = %v", got)
	}
	if got := cfg.Backends.ExecuteTimeoutDuration(); got != 60*time.Second {
		t.Errorf("execute timeout = %v", got)
	}
	if got := cfg.Sessions.MaxIdleDuration(); got != time.Hour {
		t.Errorf("max idle = %v", got)
	}
	if got := cfg.Sessions.SweepIntervalDuration(); got != 10*time.Minute {
		t.Errorf("sweep interval = %v", got)
	}

	// Invalid strings fall back to defaults.
	cfg.Backends.AttemptTimeout = "bogus"
	if got := cfg.Backends.AttemptTimeoutDuration(); got != 20*time.Second {
		t.Errorf("fallback attempt timeout = %v", got)
	}
	cfg.Sessions.MaxIdle = ""
	if got := cfg.Sessions.MaxIdleDuration(); got != time.Hour {
		t.Errorf("fallback max idle = %v", got)
	}
}

func TestHeadlessDefaults(t *testing.T) {
	var emb EmbeddedConfig
	if !emb.IsHeadless() {
		t.Error("embedded backend should default to headless")
	}
	off := false
	emb.Headless = &off
	if emb.IsHeadless() {
		t.Error("explicit headless=false should be honored")
	}

	var rem RemoteConfig
	if !rem.IsHeadless() {
		t.Error("remote backend should default to headless")
	}
}

func TestViewportDefaults(t *testing.T) {
	tests := []struct {
		name           string
		width, height  int
		wantW, wantH   int
	}{
		{"zero uses defaults", 0, 0, 1366, 768},
		{"negative uses defaults", -1, -1, 1366, 768},
		{"explicit preserved", 1920, 1080, 1920, 1080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EmbeddedConfig{ViewportWidth: tt.width, ViewportHeight: tt.height}
			if got := e.GetViewportWidth(); got != tt.wantW {
				t.Errorf("width = %d, want %d", got, tt.wantW)
			}
			if got := e.GetViewportHeight(); got != tt.wantH {
				t.Errorf("height = %d, want %d", got, tt.wantH)
			}
		})
	}
}
