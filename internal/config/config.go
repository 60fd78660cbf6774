// Package config loads and validates the broker's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in backends.order.
const (
	BackendEmbedded = "embedded"
	BackendRemote   = "remote"
	BackendNative   = "native"
)

// Config captures all tunable settings for the operator broker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backends BackendsConfig `yaml:"backends"`
	Sessions SessionsConfig `yaml:"sessions"`
	Loop     LoopConfig     `yaml:"loop_detect"`
	Planner  PlannerConfig  `yaml:"planner"`
	MCP      MCPConfig      `yaml:"mcp"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	HTTPAddr string `yaml:"http_addr"`
}

// BackendsConfig controls the fallback chain and its candidates.
type BackendsConfig struct {
	// Order lists candidate backends by priority. Valid entries:
	// embedded, remote, native.
	Order []string `yaml:"order"`
	// Per-candidate resolution attempt timeout (e.g. "20s").
	AttemptTimeout string `yaml:"attempt_timeout"`
	// Timeout applied to each execute call.
	ExecuteTimeout string `yaml:"execute_timeout"`

	Embedded EmbeddedConfig `yaml:"embedded"`
	Remote   RemoteConfig   `yaml:"remote"`
	Native   NativeConfig   `yaml:"native"`
}

// EmbeddedConfig configures the Rod-driven local Chrome backend.
type EmbeddedConfig struct {
	// Control endpoint for an already-running Chrome (e.g. ws://localhost:9222).
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (binary plus flags) to start Chrome detached.
	Launch   []string `yaml:"launch"`
	Headless *bool    `yaml:"headless"`
	// Navigation timeout for NAVIGATE actions (e.g. "15s").
	NavigationTimeout string `yaml:"navigation_timeout"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
}

// RemoteConfig configures the Playwright remote-protocol backend.
type RemoteConfig struct {
	Headless *bool `yaml:"headless"`
	// Install runs the Playwright driver install on first use.
	Install bool `yaml:"install"`
	// Action timeout in milliseconds passed to the driver.
	ActionTimeoutMs float64 `yaml:"action_timeout_ms"`
}

// NativeConfig configures the HTTP passthrough to an external
// automation web UI.
type NativeConfig struct {
	// Explicit base URL; when empty the port is discovered from the
	// environment or port files.
	BaseURL string `yaml:"base_url"`
	// Service name used for port discovery (WEBUI_PORT, .webui-port).
	Service     string `yaml:"service"`
	DefaultPort int    `yaml:"default_port"`
	// Per-request timeout (e.g. "30s").
	RequestTimeout string `yaml:"request_timeout"`
}

// SessionsConfig controls the session store.
type SessionsConfig struct {
	// HistoryCapacity bounds the per-session task history (FIFO evicted).
	HistoryCapacity int `yaml:"history_capacity"`
	// MaxIdle is the age after which the sweep reclaims a session.
	MaxIdle string `yaml:"max_idle"`
	// SweepInterval is how often the idle sweep runs.
	SweepInterval string `yaml:"sweep_interval"`
	// Optional path to persist session metadata between restarts.
	StorePath string `yaml:"store_path"`
}

// LoopConfig tunes stuck-session detection.
type LoopConfig struct {
	// RepeatThreshold is how many identical consecutive actions count
	// as stuck.
	RepeatThreshold int `yaml:"repeat_threshold"`
	MinCycle        int `yaml:"min_cycle"`
	MaxCycle        int `yaml:"max_cycle"`
	// BurstThreshold tasks within BurstWindow also count as stuck.
	BurstThreshold int    `yaml:"burst_threshold"`
	BurstWindow    string `yaml:"burst_window"`
}

// PlannerConfig configures the external next-action planner.
type PlannerConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
}

type MCPConfig struct {
	// Stdio serves the broker tools over MCP stdio.
	Stdio bool `yaml:"stdio"`
	// When set, starts an MCP SSE server on this port.
	SSEPort int `yaml:"sse_port"`
}

// RecorderConfig controls the action trace recorder.
type RecorderConfig struct {
	// TraceDir enables rotating JSONL traces of dispatched actions.
	TraceDir string `yaml:"trace_dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "operator-broker",
			Version:  "0.1.0",
			LogFile:  "operator-broker.log",
			HTTPAddr: ":8719",
		},
		Backends: BackendsConfig{
			Order:          []string{BackendEmbedded, BackendRemote, BackendNative},
			AttemptTimeout: "20s",
			ExecuteTimeout: "60s",
			Embedded: EmbeddedConfig{
				NavigationTimeout: "15s",
				ViewportWidth:     1366,
				ViewportHeight:    768,
			},
			Remote: RemoteConfig{
				Install:         false,
				ActionTimeoutMs: 15000,
			},
			Native: NativeConfig{
				Service:        "webui",
				DefaultPort:    7788,
				RequestTimeout: "30s",
			},
		},
		Sessions: SessionsConfig{
			HistoryCapacity: 20,
			MaxIdle:         "1h",
			SweepInterval:   "10m",
			StorePath:       "sessions.json",
		},
		Loop: LoopConfig{
			RepeatThreshold: 3,
			MinCycle:        2,
			MaxCycle:        5,
			BurstThreshold:  5,
			BurstWindow:     "30s",
		},
		Planner: PlannerConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			Temperature: 0.7,
		},
		MCP: MCPConfig{},
	}
}

// Load reads YAML config from disk and overlays defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate ensures required fields exist so the broker can start
// deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if len(c.Backends.Order) == 0 {
		return errors.New("backends.order must list at least one backend")
	}
	for _, name := range c.Backends.Order {
		switch name {
		case BackendEmbedded, BackendRemote, BackendNative:
		default:
			return fmt.Errorf("backends.order contains unknown backend %q", name)
		}
	}
	if c.Sessions.HistoryCapacity < 10 || c.Sessions.HistoryCapacity > 50 {
		return fmt.Errorf("sessions.history_capacity must be between 10 and 50, got %d", c.Sessions.HistoryCapacity)
	}
	if c.Loop.RepeatThreshold < 2 {
		return fmt.Errorf("loop_detect.repeat_threshold must be at least 2, got %d", c.Loop.RepeatThreshold)
	}
	if c.Loop.MinCycle < 2 || c.Loop.MaxCycle < c.Loop.MinCycle {
		return errors.New("loop_detect cycle bounds must satisfy 2 <= min_cycle <= max_cycle")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// AttemptTimeoutDuration returns the parsed per-candidate resolution
// timeout with a sane default.
func (b BackendsConfig) AttemptTimeoutDuration() time.Duration {
	return parseDuration(b.AttemptTimeout, 20*time.Second)
}

// ExecuteTimeoutDuration returns the parsed execute timeout.
func (b BackendsConfig) ExecuteTimeoutDuration() time.Duration {
	return parseDuration(b.ExecuteTimeout, 60*time.Second)
}

// NavigationTimeoutDuration returns the parsed navigation timeout.
func (e EmbeddedConfig) NavigationTimeoutDuration() time.Duration {
	return parseDuration(e.NavigationTimeout, 15*time.Second)
}

// IsHeadless reports whether local Chrome runs headless (default true).
func (e EmbeddedConfig) IsHeadless() bool {
	if e.Headless == nil {
		return true
	}
	return *e.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (e EmbeddedConfig) GetViewportWidth() int {
	if e.ViewportWidth <= 0 {
		return 1366
	}
	return e.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (e EmbeddedConfig) GetViewportHeight() int {
	if e.ViewportHeight <= 0 {
		return 768
	}
	return e.ViewportHeight
}

// IsHeadless reports whether the Playwright browser runs headless
// (default true).
func (r RemoteConfig) IsHeadless() bool {
	if r.Headless == nil {
		return true
	}
	return *r.Headless
}

// RequestTimeoutDuration returns the parsed passthrough request timeout.
func (n NativeConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(n.RequestTimeout, 30*time.Second)
}

// MaxIdleDuration returns the parsed idle-session max age.
func (s SessionsConfig) MaxIdleDuration() time.Duration {
	return parseDuration(s.MaxIdle, time.Hour)
}

// SweepIntervalDuration returns the parsed sweep interval.
func (s SessionsConfig) SweepIntervalDuration() time.Duration {
	return parseDuration(s.SweepInterval, 10*time.Minute)
}

// BurstWindowDuration returns the parsed burst window.
func (l LoopConfig) BurstWindowDuration() time.Duration {
	return parseDuration(l.BurstWindow, 30*time.Second)
}
