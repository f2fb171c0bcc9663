package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "qapilot-mcp" {
		t.Errorf("expected server name 'qapilot-mcp', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "qapilot-mcp.log" {
		t.Errorf("expected log file 'qapilot-mcp.log', got %q", cfg.Server.LogFile)
	}

	if !cfg.Browser.AutoStart {
		t.Error("expected AutoStart to be true")
	}
	if cfg.Browser.DefaultNavigationTimeout != "15s" {
		t.Errorf("expected navigation timeout '15s', got %q", cfg.Browser.DefaultNavigationTimeout)
	}

	if cfg.Session.StaleAfter != "5m" {
		t.Errorf("expected stale_after '5m', got %q", cfg.Session.StaleAfter)
	}
	if cfg.Session.ProbeTimeout != "3s" {
		t.Errorf("expected probe_timeout '3s', got %q", cfg.Session.ProbeTimeout)
	}
	if cfg.Session.MaxLogEntries != 500 {
		t.Errorf("expected max_log_entries 500, got %d", cfg.Session.MaxLogEntries)
	}

	if cfg.AI.MaxTokens != 800 {
		t.Errorf("expected max_tokens 800, got %d", cfg.AI.MaxTokens)
	}
	if cfg.AI.Temperature != 0.1 {
		t.Errorf("expected temperature 0.1, got %v", cfg.AI.Temperature)
	}
	if cfg.AI.Timeout != "20s" {
		t.Errorf("expected ai timeout '20s', got %q", cfg.AI.Timeout)
	}

	if cfg.Store.Backend != "file" {
		t.Errorf("expected store backend 'file', got %q", cfg.Store.Backend)
	}
	if cfg.Orchestrator.MaxAPISamples != 50 {
		t.Errorf("expected max_api_samples 50, got %d", cfg.Orchestrator.MaxAPISamples)
	}

	if !cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be true")
	}
	if cfg.Mangle.FactBufferLimit != 2048 {
		t.Errorf("expected fact buffer limit 2048, got %d", cfg.Mangle.FactBufferLimit)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-server"
  version: "1.0.0"

browser:
  debugger_url: "ws://localhost:9222"
  auto_start: true
  viewport_width: 1280

session:
  stale_after: "2m"
  probe_timeout: "1500ms"
  max_log_entries: 50

ai:
  model: "qwen-turbo"
  max_tokens: 400

store:
  backend: "redis"
  redis_addr: "cache:6379"
  redis_prefix: "qa:"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-server" {
		t.Errorf("expected server name 'test-server', got %q", cfg.Server.Name)
	}
	if cfg.Browser.ViewportWidth != 1280 {
		t.Errorf("expected viewport width 1280, got %d", cfg.Browser.ViewportWidth)
	}
	if cfg.Session.StaleThreshold() != 2*time.Minute {
		t.Errorf("expected stale threshold 2m, got %v", cfg.Session.StaleThreshold())
	}
	if cfg.Session.LivenessTimeout() != 1500*time.Millisecond {
		t.Errorf("expected probe timeout 1.5s, got %v", cfg.Session.LivenessTimeout())
	}
	if cfg.Session.LogCap() != 50 {
		t.Errorf("expected log cap 50, got %d", cfg.Session.LogCap())
	}
	if cfg.AI.Model != "qwen-turbo" || cfg.AI.TokenBudget() != 400 {
		t.Errorf("unexpected ai section: %+v", cfg.AI)
	}
	// Fields absent from the file keep their defaults.
	if cfg.AI.Temperature != 0.1 {
		t.Errorf("expected default temperature to survive overlay, got %v", cfg.AI.Temperature)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "cache:6379" {
		t.Errorf("unexpected store section: %+v", cfg.Store)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty server name",
			cfg:     Config{Server: ServerConfig{Name: ""}},
			wantErr: true,
			errMsg:  "server.name is required",
		},
		{
			name: "auto_start without debugger_url or launch",
			cfg: Config{
				Server:  ServerConfig{Name: "test"},
				Browser: BrowserConfig{AutoStart: true},
			},
			wantErr: true,
			errMsg:  "browser.debugger_url or browser.launch must be provided",
		},
		{
			name: "auto_start with debugger_url",
			cfg: Config{
				Server:  ServerConfig{Name: "test"},
				Browser: BrowserConfig{AutoStart: true, DebuggerURL: "ws://localhost:9222"},
			},
		},
		{
			name: "auto_start with launch",
			cfg: Config{
				Server:  ServerConfig{Name: "test"},
				Browser: BrowserConfig{AutoStart: true, Launch: []string{"chrome"}},
			},
		},
		{
			name: "unknown store backend",
			cfg: Config{
				Server: ServerConfig{Name: "test"},
				Store:  StoreConfig{Backend: "etcd"},
			},
			wantErr: true,
			errMsg:  `store.backend "etcd" is not one of file, redis, sqlite, memory`,
		},
		{
			name: "redis backend without address",
			cfg: Config{
				Server: ServerConfig{Name: "test"},
				Store:  StoreConfig{Backend: "redis"},
			},
			wantErr: true,
			errMsg:  "store.redis_addr is required for the redis backend",
		},
		{
			name: "sqlite backend without path",
			cfg: Config{
				Server: ServerConfig{Name: "test"},
				Store:  StoreConfig{Backend: "sqlite"},
			},
			wantErr: true,
			errMsg:  "store.sqlite_path is required for the sqlite backend",
		},
		{
			name: "temperature out of range",
			cfg: Config{
				Server: ServerConfig{Name: "test"},
				AI:     AIConfig{Temperature: 3},
			},
			wantErr: true,
			errMsg:  "ai.temperature 3.00 out of range [0, 2]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				} else if err.Error() != tt.errMsg {
					t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNavigationTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  string
		expected time.Duration
	}{
		{"empty string", "", 15 * time.Second},
		{"valid duration", "20s", 20 * time.Second},
		{"invalid duration", "invalid", 15 * time.Second},
		{"milliseconds", "500ms", 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BrowserConfig{DefaultNavigationTimeout: tt.timeout}
			if got := cfg.NavigationTimeout(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestSessionDurations(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SessionConfig
		stale   time.Duration
		probe   time.Duration
		forward time.Duration
		logCap  int
	}{
		{"zero value", SessionConfig{}, 5 * time.Minute, 3 * time.Second, 5 * time.Second, 500},
		{"garbage", SessionConfig{StaleAfter: "soon", ProbeTimeout: "-1s", CommandTimeout: "x"}, 5 * time.Minute, 3 * time.Second, 5 * time.Second, 500},
		{"custom", SessionConfig{StaleAfter: "90s", ProbeTimeout: "250ms", CommandTimeout: "1s", MaxLogEntries: 7}, 90 * time.Second, 250 * time.Millisecond, time.Second, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.StaleThreshold(); got != tt.stale {
				t.Errorf("stale: expected %v, got %v", tt.stale, got)
			}
			if got := tt.cfg.LivenessTimeout(); got != tt.probe {
				t.Errorf("probe: expected %v, got %v", tt.probe, got)
			}
			if got := tt.cfg.ForwardTimeout(); got != tt.forward {
				t.Errorf("forward: expected %v, got %v", tt.forward, got)
			}
			if got := tt.cfg.LogCap(); got != tt.logCap {
				t.Errorf("log cap: expected %d, got %d", tt.logCap, got)
			}
		})
	}
}

func TestAIDefaults(t *testing.T) {
	var a AIConfig
	if a.RequestTimeout() != 20*time.Second {
		t.Errorf("expected 20s default, got %v", a.RequestTimeout())
	}
	if a.TokenBudget() != 800 {
		t.Errorf("expected 800 default tokens, got %d", a.TokenBudget())
	}
	var o OrchestratorConfig
	if o.SampleCap() != 50 {
		t.Errorf("expected 50 samples, got %d", o.SampleCap())
	}
}

func TestIsHeadless(t *testing.T) {
	t.Run("nil headless defaults to true", func(t *testing.T) {
		cfg := BrowserConfig{Headless: nil}
		if !cfg.IsHeadless() {
			t.Error("expected true when Headless is nil")
		}
	})

	t.Run("explicit false", func(t *testing.T) {
		val := false
		cfg := BrowserConfig{Headless: &val}
		if cfg.IsHeadless() {
			t.Error("expected false when Headless is false")
		}
	})
}

func TestGetViewport(t *testing.T) {
	cfg := BrowserConfig{ViewportWidth: -1}
	if cfg.GetViewportWidth() != 1920 || cfg.GetViewportHeight() != 1080 {
		t.Errorf("expected 1920x1080 defaults, got %dx%d", cfg.GetViewportWidth(), cfg.GetViewportHeight())
	}
	cfg = BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720}
	if cfg.GetViewportWidth() != 1280 || cfg.GetViewportHeight() != 720 {
		t.Errorf("expected 1280x720, got %dx%d", cfg.GetViewportWidth(), cfg.GetViewportHeight())
	}
}
