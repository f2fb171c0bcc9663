package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level QAPilot config.
	WorkspaceDirName = ".qapilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// ErrNoBrowserTarget is returned by Validate when auto_start is on but there
// is nothing to attach to or launch.
var ErrNoBrowserTarget = errors.New("browser.debugger_url or browser.launch must be provided")

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the QAPilot server.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Browser      BrowserConfig      `yaml:"browser"`
	MCP          MCPConfig          `yaml:"mcp"`
	Mangle       MangleConfig       `yaml:"mangle"`
	Session      SessionConfig      `yaml:"session"`
	AI           AIConfig           `yaml:"ai"`
	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	UI           UIConfig           `yaml:"ui"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional Chrome binary to launch (e.g., ["chrome"]). The first element is the binary.
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	ViewportWidth        int    `yaml:"viewport_width"`
	ViewportHeight       int    `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded fact engine used for API traffic.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// Optional extra rules file loaded after the embedded schema.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// SessionConfig tunes the session lifecycle manager.
type SessionConfig struct {
	// Records in progress longer than this are flagged stale (e.g., "5m").
	StaleAfter string `yaml:"stale_after"`
	// Bound on the liveness probe round trip (e.g., "3s").
	ProbeTimeout string `yaml:"probe_timeout"`
	// Bound on start/pause/resume forwards to the tab (e.g., "5s").
	CommandTimeout string `yaml:"command_timeout"`
	// Oldest log entries are dropped past this count.
	MaxLogEntries int `yaml:"max_log_entries"`
	// Directory for per-session JSONL traces. Empty disables tracing.
	TraceDir string `yaml:"trace_dir"`
}

// AIConfig configures the Qwen (DashScope compatible-mode) backend.
type AIConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// StoreConfig selects the durable key-value area.
type StoreConfig struct {
	// Backend is one of: file | redis | sqlite | memory.
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	SQLitePath    string `yaml:"sqlite_path"`
}

type OrchestratorConfig struct {
	// Cap on API traffic samples carried in the report.
	MaxAPISamples int `yaml:"max_api_samples"`
}

type UIConfig struct {
	// When set, serves the websocket UI feed on this port.
	FeedPort int `yaml:"feed_port"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "qapilot-mcp",
			Version: "0.3.0",
			LogFile: "qapilot-mcp.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Session: SessionConfig{
			StaleAfter:     "5m",
			ProbeTimeout:   "3s",
			CommandTimeout: "5s",
			MaxLogEntries:  500,
			TraceDir:       "traces",
		},
		AI: AIConfig{
			Endpoint:    "https://dashscope-intl.aliyuncs.com/compatible-mode/v1/chat/completions",
			Model:       "qwen-plus",
			MaxTokens:   800,
			Temperature: 0.1,
			Timeout:     "20s",
		},
		Store: StoreConfig{
			Backend:     "file",
			Path:        "state.json",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "qapilot:",
			SQLitePath:  "state.db",
		},
		Orchestrator: OrchestratorConfig{
			MaxAPISamples: 50,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .qapilot/config.yaml file.
// Returns the workspace root directory (parent of .qapilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .qapilot/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, filepath.Join(wsDir, WorkspaceDirName))
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .qapilot/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "rules"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# QAPilot project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.
# Relative paths resolve against this directory.

# browser:
#   debugger_url: "ws://127.0.0.1:9222"
#   headless: false

# session:
#   stale_after: "5m"
#   probe_timeout: "3s"
#   max_log_entries: 500
#   trace_dir: "data/traces"

# store:
#   backend: "file"        # file | redis | sqlite | memory
#   path: "data/state.json"

# ai:
#   model: "qwen-plus"
#   timeout: "20s"

# mangle:
#   schema_path: "rules/project.mg"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (state, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Session.TraceDir = resolve(cfg.Session.TraceDir)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Store.SQLitePath = resolve(cfg.Store.SQLitePath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return ErrNoBrowserTarget
		}
	}
	switch c.Store.Backend {
	case "", "file", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of file, redis, sqlite, memory", c.Store.Backend)
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("ai.temperature %.2f out of range [0, 2]", c.AI.Temperature)
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDuration(b.DefaultAttachTimeout, 10*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// StaleThreshold returns how long an in-progress record may go before it is flagged stale.
func (s SessionConfig) StaleThreshold() time.Duration {
	return parseDuration(s.StaleAfter, 5*time.Minute)
}

// LivenessTimeout returns the bound on the liveness probe.
func (s SessionConfig) LivenessTimeout() time.Duration {
	return parseDuration(s.ProbeTimeout, 3*time.Second)
}

// ForwardTimeout returns the bound on commands forwarded to a tab.
func (s SessionConfig) ForwardTimeout() time.Duration {
	return parseDuration(s.CommandTimeout, 5*time.Second)
}

// LogCap returns the maximum number of retained log entries.
func (s SessionConfig) LogCap() int {
	if s.MaxLogEntries <= 0 {
		return 500
	}
	return s.MaxLogEntries
}

// RequestTimeout returns the AI request timeout with a sane default.
func (a AIConfig) RequestTimeout() time.Duration {
	return parseDuration(a.Timeout, 20*time.Second)
}

// TokenBudget returns the max tokens per AI request.
func (a AIConfig) TokenBudget() int {
	if a.MaxTokens <= 0 {
		return 800
	}
	return a.MaxTokens
}

// SampleCap returns how many API samples the report carries.
func (o OrchestratorConfig) SampleCap() int {
	if o.MaxAPISamples <= 0 {
		return 50
	}
	return o.MaxAPISamples
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
