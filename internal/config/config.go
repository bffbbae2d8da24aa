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
	// WorkspaceDirName is the directory name for project-level chatwatch config.
	WorkspaceDirName = ".chatwatch"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Environment variables consulted when the corresponding config value is empty.
const (
	EnvEmail    = "CHATWATCH_EMAIL"
	EnvPassword = "CHATWATCH_PASSWORD"
	EnvChatURL  = "CHATWATCH_URL"
	EnvHeadless = "HEADLESS"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for chatwatch.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	Chat       ChatConfig       `yaml:"chat"`
	Login      LoginConfig      `yaml:"login"`
	Detector   DetectorConfig   `yaml:"detector"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Validation ValidationConfig `yaml:"validation"`
	Report     ReportConfig     `yaml:"report"`
	MCP        MCPConfig        `yaml:"mcp"`
	Mangle     MangleConfig     `yaml:"mangle"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// LogFile receives JSON log lines in addition to stderr. Empty disables it.
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222).
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	// When both this and debugger_url are empty, Rod's default browser is launched.
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the MCP server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "30s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Profile selects device emulation: desktop | mobile.
	Profile string `yaml:"profile"`
	// Viewport overrides for the desktop profile.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
	// UserAgent overrides the profile's user agent.
	UserAgent string `yaml:"user_agent"`
	// TrackNetwork counts outgoing requests per session (default: true).
	TrackNetwork *bool `yaml:"track_network"`
	// EventThrottleMs rate-limits net_request facts (the counter is never throttled).
	EventThrottleMs int `yaml:"event_throttle_ms"`
}

// ChatConfig locates the chat surface on the page.
type ChatConfig struct {
	URL                string   `yaml:"url"`
	InputSelector      string   `yaml:"input_selector"`
	SendButtonSelector string   `yaml:"send_button_selector"`
	BusySelector       string   `yaml:"busy_selector"`
	ContainerSelector  string   `yaml:"container_selector"`
	MessageSelectors   []string `yaml:"message_selectors"`
	// ReadyTimeout bounds the wait for the input to become visible.
	ReadyTimeout string `yaml:"ready_timeout"`
	// ExpandMore clicks "Read more" style buttons inside the newest answer.
	ExpandMore bool `yaml:"expand_more"`
}

// LoginConfig drives the optional email/password login flow.
type LoginConfig struct {
	Enabled bool `yaml:"enabled"`
	// EmailButtonText is the label of an optional button revealing the email form.
	EmailButtonText  string `yaml:"email_button_text"`
	EmailSelector    string `yaml:"email_selector"`
	PasswordSelector string `yaml:"password_selector"`
	SubmitText       string `yaml:"submit_text"`
	Email            string `yaml:"email"`
	Password         string `yaml:"password"`
	// AuthenticatedURL marks the login as done when the page URL contains it.
	AuthenticatedURL string `yaml:"authenticated_url"`
	Timeout          string `yaml:"timeout"`
}

// DetectorConfig holds the completion detector defaults. Durations are Go
// duration strings.
type DetectorConfig struct {
	Timeout             string   `yaml:"timeout"`
	PollInterval        string   `yaml:"poll_interval"`
	StableWindow        string   `yaml:"stable_window"`
	BusyClearWait       string   `yaml:"busy_clear_wait"`
	MinAcceptableLength int      `yaml:"min_acceptable_length"`
	ExtraWaitAfterShort string   `yaml:"extra_wait_after_short"`
	MaxExtraWait        string   `yaml:"max_extra_wait"`
	MaxStreamDuration   string   `yaml:"max_stream_duration"`
	InterimPhrases      []string `yaml:"interim_phrases"`
}

// ArtifactsConfig controls debug screenshots and HTML dumps.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
	// OnShortAnswer captures artifacts when an answer ends below the minimum length.
	OnShortAnswer bool `yaml:"on_short_answer"`
	// OnFailure captures artifacts for failed suite cases.
	OnFailure bool `yaml:"on_failure"`
}

// ValidationConfig configures semantic similarity scoring.
type ValidationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv   string  `yaml:"api_key_env"`
	BaseURL     string  `yaml:"base_url"`
	ThresholdEN float64 `yaml:"threshold_en"`
	ThresholdAR float64 `yaml:"threshold_ar"`
	Timeout     string  `yaml:"timeout"`
}

// ReportConfig controls the per-run JSONL log.
type ReportConfig struct {
	Dir string `yaml:"dir"`
	// MaxRuns is how many run logs are kept.
	MaxRuns int `yaml:"max_runs"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
	// MetricsPath serves Prometheus metrics next to the SSE endpoints.
	MetricsPath string `yaml:"metrics_path"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "chatwatch",
			Version:  "0.3.0",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "30s",
			Profile:                  "desktop",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Chat: ChatConfig{
			InputSelector:      "p.is-empty.is-editor-empty",
			SendButtonSelector: "button#send-message-button",
			BusySelector:       "[data-testid='loading'], .typing, .spinner, .loader",
			ContainerSelector:  "[data-testid='conversation'], .messages, .chat-history, [role='log']",
			ReadyTimeout:       "30s",
			ExpandMore:         true,
		},
		Login: LoginConfig{
			EmailButtonText:  "Log in with email",
			EmailSelector:    "input[name='email']",
			PasswordSelector: "input[name='current-password']",
			SubmitText:       "Log in",
			Timeout:          "30s",
		},
		Detector: DetectorConfig{
			Timeout:             "60s",
			PollInterval:        "250ms",
			StableWindow:        "3s",
			BusyClearWait:       "3s",
			ExtraWaitAfterShort: "8s",
			MaxExtraWait:        "15s",
			MaxStreamDuration:   "90s",
		},
		Artifacts: ArtifactsConfig{
			Dir:           "screenshots",
			OnShortAnswer: true,
			OnFailure:     true,
		},
		Validation: ValidationConfig{
			Model:       "text-embedding-3-small",
			APIKeyEnv:   "OPENAI_API_KEY",
			ThresholdEN: 0.33,
			ThresholdAR: 0.33,
			Timeout:     "20s",
		},
		Report: ReportConfig{
			Dir:     "reports",
			MaxRuns: 10,
		},
		MCP: MCPConfig{
			MetricsPath: "/metrics",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
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

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .chatwatch/config.yaml file.
// Returns the workspace root directory (parent of .chatwatch/) or empty string if not found.
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
//	DefaultConfig() <- .chatwatch/config.yaml <- explicit --config <- environment <- CLI flags
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
			cfg = resolveWorkspacePaths(cfg, wsDir)
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

	cfg.applyEnv()
	return cfg, wsDir, cfg.Validate()
}

// applyEnv fills credentials and the chat URL from the environment when the
// file left them empty.
func (c *Config) applyEnv() {
	if c.Chat.URL == "" {
		c.Chat.URL = os.Getenv(EnvChatURL)
	}
	if c.Login.Email == "" {
		c.Login.Email = os.Getenv(EnvEmail)
	}
	if c.Login.Password == "" {
		c.Login.Password = os.Getenv(EnvPassword)
	}
	if c.Browser.Headless == nil {
		switch os.Getenv(EnvHeadless) {
		case "0", "false", "no":
			v := false
			c.Browser.Headless = &v
		case "1", "true", "yes":
			v := true
			c.Browser.Headless = &v
		}
	}
}

// InitWorkspace creates a .chatwatch/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "suites"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# chatwatch project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.
# Credentials are read from CHATWATCH_EMAIL / CHATWATCH_PASSWORD when left empty.

# chat:
#   url: "https://chat.example.com/"
#   message_selectors:
#     - "div[data-testid='assistant-message']"

# login:
#   enabled: true

# detector:
#   timeout: "40s"
#   min_acceptable_length: 20

# validation:
#   enabled: true
#   threshold_en: 0.33
#   threshold_ar: 0.33

# browser:
#   headless: false
#   profile: mobile
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	suiteTemplate := `cases:
  - name: greeting
    prompt_en: "Hello, who are you?"
    expected_en: "I am a virtual assistant here to help you."
  - name: script-echo
    prompt_en: "<script>alert('x')</script>"
    must_not_contain: ["<script>"]
`
	if err := os.WriteFile(filepath.Join(wsDir, "suites", "smoke.yaml"), []byte(suiteTemplate), 0644); err != nil {
		return fmt.Errorf("writing suite template: %w", err)
	}

	gitignoreContent := "# Runtime data (reports, screenshots) - do not version control\ndata/\n"
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
	cfg.Artifacts.Dir = resolve(cfg.Artifacts.Dir)
	cfg.Report.Dir = resolve(cfg.Report.Dir)
	return cfg
}

// Validate ensures required fields exist so runs start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Browser.Profile {
	case "", "desktop", "mobile":
	default:
		return fmt.Errorf("browser.profile must be desktop or mobile, got %q", c.Browser.Profile)
	}
	if c.Login.Enabled && (c.Login.Email == "" || c.Login.Password == "") {
		return fmt.Errorf("login.email and login.password are required when login is enabled (or set %s / %s)", EnvEmail, EnvPassword)
	}
	for name, v := range map[string]float64{"threshold_en": c.Validation.ThresholdEN, "threshold_ar": c.Validation.ThresholdAR} {
		if v < 0 || v > 1 {
			return fmt.Errorf("validation.%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.Detector.MinAcceptableLength < 0 {
		return errors.New("detector.min_acceptable_length must not be negative")
	}
	return nil
}

// parseDuration returns the parsed duration or fallback when empty or invalid.
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

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// IsTrackingNetwork reports whether request counting is on (default: true).
func (b BrowserConfig) IsTrackingNetwork() bool {
	if b.TrackNetwork == nil {
		return true
	}
	return *b.TrackNetwork
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

// GetReadyTimeout returns how long to wait for the chat input.
func (c ChatConfig) GetReadyTimeout() time.Duration {
	return parseDuration(c.ReadyTimeout, 30*time.Second)
}

// GetTimeout returns the login timeout.
func (l LoginConfig) GetTimeout() time.Duration {
	return parseDuration(l.Timeout, 30*time.Second)
}

func (d DetectorConfig) GetTimeout() time.Duration {
	return parseDuration(d.Timeout, 60*time.Second)
}

func (d DetectorConfig) GetPollInterval() time.Duration {
	return parseDuration(d.PollInterval, 250*time.Millisecond)
}

func (d DetectorConfig) GetStableWindow() time.Duration {
	return parseDuration(d.StableWindow, 3*time.Second)
}

func (d DetectorConfig) GetBusyClearWait() time.Duration {
	return parseDuration(d.BusyClearWait, 3*time.Second)
}

func (d DetectorConfig) GetExtraWaitAfterShort() time.Duration {
	return parseDuration(d.ExtraWaitAfterShort, 8*time.Second)
}

func (d DetectorConfig) GetMaxExtraWait() time.Duration {
	return parseDuration(d.MaxExtraWait, 15*time.Second)
}

func (d DetectorConfig) GetMaxStreamDuration() time.Duration {
	return parseDuration(d.MaxStreamDuration, 90*time.Second)
}

// GetTimeout returns the embedding request timeout.
func (v ValidationConfig) GetTimeout() time.Duration {
	return parseDuration(v.Timeout, 20*time.Second)
}

// Threshold returns the similarity threshold for a language code.
func (v ValidationConfig) Threshold(lang string) float64 {
	if lang == "ar" {
		return v.ThresholdAR
	}
	return v.ThresholdEN
}

// APIKey resolves the embedding API key from the environment.
func (v ValidationConfig) APIKey() string {
	if v.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(v.APIKeyEnv)
}
