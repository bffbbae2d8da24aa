package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvEmail, EnvPassword, EnvChatURL, EnvHeadless} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "chatwatch" {
		t.Errorf("expected server name 'chatwatch', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Server.LogLevel)
	}

	if cfg.Browser.Profile != "desktop" {
		t.Errorf("expected desktop profile, got %q", cfg.Browser.Profile)
	}
	if cfg.Browser.DefaultNavigationTimeout != "30s" {
		t.Errorf("expected navigation timeout '30s', got %q", cfg.Browser.DefaultNavigationTimeout)
	}

	if cfg.Chat.SendButtonSelector != "button#send-message-button" {
		t.Errorf("unexpected send button selector %q", cfg.Chat.SendButtonSelector)
	}
	if !cfg.Chat.ExpandMore {
		t.Error("expected ExpandMore to be true")
	}

	if cfg.Detector.GetStableWindow() != 3*time.Second {
		t.Errorf("expected 3s stable window, got %v", cfg.Detector.GetStableWindow())
	}
	if cfg.Detector.MinAcceptableLength != 0 {
		t.Errorf("expected no minimum length, got %d", cfg.Detector.MinAcceptableLength)
	}

	if cfg.Validation.Model != "text-embedding-3-small" {
		t.Errorf("unexpected embedding model %q", cfg.Validation.Model)
	}
	if cfg.Validation.ThresholdEN != 0.33 || cfg.Validation.ThresholdAR != 0.33 {
		t.Errorf("unexpected thresholds %v/%v", cfg.Validation.ThresholdEN, cfg.Validation.ThresholdAR)
	}

	if cfg.Report.Dir != "reports" || cfg.Artifacts.Dir != "screenshots" {
		t.Errorf("unexpected output dirs %q/%q", cfg.Report.Dir, cfg.Artifacts.Dir)
	}

	if !cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be true")
	}
	if cfg.Mangle.FactBufferLimit != 4096 {
		t.Errorf("expected fact buffer limit 4096, got %d", cfg.Mangle.FactBufferLimit)
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
	clearEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-run"
  log_file: "test.log"

browser:
  debugger_url: "ws://localhost:9222"
  headless: false
  profile: mobile

chat:
  url: "https://chat.example.com/"
  message_selectors:
    - ".bot-bubble"
    - ".assistant"

detector:
  timeout: "40s"
  stable_window: "2500ms"
  min_acceptable_length: 20
  interim_phrases: ["hang tight"]

validation:
  enabled: true
  threshold_ar: 0.4

mangle:
  fact_buffer_limit: 500
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-run" {
		t.Errorf("expected server name 'test-run', got %q", cfg.Server.Name)
	}
	if cfg.Browser.IsHeadless() {
		t.Error("expected headless false")
	}
	if cfg.Browser.Profile != "mobile" {
		t.Errorf("expected mobile profile, got %q", cfg.Browser.Profile)
	}
	if cfg.Chat.URL != "https://chat.example.com/" {
		t.Errorf("unexpected chat url %q", cfg.Chat.URL)
	}
	if len(cfg.Chat.MessageSelectors) != 2 {
		t.Errorf("expected 2 message selectors, got %d", len(cfg.Chat.MessageSelectors))
	}
	// untouched defaults survive the overlay
	if cfg.Chat.InputSelector != DefaultConfig().Chat.InputSelector {
		t.Errorf("expected default input selector, got %q", cfg.Chat.InputSelector)
	}
	if cfg.Detector.GetTimeout() != 40*time.Second {
		t.Errorf("expected 40s timeout, got %v", cfg.Detector.GetTimeout())
	}
	if cfg.Detector.GetStableWindow() != 2500*time.Millisecond {
		t.Errorf("expected 2.5s stable window, got %v", cfg.Detector.GetStableWindow())
	}
	if cfg.Detector.MinAcceptableLength != 20 {
		t.Errorf("expected min length 20, got %d", cfg.Detector.MinAcceptableLength)
	}
	if cfg.Validation.Threshold("ar") != 0.4 || cfg.Validation.Threshold("en") != 0.33 {
		t.Errorf("unexpected thresholds ar=%v en=%v", cfg.Validation.Threshold("ar"), cfg.Validation.Threshold("en"))
	}
	if cfg.Mangle.FactBufferLimit != 500 {
		t.Errorf("expected fact buffer limit 500, got %d", cfg.Mangle.FactBufferLimit)
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

func TestLoadAppliesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvEmail, "qa@example.com")
	t.Setenv(EnvPassword, "secret")
	t.Setenv(EnvChatURL, "https://env.example.com/")
	t.Setenv(EnvHeadless, "false")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("login:\n  enabled: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Login.Email != "qa@example.com" || cfg.Login.Password != "secret" {
		t.Errorf("credentials not taken from environment: %+v", cfg.Login)
	}
	if cfg.Chat.URL != "https://env.example.com/" {
		t.Errorf("expected chat url from environment, got %q", cfg.Chat.URL)
	}
	if cfg.Browser.IsHeadless() {
		t.Error("expected HEADLESS=false to disable headless mode")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config { return DefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty server name", func(c *Config) { c.Server.Name = "" }, "server.name is required"},
		{"bad profile", func(c *Config) { c.Browser.Profile = "tablet" }, "browser.profile must be desktop or mobile"},
		{"login without credentials", func(c *Config) { c.Login.Enabled = true }, "login.email and login.password are required"},
		{"login with credentials", func(c *Config) {
			c.Login.Enabled = true
			c.Login.Email = "a@b.c"
			c.Login.Password = "pw"
		}, ""},
		{"threshold out of range", func(c *Config) { c.Validation.ThresholdEN = 1.5 }, "validation.threshold_en must be within [0, 1]"},
		{"negative min length", func(c *Config) { c.Detector.MinAcceptableLength = -1 }, "detector.min_acceptable_length must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error but got nil")
			}
			if !strings.HasPrefix(err.Error(), tt.wantErr) {
				t.Errorf("expected error starting with %q, got %q", tt.wantErr, err.Error())
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
		{"empty string", "", 30 * time.Second},
		{"valid duration", "20s", 20 * time.Second},
		{"invalid duration", "invalid", 30 * time.Second},
		{"milliseconds", "500ms", 500 * time.Millisecond},
		{"minutes", "2m", 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BrowserConfig{DefaultNavigationTimeout: tt.timeout}
			result := cfg.NavigationTimeout()
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestDetectorDurations(t *testing.T) {
	empty := DetectorConfig{}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"timeout", empty.GetTimeout(), 60 * time.Second},
		{"poll", empty.GetPollInterval(), 250 * time.Millisecond},
		{"stable", empty.GetStableWindow(), 3 * time.Second},
		{"busy clear", empty.GetBusyClearWait(), 3 * time.Second},
		{"extra wait", empty.GetExtraWaitAfterShort(), 8 * time.Second},
		{"max extra", empty.GetMaxExtraWait(), 15 * time.Second},
		{"stream cap", empty.GetMaxStreamDuration(), 90 * time.Second},
		{"invalid falls back", DetectorConfig{PollInterval: "soon"}.GetPollInterval(), 250 * time.Millisecond},
		{"explicit", DetectorConfig{MaxExtraWait: "2s"}.GetMaxExtraWait(), 2 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
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

func TestIsTrackingNetwork(t *testing.T) {
	if !(BrowserConfig{}).IsTrackingNetwork() {
		t.Error("expected network tracking on by default")
	}
	off := false
	if (BrowserConfig{TrackNetwork: &off}).IsTrackingNetwork() {
		t.Error("expected network tracking off")
	}
}

func TestGetViewport(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantW, wantH  int
	}{
		{"zero defaults", 0, 0, 1920, 1080},
		{"negative defaults", -100, -50, 1920, 1080},
		{"custom", 1280, 720, 1280, 720},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BrowserConfig{ViewportWidth: tt.width, ViewportHeight: tt.height}
			if got := cfg.GetViewportWidth(); got != tt.wantW {
				t.Errorf("expected width %d, got %d", tt.wantW, got)
			}
			if got := cfg.GetViewportHeight(); got != tt.wantH {
				t.Errorf("expected height %d, got %d", tt.wantH, got)
			}
		})
	}
}

func TestValidationAPIKey(t *testing.T) {
	t.Setenv("CHATWATCH_TEST_KEY", "sk-test")
	v := ValidationConfig{APIKeyEnv: "CHATWATCH_TEST_KEY"}
	if v.APIKey() != "sk-test" {
		t.Errorf("expected key from environment, got %q", v.APIKey())
	}
	if (ValidationConfig{}).APIKey() != "" {
		t.Error("expected empty key without env name")
	}
}
