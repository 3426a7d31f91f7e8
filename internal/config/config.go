package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for the harness, the browser it launches and the
// test server it serves.
type Config struct {
	// CDP connection settings
	CDPAddress string `yaml:"cdp_address"`
	CDPPort    int    `yaml:"cdp_port"`

	// Browser launch
	BrowserPath string `yaml:"browser_path"`
	Headless    bool   `yaml:"headless"`
	WindowSize  string `yaml:"window_size"`
	ProfileDir  string `yaml:"profile_dir"`

	// Test server
	ServerAddr       string   `yaml:"server_addr"`
	PortCandidates   []string `yaml:"server_port_candidates"`
	PortAutoFallback bool     `yaml:"server_port_auto_fallback"`
	StaticDir        string   `yaml:"static_dir"`

	// Navigation
	NavTimeoutMS int `yaml:"nav_timeout_ms"`

	// Logging and journal
	LogLevel            string `yaml:"log_level"`
	LogFile             string `yaml:"log_file"`
	JournalDir          string `yaml:"journal_dir"`
	JournalMaxMB        int    `yaml:"journal_max_mb"`
	JournalBufferSize   int    `yaml:"journal_buffer_size"`
	JournalMaxBodyBytes int    `yaml:"journal_max_body_bytes"`

	// Run outputs
	ArtifactDir string `yaml:"artifact_dir"`
	NotifyURL   string `yaml:"notify_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CDPAddress:        "127.0.0.1",
		CDPPort:           9222,
		Headless:          true,
		WindowSize:        "640,320",
		ServerAddr:        "127.0.0.1:5000",
		PortCandidates:    []string{"127.0.0.1:5001", "127.0.0.1:5002", "127.0.0.1:5003"},
		PortAutoFallback:  true,
		NavTimeoutMS:      10000,
		LogLevel:          "info",
		LogFile:           "logs/swharness.log",
		JournalMaxMB:      50,
		JournalBufferSize: 1000,

		JournalMaxBodyBytes: 4096,
	}
}

// Load reads configuration from an optional YAML file (HARNESS_CONFIG_FILE),
// then environment variables and an optional .env file. Environment wins.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Default()
	if path := os.Getenv("HARNESS_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.CDPAddress = getEnvOrDefault("CHROMIUM_CDP_ADDRESS", cfg.CDPAddress)
	cfg.CDPPort = getEnvIntOrDefault("CHROMIUM_CDP_PORT", cfg.CDPPort)
	cfg.BrowserPath = getEnvOrDefault("HARNESS_BROWSER_PATH", cfg.BrowserPath)
	cfg.Headless = getEnvBoolOrDefault("HARNESS_HEADLESS", cfg.Headless)
	cfg.WindowSize = getEnvOrDefault("HARNESS_WINDOW_SIZE", cfg.WindowSize)
	cfg.ProfileDir = getEnvOrDefault("HARNESS_PROFILE_DIR", cfg.ProfileDir)
	cfg.ServerAddr = getEnvOrDefault("HARNESS_SERVER_ADDR", cfg.ServerAddr)
	cfg.PortCandidates = getEnvListOrDefault("HARNESS_SERVER_PORT_CANDIDATES", cfg.PortCandidates)
	cfg.PortAutoFallback = getEnvBoolOrDefault("HARNESS_SERVER_PORT_AUTO_FALLBACK", cfg.PortAutoFallback)
	cfg.StaticDir = getEnvOrDefault("HARNESS_STATIC_DIR", cfg.StaticDir)
	cfg.NavTimeoutMS = getEnvIntOrDefault("HARNESS_NAV_TIMEOUT_MS", cfg.NavTimeoutMS)
	cfg.LogLevel = strings.ToLower(getEnvOrDefault("HARNESS_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getEnvOrDefault("HARNESS_LOG_FILE", cfg.LogFile)
	cfg.JournalDir = getEnvOrDefault("HARNESS_JOURNAL_DIR", cfg.JournalDir)
	cfg.JournalMaxMB = getEnvIntOrDefault("HARNESS_JOURNAL_MAX_MB", cfg.JournalMaxMB)
	cfg.JournalBufferSize = getEnvIntOrDefault("HARNESS_JOURNAL_BUFFER_SIZE", cfg.JournalBufferSize)
	cfg.JournalMaxBodyBytes = getEnvIntOrDefault("HARNESS_JOURNAL_MAX_BODY_BYTES", cfg.JournalMaxBodyBytes)
	cfg.ArtifactDir = getEnvOrDefault("HARNESS_ARTIFACT_DIR", cfg.ArtifactDir)
	cfg.NotifyURL = getEnvOrDefault("HARNESS_NOTIFY_URL", cfg.NotifyURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("harness config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("harness config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("harness config: cdp port %d out of range", c.CDPPort)
	}
	if c.ServerAddr == "" && len(c.PortCandidates) == 0 {
		return fmt.Errorf("harness config: server_addr or server_port_candidates is required")
	}
	if c.NavTimeoutMS < 100 {
		c.NavTimeoutMS = 100
	}
	if c.JournalMaxMB < 1 {
		c.JournalMaxMB = 1
	}
	if c.JournalBufferSize < 1 {
		c.JournalBufferSize = 1
	}
	if c.JournalMaxBodyBytes < 0 {
		c.JournalMaxBodyBytes = 0
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint used by the remote allocator and the
// DevTools tab client.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// NavTimeout returns the per-navigation join window.
func (c *Config) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
