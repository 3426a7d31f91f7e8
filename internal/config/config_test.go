package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HARNESS_CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := cfg.CDPURL(), "http://127.0.0.1:9222"; got != want {
		t.Fatalf("CDPURL() = %q, want %q", got, want)
	}
	if got := cfg.NavTimeout(); got != 10*time.Second {
		t.Fatalf("NavTimeout() = %v, want 10s", got)
	}
	if !cfg.Headless {
		t.Fatal("Headless = false, want true")
	}
	if cfg.WindowSize != "640,320" {
		t.Fatalf("WindowSize = %q, want 640,320", cfg.WindowSize)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARNESS_CONFIG_FILE", "")
	t.Setenv("CHROMIUM_CDP_ADDRESS", "10.0.0.5")
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("HARNESS_HEADLESS", "false")
	t.Setenv("HARNESS_NAV_TIMEOUT_MS", "2500")
	t.Setenv("HARNESS_LOG_LEVEL", "DEBUG")
	t.Setenv("HARNESS_SERVER_PORT_CANDIDATES", " 127.0.0.1:7001, ,127.0.0.1:7002 ")
	t.Setenv("HARNESS_ARTIFACT_DIR", "out/artifacts")
	t.Setenv("HARNESS_NOTIFY_URL", "http://ntfy.local/swharness")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := cfg.CDPURL(), "http://10.0.0.5:9333"; got != want {
		t.Fatalf("CDPURL() = %q, want %q", got, want)
	}
	if cfg.Headless {
		t.Fatal("Headless = true, want false")
	}
	if got := cfg.NavTimeout(); got != 2500*time.Millisecond {
		t.Fatalf("NavTimeout() = %v, want 2.5s", got)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ArtifactDir != "out/artifacts" || cfg.NotifyURL != "http://ntfy.local/swharness" {
		t.Fatalf("ArtifactDir = %q, NotifyURL = %q", cfg.ArtifactDir, cfg.NotifyURL)
	}
	want := []string{"127.0.0.1:7001", "127.0.0.1:7002"}
	if !reflect.DeepEqual(cfg.PortCandidates, want) {
		t.Fatalf("PortCandidates = %v, want %v", cfg.PortCandidates, want)
	}
}

func TestLoadYAMLOverlayLosesToEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	data := []byte(`cdp_port: 9444
server_addr: 127.0.0.1:6100
nav_timeout_ms: 4000
journal_dir: ./journal
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HARNESS_CONFIG_FILE", path)
	t.Setenv("HARNESS_NAV_TIMEOUT_MS", "1500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9444 {
		t.Fatalf("CDPPort = %d, want 9444 from yaml", cfg.CDPPort)
	}
	if cfg.ServerAddr != "127.0.0.1:6100" {
		t.Fatalf("ServerAddr = %q, want yaml value", cfg.ServerAddr)
	}
	if cfg.JournalDir != "./journal" {
		t.Fatalf("JournalDir = %q, want ./journal", cfg.JournalDir)
	}
	if cfg.NavTimeoutMS != 1500 {
		t.Fatalf("NavTimeoutMS = %d, want env value 1500", cfg.NavTimeoutMS)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "missing file", env: map[string]string{"HARNESS_CONFIG_FILE": "/nonexistent/harness.yaml"}},
		{name: "malformed yaml", file: "cdp_port: [oops"},
		{name: "port out of range", env: map[string]string{"CHROMIUM_CDP_PORT": "70000"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("HARNESS_CONFIG_FILE", "")
			if tc.file != "" {
				path := filepath.Join(t.TempDir(), "bad.yaml")
				if err := os.WriteFile(path, []byte(tc.file), 0o644); err != nil {
					t.Fatalf("write config: %v", err)
				}
				t.Setenv("HARNESS_CONFIG_FILE", path)
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("Load() error = nil, want error")
			}
		})
	}
}

func TestValidateClampsTimeouts(t *testing.T) {
	cfg := Default()
	cfg.NavTimeoutMS = 5
	cfg.JournalMaxMB = 0
	cfg.JournalMaxBodyBytes = -1
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if cfg.NavTimeoutMS != 100 {
		t.Fatalf("NavTimeoutMS = %d, want 100", cfg.NavTimeoutMS)
	}
	if cfg.JournalMaxMB != 1 {
		t.Fatalf("JournalMaxMB = %d, want 1", cfg.JournalMaxMB)
	}
	if cfg.JournalMaxBodyBytes != 0 {
		t.Fatalf("JournalMaxBodyBytes = %d, want 0", cfg.JournalMaxBodyBytes)
	}
}
