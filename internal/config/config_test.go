package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xenon.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

const validConfig = `
browsers:
  - name: chrome
    driver_path: /usr/local/bin/chromedriver
    sessions_per_driver: 2
    max_sessions: 5
  - name: firefox
    version: "128"
    os: linux
    driver_path: /usr/local/bin/geckodriver
    sessions_per_driver: 1
    max_sessions: 2
ports:
  - "40001-41000"
nodes:
  - name: n1
    url: 127.0.0.1:18888
`

func TestLoadFileValid(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if len(cfg.Browsers) != 2 {
		t.Fatalf("Expected 2 browsers, got %d", len(cfg.Browsers))
	}
	chrome := cfg.Browser("chrome")
	if chrome == nil {
		t.Fatal("Browser(chrome) returned nil")
	}
	if chrome.SessionsPerDriver != 2 || chrome.MaxSessions != 5 {
		t.Errorf("Unexpected chrome limits: %+v", chrome)
	}
	if chrome.MaxProcesses() != 3 {
		t.Errorf("Expected ceil(5/2)=3 max processes, got %d", chrome.MaxProcesses())
	}

	// Node URL is normalized with a scheme.
	if cfg.Nodes[0].URL != "http://127.0.0.1:18888" {
		t.Errorf("Expected normalized node url, got %q", cfg.Nodes[0].URL)
	}

	ranges := cfg.PortRanges()
	if len(ranges) != 1 || ranges[0].Low != 40001 || ranges[0].High != 41000 {
		t.Errorf("Unexpected port ranges: %+v", ranges)
	}
}

func TestLoadFileEmpty(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadFile failed on empty file: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Empty config should validate: %v", err)
	}
	if len(cfg.Browsers) != 0 || len(cfg.Nodes) != 0 || len(cfg.Ports) != 0 {
		t.Errorf("Expected empty topology, got %+v", cfg)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadFileUnknownKey(t *testing.T) {
	path := writeConfig(t, "browserz:\n  - name: chrome\n")
	if _, err := LoadFile(path); err == nil {
		t.Error("Expected error for unknown top-level key")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			"sessions exceed max",
			`
browsers:
  - name: chrome
    driver_path: /bin/chromedriver
    sessions_per_driver: 5
    max_sessions: 2
ports: ["40001-40010"]
`,
			"sessions_per_driver",
		},
		{
			"duplicate browser",
			`
browsers:
  - name: chrome
    driver_path: /bin/chromedriver
    sessions_per_driver: 1
    max_sessions: 1
  - name: chrome
    driver_path: /bin/other
    sessions_per_driver: 1
    max_sessions: 1
ports: ["40001-40010"]
`,
			"duplicate browser",
		},
		{
			"browsers without ports",
			`
browsers:
  - name: chrome
    driver_path: /bin/chromedriver
    sessions_per_driver: 1
    max_sessions: 1
`,
			"no port ranges",
		},
		{
			"overlapping ports",
			`
ports: ["40001-40010", "40005-40020"]
`,
			"overlapping",
		},
		{
			"duplicate node",
			`
nodes:
  - name: n1
    url: 127.0.0.1:4444
  - name: n1
    url: 127.0.0.1:4445
`,
			"duplicate node",
		},
		{
			"bad node url",
			`
nodes:
  - name: n1
    url: "ftp://node:21"
`,
			"scheme",
		},
		{
			"missing driver path",
			`
browsers:
  - name: chrome
    sessions_per_driver: 1
    max_sessions: 1
ports: ["40001-40010"]
`,
			"driver_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, tt.yaml))
			if err == nil {
				err = cfg.Validate()
			}
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestBrowserMatches(t *testing.T) {
	b := BrowserConfig{Name: "chrome", Version: "124", OS: "linux"}

	tests := []struct {
		version, os string
		want        bool
	}{
		{"", "", true},
		{"124", "linux", true},
		{"125", "", false},
		{"", "windows", false},
	}
	for _, tt := range tests {
		if got := b.Matches(tt.version, tt.os); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.version, tt.os, got, tt.want)
		}
	}

	// Unpinned config fields act as wildcards.
	open := BrowserConfig{Name: "chrome"}
	if !open.Matches("999", "plan9") {
		t.Error("Config without version/os should match any request")
	}
}

func TestSettingsValidateCorrects(t *testing.T) {
	s := DefaultSettings()
	s.Port = 99999
	s.SessionTimeout = -time.Second
	s.RateLimitEnabled = true
	s.RateLimitRPM = 0
	s.LogLevel = "loud"

	s.Validate()

	if s.Port != 4444 {
		t.Errorf("Expected corrected port 4444, got %d", s.Port)
	}
	if s.SessionTimeout != 30*time.Second {
		t.Errorf("Expected corrected session timeout, got %v", s.SessionTimeout)
	}
	if s.RateLimitRPM != 600 {
		t.Errorf("Expected corrected RPM 600, got %d", s.RateLimitRPM)
	}
	if s.LogLevel != "info" {
		t.Errorf("Expected corrected log level info, got %q", s.LogLevel)
	}
}
