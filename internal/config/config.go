// Package config provides application configuration management.
// The browser/port/node topology comes from a YAML file; runtime tuning
// knobs come from environment variables with sensible defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stevepryde/xenon/internal/portpool"
	"github.com/stevepryde/xenon/internal/security"
)

// DefaultConfigFile is the config filename looked up in the current
// directory when --config is not given.
const DefaultConfigFile = "xenon.yml"

// BrowserConfig describes one browser kind this instance can serve locally.
type BrowserConfig struct {
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	OS                string `yaml:"os"`
	DriverPath        string `yaml:"driver_path"`
	SessionsPerDriver int    `yaml:"sessions_per_driver"`
	MaxSessions       int    `yaml:"max_sessions"`
}

// MaxProcesses returns ceil(max_sessions / sessions_per_driver), the number
// of driver processes this kind needs when every process is full. The fleet
// does not enforce it as a cap on live processes.
func (b *BrowserConfig) MaxProcesses() int {
	return (b.MaxSessions + b.SessionsPerDriver - 1) / b.SessionsPerDriver
}

// Matches reports whether a requested version/os pair can be served by this
// config. An empty value on either side is a wildcard: the field only
// constrains matching when both the request and the config pin it.
func (b *BrowserConfig) Matches(version, os string) bool {
	if version != "" && b.Version != "" && version != b.Version {
		return false
	}
	if os != "" && b.OS != "" && os != b.OS {
		return false
	}
	return true
}

// NodeConfig describes one remote peer proxy whose browsers this instance
// may borrow.
type NodeConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config is the parsed YAML configuration file.
type Config struct {
	Browsers []BrowserConfig `yaml:"browsers"`
	Ports    []string        `yaml:"ports"`
	Nodes    []NodeConfig    `yaml:"nodes"`
}

// LoadFile reads and parses the YAML config at path. Unknown keys are
// rejected so typos fail loudly at startup instead of silently configuring
// nothing.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file is a valid, empty topology.
			return &cfg, nil
		}
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration and returns the first problem found.
// Configuration errors are fatal at startup: a proxy with a half-valid
// topology would strand clients in confusing ways.
func (c *Config) Validate() error {
	seenBrowsers := make(map[string]struct{}, len(c.Browsers))
	for i := range c.Browsers {
		b := &c.Browsers[i]
		if b.Name == "" {
			return fmt.Errorf("browsers[%d]: name is required", i)
		}
		if _, dup := seenBrowsers[b.Name]; dup {
			return fmt.Errorf("duplicate browser name %q", b.Name)
		}
		seenBrowsers[b.Name] = struct{}{}

		if b.DriverPath == "" {
			return fmt.Errorf("browser %q: driver_path is required", b.Name)
		}
		if b.SessionsPerDriver < 1 {
			return fmt.Errorf("browser %q: sessions_per_driver must be >= 1", b.Name)
		}
		if b.MaxSessions < 1 {
			return fmt.Errorf("browser %q: max_sessions must be >= 1", b.Name)
		}
		if b.SessionsPerDriver > b.MaxSessions {
			return fmt.Errorf("browser %q: sessions_per_driver (%d) exceeds max_sessions (%d)",
				b.Name, b.SessionsPerDriver, b.MaxSessions)
		}
	}

	ranges, err := portpool.ParseRanges(c.Ports)
	if err != nil {
		return err
	}
	if len(c.Browsers) > 0 && len(ranges) == 0 {
		return fmt.Errorf("browsers are configured but no port ranges are defined")
	}

	seenNodes := make(map[string]struct{}, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if _, dup := seenNodes[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seenNodes[n.Name] = struct{}{}

		normalized, err := security.ValidateNodeURL(n.URL)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
		n.URL = normalized
	}

	return nil
}

// PortRanges returns the parsed port ranges. Validate must have succeeded.
func (c *Config) PortRanges() []portpool.Range {
	ranges, err := portpool.ParseRanges(c.Ports)
	if err != nil {
		// Validate() already vetted the ranges.
		panic(fmt.Sprintf("config: port ranges invalid after validation: %v", err))
	}
	return ranges
}

// Browser returns the BrowserConfig with the given name, or nil.
func (c *Config) Browser(name string) *BrowserConfig {
	for i := range c.Browsers {
		if c.Browsers[i].Name == name {
			return &c.Browsers[i]
		}
	}
	return nil
}
