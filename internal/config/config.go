// Package config handles configuration loading and management for Verso.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/inercia/verso/internal/engine"
)

// EngineConfig represents a single configured engine.
type EngineConfig struct {
	// Name is the identifier for this engine (e.g. "claude", "auggie").
	Name string
	// Kind is the protocol variant the engine speaks.
	Kind engine.Kind
	// Command is the shell command that starts the engine process.
	Command string
	// Model is the optional default model for new sessions.
	Model string
}

// BridgeConfig represents local UI bridge configuration.
type BridgeConfig struct {
	// Host is the bridge host/IP address (default: 127.0.0.1).
	Host string `json:"host,omitempty"`
	// Port is the bridge port (default: 7537).
	Port int `json:"port,omitempty"`
}

// RunnerConfig controls how engine processes are executed.
type RunnerConfig struct {
	// Type is the runner type ("exec", "sandbox-exec", "firejail",
	// "docker"). Empty means plain exec, no restrictions.
	Type string
	// AllowNetworking permits network access inside the sandbox.
	AllowNetworking *bool
	// AllowReadFolders and AllowWriteFolders grant extra folder access.
	// Entries may use ${workspace} and ${home}.
	AllowReadFolders  []string
	AllowWriteFolders []string
}

// Config represents the complete Verso configuration.
type Config struct {
	// Engines is the list of configured engines (order matters - first is default)
	Engines []EngineConfig
	// Bridge contains local UI bridge configuration
	Bridge BridgeConfig
	// Runner controls sandboxed execution of engine processes
	Runner RunnerConfig
}

// rawConfig is used for YAML unmarshaling to handle the map-based format.
type rawConfig struct {
	Engines []map[string]struct {
		Kind    string `yaml:"kind"`
		Command string `yaml:"command"`
		Model   string `yaml:"model"`
	} `yaml:"engines"`
	Bridge struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"bridge"`
	Runner struct {
		Type              string   `yaml:"type"`
		AllowNetworking   *bool    `yaml:"allow_networking"`
		AllowReadFolders  []string `yaml:"allow_read_folders"`
		AllowWriteFolders []string `yaml:"allow_write_folders"`
	} `yaml:"runner"`
}

// DefaultConfigPath returns the default configuration file path for the current platform.
func DefaultConfigPath() string {
	// Check for environment variable override first
	if envPath := os.Getenv("VERSORC"); envPath != "" {
		return envPath
	}

	// Use platform-specific config directory
	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home // macOS traditionally uses ~/.versorc
	default: // linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".versorc")
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data into a Config struct.
// JSON settings files parse through the same path since JSON is a YAML subset.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{
		Engines: make([]EngineConfig, 0, len(raw.Engines)),
	}

	for _, entry := range raw.Engines {
		for name, e := range entry {
			kind, err := engine.ParseKind(e.Kind)
			if err != nil {
				return nil, fmt.Errorf("engine %q: %w", name, err)
			}
			cfg.Engines = append(cfg.Engines, EngineConfig{
				Name:    name,
				Kind:    kind,
				Command: e.Command,
				Model:   e.Model,
			})
		}
	}

	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("no engines configured")
	}

	cfg.Bridge.Host = raw.Bridge.Host
	cfg.Bridge.Port = raw.Bridge.Port

	cfg.Runner = RunnerConfig{
		Type:              raw.Runner.Type,
		AllowNetworking:   raw.Runner.AllowNetworking,
		AllowReadFolders:  raw.Runner.AllowReadFolders,
		AllowWriteFolders: raw.Runner.AllowWriteFolders,
	}

	return cfg, nil
}

// DefaultEngine returns the default engine (first in the list).
func (c *Config) DefaultEngine() *EngineConfig {
	if len(c.Engines) == 0 {
		return nil
	}
	return &c.Engines[0]
}

// GetEngine returns the engine with the given name.
func (c *Config) GetEngine(name string) (*EngineConfig, error) {
	for i := range c.Engines {
		if c.Engines[i].Name == name {
			return &c.Engines[i], nil
		}
	}
	return nil, fmt.Errorf("engine %q not found in configuration", name)
}

// EngineNames returns a list of all configured engine names.
func (c *Config) EngineNames() []string {
	names := make([]string, len(c.Engines))
	for i, e := range c.Engines {
		names[i] = e.Name
	}
	return names
}
