// Package config provides configuration loading and persistence for mcp-pty.
//
// Configuration is merged from, lowest priority first:
// 1. Built-in defaults
// 2. Environment variables
// 3. $XDG_CONFIG_HOME/mcp-pty/config.json (file)
//
// CLI flags are applied on top by the entrypoint, so the effective
// priority is CLI > file > environment > defaults.
//
// Environment variables:
//   - MCP_PTY_DEACTIVATE_RESOURCES: disable MCP resource endpoints
//   - PORT: HTTP listen port (test-scenario plumbing)
//   - MCP_PTY_CONFIG_DIR: override config directory (for testing)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Transport values accepted by the transport key and the -t flag.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DefaultPort is the HTTP listen port when none is configured.
const DefaultPort = 6420

// Config holds all configuration for the server.
type Config struct {
	// Transport selects the serving mode, stdio or http.
	Transport string `json:"transport"`

	// Port is the HTTP listen port.
	Port int `json:"port"`

	// DeactivateResources hides the MCP resource endpoints, leaving
	// tools only.
	DeactivateResources bool `json:"deactivateResources"`

	// Tailscale serves the HTTP transport on a tailnet instead of a
	// plain TCP socket.
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
type TailscaleConfig struct {
	// Enabled turns the tailnet listener on.
	Enabled bool `json:"enabled"`

	// Hostname is the node name registered on the tailnet.
	Hostname string `json:"hostname,omitempty"`
}

// DefaultConfig returns configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport:           TransportStdio,
		Port:                DefaultPort,
		DeactivateResources: false,
		Tailscale: TailscaleConfig{
			Enabled:  false,
			Hostname: "mcp-pty",
		},
	}
}

// ConfigDir returns the configuration directory path, creating it if
// necessary. Respects MCP_PTY_CONFIG_DIR for testing.
func ConfigDir() (string, error) {
	if testDir := os.Getenv("MCP_PTY_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}

	dir := filepath.Join(base, "mcp-pty")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}

	return dir, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load builds the effective configuration: defaults, then environment
// overrides, then the config file. A missing or unreadable file is not
// an error; unknown keys in the file are ignored.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.applyEnvOverrides()

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	return cfg, nil
}

// loadFromFile merges the config file on top of the current values.
func (c *Config) loadFromFile() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, c)
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MCP_PTY_DEACTIVATE_RESOURCES"); v != "" {
		if val, err := strconv.ParseBool(v); err == nil {
			c.DeactivateResources = val
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			c.Port = val
		}
	}
}

// Validate checks the effective configuration after all layers are
// applied.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("invalid transport %q (want %s or %s)", c.Transport, TransportStdio, TransportHTTP)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	return nil
}
