package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

var ErrInvalidJSON = errors.New("invalid config JSON")

// Config holds the global veagent configuration.
type Config struct {
	AgentsPath       string `json:"agents_path"`        // Path to the agent registry YAML
	AuthBaseURL      string `json:"auth_base_url"`      // Base URL of the account service
	DefaultTimeoutMs int    `json:"default_timeout_ms"` // Request timeout when an agent declares none
}

// Load reads the config from ~/.config/veagent/config.json.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".config", "veagent", "config.json")
	return LoadFrom(configPath)
}

// LoadFrom reads the config from a specific path. A missing file yields
// a config with defaults only.
func LoadFrom(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidJSON
	}

	// Set defaults
	if cfg.AgentsPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.AgentsPath = filepath.Join(homeDir, ".config", "veagent", "agents.yaml")
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = "http://127.0.0.1:8000"
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = 30000
	}

	return &cfg, nil
}
