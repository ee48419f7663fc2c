package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the server configuration, loaded from a TOML file with
// command-line overrides applied on top.
type Config struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	// Port is the TCP listen port
	Port int `toml:"port"`
	// WebSocketPort exposes the same protocol over WebSocket; 0 disables it
	WebSocketPort int `toml:"websocket_port"`
	// MetricsAddr serves Prometheus metrics; empty disables it
	MetricsAddr string `toml:"metrics_addr"`
	// Debug enables debug logging
	Debug bool `toml:"debug"`
	// AllUsers treats every pair of logged-in users as mutually friended
	AllUsers bool `toml:"all_users"`
}

type LimitsSection struct {
	MinUsernameLength int `toml:"min_username_length"`
	MaxUsernameLength int `toml:"max_username_length"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			Port:          4444,
			WebSocketPort: 0,
			MetricsAddr:   "",
			Debug:         false,
			AllUsers:      false,
		},
		Limits: LimitsSection{
			MinUsernameLength: 3,
			MaxUsernameLength: 16,
		},
	}
}

// LoadConfig loads configuration from a TOML file. A missing file is not an
// error: the defaults are written there for next time and returned.
func LoadConfig(path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultConfig()
		// Best effort; the server can run without a config file
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// expandHome expands a leading ~/ in the path
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
