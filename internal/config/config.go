// Package config loads daemon configuration from a TOML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Defaults matching a daemon run with no config file at all.
const (
	DefaultPort        = 7117
	DefaultBufferSize  = 1000
	DefaultModel       = "claude-sonnet-4-5"
	DefaultServiceName = "wormhole"
)

// Daemon configures the listening surface and per-session buffers.
type Daemon struct {
	Port       int `toml:"port"`
	BufferSize int `toml:"buffer_size"`
}

// Discovery configures the mDNS advertiser.
type Discovery struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Defaults are applied to sessions opened without explicit options.
type Defaults struct {
	Model          string `toml:"model"`
	PermissionMode string `toml:"permission_mode"`
}

// Config is the full daemon configuration.
type Config struct {
	Daemon    Daemon    `toml:"daemon"`
	Discovery Discovery `toml:"discovery"`
	Defaults  Defaults  `toml:"defaults"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Daemon:    Daemon{Port: DefaultPort, BufferSize: DefaultBufferSize},
		Discovery: Discovery{Enabled: true, ServiceName: DefaultServiceName},
		Defaults:  Defaults{Model: DefaultModel, PermissionMode: "default"},
	}
}

// Path returns the config file location: WORMHOLE_CONFIG when set,
// otherwise <user config dir>/wormhole/config.toml.
func Path() (string, error) {
	if p := os.Getenv("WORMHOLE_CONFIG"); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "wormhole", "config.toml"), nil
}

// Load reads the config file if present, then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, err
	}
	return loadFrom(path)
}

func loadFrom(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// No file, defaults apply.
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of the file values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("WORMHOLE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORMHOLE_PORT %q: %w", v, err)
		}
		cfg.Daemon.Port = port
	}
	if v := os.Getenv("WORMHOLE_BUFFER_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORMHOLE_BUFFER_SIZE %q: %w", v, err)
		}
		cfg.Daemon.BufferSize = size
	}
	if v := os.Getenv("WORMHOLE_DISCOVERY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid WORMHOLE_DISCOVERY_ENABLED %q: %w", v, err)
		}
		cfg.Discovery.Enabled = enabled
	}
	return nil
}
