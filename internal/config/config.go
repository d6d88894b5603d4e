// Package config reads and writes the global ~/.chatsync/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPollInterval is used when poll_interval_ms is unset or invalid.
const DefaultPollInterval = 5 * time.Second

// Config represents the global config file.
type Config struct {
	DefaultIdentity string `toml:"default_identity"`
	PollIntervalMS  int    `toml:"poll_interval_ms"`

	Gateway Gateway `toml:"gateway"`
}

// Gateway selects the remote backend.
type Gateway struct {
	// Mode is "loopback" (in-process test backend) or "remote".
	Mode string `toml:"mode"`
	// Addr is the remote backend address; ignored in loopback mode.
	Addr string `toml:"addr"`
}

// PollInterval returns the configured sync interval with a sane floor.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS < 100 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Load reads config from the given path. A missing file is an error; callers
// fall back to defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
