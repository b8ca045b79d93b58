// Package config loads the global and per-profile TOML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matheus3301/offsync/internal/conflict"
)

// Global represents the global ~/.offsync/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Config is the per-profile engine configuration.
type Config struct {
	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`
	Log    LogConfig    `toml:"log"`
}

// RemoteConfig selects the remote store. An empty URL means no remote; an
// http(s) URL selects the HTTP transport and a postgres URL a direct
// database connection.
type RemoteConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

type SyncConfig struct {
	AutoSync        bool     `toml:"auto_sync"`
	IntervalMinutes int      `toml:"interval_minutes"`
	MaxRetries      int      `toml:"max_retries"`
	ItemTimeout     Duration `toml:"item_timeout"`
	DefaultPolicy   string   `toml:"default_policy"`
	Pull            bool     `toml:"pull"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used for missing files and keys.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{Timeout: Duration{10 * time.Second}},
		Sync: SyncConfig{
			AutoSync:        true,
			IntervalMinutes: 5,
			MaxRetries:      3,
			ItemTimeout:     Duration{30 * time.Second},
			DefaultPolicy:   string(conflict.Merge),
			Pull:            true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil {
			return fmt.Errorf("remote.url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "postgres", "postgresql":
		default:
			return fmt.Errorf("remote.url: unsupported scheme %q", u.Scheme)
		}
	}
	if c.Remote.Timeout.Duration <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Sync.IntervalMinutes < 1 {
		return fmt.Errorf("sync.interval_minutes must be at least 1, got %d", c.Sync.IntervalMinutes)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.ItemTimeout.Duration <= 0 {
		return fmt.Errorf("sync.item_timeout must be positive")
	}
	if _, err := conflict.ParsePolicy(c.Sync.DefaultPolicy); err != nil {
		return fmt.Errorf("sync.default_policy: %w", err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	return nil
}

// Interval returns the auto-sync period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// Load reads a profile config on top of Default. Returns an error if the
// file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes a profile config, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// LoadGlobal reads the global config. Returns zero config and error if file missing.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveGlobal writes the global config.
func SaveGlobal(path string, cfg *Global) error {
	return writeTOML(path, cfg)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
