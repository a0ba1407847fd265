// Package config loads coordinator configuration: forge.yaml merged over
// built-in defaults, then environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the full coordinator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Locks     LocksConfig     `yaml:"locks"`
	Events    EventsConfig    `yaml:"events"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds the SQLite database settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LocksConfig holds lease settings.
type LocksConfig struct {
	// LeaseDuration is the default lock duration granted on claim.
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// SweepInterval is how often the expired-lock sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EventsConfig holds broadcast bus settings.
type EventsConfig struct {
	// Buffer is the per-subscriber channel depth.
	Buffer int `yaml:"buffer"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SyncLogRetention is the maximum age of sync-log entries.
	SyncLogRetention time.Duration `yaml:"sync_log_retention"`
	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3344,
		},
		Store: StoreConfig{
			Path: "forge.db",
		},
		Locks: LocksConfig{
			LeaseDuration: 5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Events: EventsConfig{
			Buffer: 64,
		},
		Retention: RetentionConfig{
			SyncLogRetention: 30 * 24 * time.Hour,
			CleanupInterval:  12 * time.Hour,
		},
	}
}

// Load reads the YAML file at path (skipped when missing), merges it over
// the defaults, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("No config file, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies the supported environment overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("Ignoring invalid PORT", "value", v)
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigin = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Locks.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive")
	}
	if c.Locks.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
