// Package config loads the immutable engine configuration.
//
// Configuration is read once at construction from drift.yaml (or an
// explicit file) plus DRIFT_* environment overrides, validated, and then
// never mutated: policy cannot change mid-session.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine's configuration surface.
type Config struct {
	// DatabasePath is the local SQLite database file.
	DatabasePath string `mapstructure:"database_path"`

	// RemoteURL is the base URL of the remote data service.
	RemoteURL string `mapstructure:"remote_url"`

	// AuthToken is the bearer credential for the remote data service.
	// Token acquisition and refresh are the auth collaborator's problem;
	// the engine only reacts to auth failures by pausing.
	AuthToken string `mapstructure:"auth_token"`

	// Collections are the remote collections tracked for delta pulls.
	Collections []string `mapstructure:"collections"`

	// BatchSize caps how many changes are pushed per request for one
	// entity, and how many records are requested per delta page.
	BatchSize int `mapstructure:"batch_size"`

	// MaxRetries bounds retry attempts for a transient batch failure.
	MaxRetries int `mapstructure:"max_retries"`

	// BackoffBase and BackoffCap shape the exponential backoff between
	// retries (full jitter, doubling from base, clamped at cap).
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`

	// RequestTimeout applies to each network request individually.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ConflictPolicy selects the resolution strategy:
	// last-write-wins, remote-wins, local-wins, or manual.
	ConflictPolicy string `mapstructure:"conflict_policy"`

	// SyncIntervalHint is how often the daemon triggers a session when
	// nothing else does.
	SyncIntervalHint time.Duration `mapstructure:"sync_interval_hint"`

	// LogFile, when set, routes daemon logs to a rotated file instead of
	// stderr.
	LogFile string `mapstructure:"log_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DatabasePath:     ".drift/drift.db",
		BatchSize:        50,
		MaxRetries:       5,
		BackoffBase:      500 * time.Millisecond,
		BackoffCap:       30 * time.Second,
		RequestTimeout:   30 * time.Second,
		ConflictPolicy:   "last-write-wins",
		SyncIntervalHint: 5 * time.Minute,
	}
}

// Load reads configuration from the given file (or the standard search
// path when file is empty), applies environment overrides, and
// validates the result.
func Load(file string) (Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("database_path", defaults.DatabasePath)
	v.SetDefault("batch_size", defaults.BatchSize)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("backoff_base", defaults.BackoffBase)
	v.SetDefault("backoff_cap", defaults.BackoffCap)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("conflict_policy", defaults.ConflictPolicy)
	v.SetDefault("sync_interval_hint", defaults.SyncIntervalHint)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("drift")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/drift")
	}

	v.SetEnvPrefix("DRIFT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when using the search path;
		// defaults plus environment still apply.
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks invariants the engine relies on.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_cap (%s) cannot be below backoff_base (%s)", c.BackoffCap, c.BackoffBase)
	}
	switch c.ConflictPolicy {
	case "last-write-wins", "remote-wins", "local-wins", "manual":
	default:
		return fmt.Errorf("unknown conflict_policy %q", c.ConflictPolicy)
	}
	return nil
}
