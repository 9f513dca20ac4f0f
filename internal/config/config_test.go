package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "drift.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database_path: /tmp/test/drift.db
remote_url: https://sync.example.com
auth_token: secret
collections:
  - notes
  - tags
batch_size: 25
conflict_policy: manual
sync_interval_hint: 90s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RemoteURL != "https://sync.example.com" {
		t.Errorf("RemoteURL = %q", cfg.RemoteURL)
	}
	if len(cfg.Collections) != 2 || cfg.Collections[0] != "notes" {
		t.Errorf("Collections = %v", cfg.Collections)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.ConflictPolicy != "manual" {
		t.Errorf("ConflictPolicy = %q", cfg.ConflictPolicy)
	}
	if cfg.SyncIntervalHint != 90*time.Second {
		t.Errorf("SyncIntervalHint = %s", cfg.SyncIntervalHint)
	}

	// Unspecified keys keep their defaults
	if cfg.MaxRetries != Default().MaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", cfg.MaxRetries, Default().MaxRetries)
	}
	if cfg.BackoffBase != Default().BackoffBase {
		t.Errorf("BackoffBase = %s, want default %s", cfg.BackoffBase, Default().BackoffBase)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicitly named missing file must be an error")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DRIFT_BATCH_SIZE", "7")

	path := writeConfig(t, "database_path: /tmp/test/drift.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want env override 7", cfg.BatchSize)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default configuration invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero backoff base", func(c *Config) { c.BackoffBase = 0 }},
		{"cap below base", func(c *Config) { c.BackoffCap = c.BackoffBase - 1 }},
		{"unknown policy", func(c *Config) { c.ConflictPolicy = "newest" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
