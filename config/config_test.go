package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
store:
  driver: memory
aggregator:
  batch_size: 100
connectors:
  binance:
    enabled: true
    flush_interval: 5s
  hyperliquid:
    enabled: true
    poll_interval: 1m
    timeout: 20s
  okx:
    enabled: false
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Aggregator.BatchSize != 100 {
		t.Errorf("unexpected batch size: %d", cfg.Aggregator.BatchSize)
	}
	if cfg.Aggregator.MinuteRetention != time.Hour {
		t.Errorf("default minute retention not applied: %s", cfg.Aggregator.MinuteRetention)
	}
	if got := cfg.Connectors["hyperliquid"].PollInterval; got != time.Minute {
		t.Errorf("unexpected poll interval: %s", got)
	}
	enabled := cfg.EnabledConnectors()
	if len(enabled) != 2 || enabled[0] != "binance" || enabled[1] != "hyperliquid" {
		t.Errorf("unexpected enabled connectors: %v", enabled)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/funding")
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Postgres.DSN != "postgres://u:p@db:5432/funding" {
		t.Fatalf("DSN not overridden: %q", cfg.Store.Postgres.DSN)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.App.Name = "" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"zero batch", func(c *Config) { c.Aggregator.BatchSize = 0 }},
		{"short retention", func(c *Config) { c.Aggregator.MinuteRetention = time.Second }},
		{"zero threshold", func(c *Config) { c.Supervisor.ErrorThreshold = 0 }},
		{"timeout not shorter than poll", func(c *Config) {
			c.Connectors["gateio"] = ConnectorConfig{Enabled: true, PollInterval: time.Minute, Timeout: time.Minute}
		}},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true; c.Archive.S3.Region = "us-east-1" }},
		{"archive bad bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.S3 = S3Config{Bucket: "Bad_Bucket", Region: "us-east-1"}
		}},
		{"replica without target", func(c *Config) { c.Replica.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := validateConfig(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := map[string]bool{
		"funding-archive": true,
		"a.b.c":           true,
		"ab":              false,
		"bad..name":       false,
		".leading":        false,
		"UPPER":           false,
	}
	for name, want := range cases {
		if got := isValidS3Bucket(name); got != want {
			t.Errorf("isValidS3Bucket(%q)=%v want %v", name, got, want)
		}
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Fatalf("expected production, got %s", env)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatal("production should be production-like")
	}

	t.Setenv("APP_ENV", "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Fatalf("expected development, got %s", env)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	staging := filepath.Join(dir, "config.staging.yml")
	if err := os.WriteFile(staging, []byte(minimalConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath("", def); got != staging {
		t.Fatalf("expected staging file, got %s", got)
	}
	if got := ResolvePath("/etc/custom.yml", def); got != "/etc/custom.yml" {
		t.Fatalf("explicit path must win, got %s", got)
	}

	t.Setenv("APP_ENV", "production")
	if got := ResolvePath("", def); got != def {
		t.Fatalf("expected default path, got %s", got)
	}
}
