package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[general]
region = "china"
debug = true
user_agent = "test-agent/1.0"

[performance]
min_chunk_size = 262144
max_chunk_size = 4194304
min_concurrency = 2
max_concurrency = 32
adaptive_concurrency = true
adaptive_chunking = false

[security]
verify_ssl = true
allowed_protocols = ["https"]

[dns]
cache_ttl_seconds = 120
cache_max_entries = 256

[[rules]]
name = "github-china"
pattern = "^https://github\\.com/(?P<rest>.+)$"
templates = ["https://ghfast.top/https://github.com/${rest}"]
regions = ["china"]
priority = 10
enabled = true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "turbocdn.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDecodesAllSections(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Region != "china" || !cfg.General.Debug {
		t.Fatalf("unexpected general section: %+v", cfg.General)
	}
	if cfg.Performance.MinChunkSize != 262144 || cfg.Performance.MaxConcurrency != 32 {
		t.Fatalf("unexpected performance section: %+v", cfg.Performance)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name != "github-china" {
		t.Fatalf("unexpected rules: %+v", cfg.Rules)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadMissingFieldsKeepDefaults(t *testing.T) {
	path := writeConfig(t, `[general]
region = "europe"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Region != "europe" {
		t.Fatalf("expected region override, got %q", cfg.General.Region)
	}
	if cfg.Performance.MaxConcurrency != Default().Performance.MaxConcurrency {
		t.Fatalf("expected default max_concurrency to survive, got %d", cfg.Performance.MaxConcurrency)
	}
}

func TestApplyEnvOverridesFields(t *testing.T) {
	cfg := Default()
	t.Setenv("TURBOCDN_GENERAL_REGION", "asia_pacific")
	t.Setenv("TURBOCDN_PERFORMANCE_MAX_CONCURRENCY", "128")

	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.General.Region != "asia_pacific" {
		t.Fatalf("expected region override, got %q", cfg.General.Region)
	}
	if cfg.Performance.MaxConcurrency != 128 {
		t.Fatalf("expected max_concurrency override, got %d", cfg.Performance.MaxConcurrency)
	}
}

func TestValidateRejectsInvertedChunkBounds(t *testing.T) {
	cfg := Default()
	cfg.Performance.MaxChunkSize = 100
	cfg.Performance.MinChunkSize = 200
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for inverted chunk bounds")
	}
}

func TestValidateRejectsUnknownProtocol(t *testing.T) {
	cfg := Default()
	cfg.Security.AllowedProtocols = []string{"ftp"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unsupported protocol")
	}
}
