package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Daemon.HTTPAddr == "" {
		t.Fatalf("expected a default HTTP address")
	}
	if cfg.Supervisor.ReconcileInterval != 300*time.Millisecond {
		t.Fatalf("ReconcileInterval = %v, want 300ms", cfg.Supervisor.ReconcileInterval)
	}
	if cfg.Compiler.PollInterval != time.Second {
		t.Fatalf("PollInterval = %v, want 1s", cfg.Compiler.PollInterval)
	}
	if cfg.Auth.Enabled {
		t.Fatalf("expected auth disabled by default")
	}
	if len(cfg.Auth.PublicPaths) == 0 {
		t.Fatalf("expected default public paths")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	for _, kv := range [][2]string{
		{"NEBULA_PG_DSN", "postgres://test/db"},
		{"NEBULA_HTTP_ADDR", ":9999"},
		{"NEBULA_SUPERVISOR_PORT_RANGE_MIN", "30000"},
		{"NEBULA_AUTH_JWT_SECRET", "s3cr3t"},
		{"NEBULA_RATELIMIT_ENABLED", "true"},
		{"NEBULA_RATELIMIT_DEFAULT_RPS", "42.5"},
	} {
		t.Setenv(kv[0], kv[1])
	}
	// Ensure a stale value from a prior test run doesn't leak in.
	defer os.Unsetenv("NEBULA_AUTH_JWT_ENABLED")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Postgres.DSN != "postgres://test/db" {
		t.Errorf("Postgres.DSN = %q", cfg.Postgres.DSN)
	}
	if cfg.Daemon.HTTPAddr != ":9999" {
		t.Errorf("Daemon.HTTPAddr = %q", cfg.Daemon.HTTPAddr)
	}
	if cfg.Supervisor.PortRangeMin != 30000 {
		t.Errorf("Supervisor.PortRangeMin = %d", cfg.Supervisor.PortRangeMin)
	}
	if cfg.Auth.JWT.Secret != "s3cr3t" {
		t.Errorf("Auth.JWT.Secret = %q", cfg.Auth.JWT.Secret)
	}
	if !cfg.Auth.JWT.Enabled {
		t.Errorf("expected setting NEBULA_AUTH_JWT_SECRET to imply JWT.Enabled=true")
	}
	if !cfg.RateLimit.Enabled {
		t.Errorf("expected RateLimit.Enabled=true")
	}
	if cfg.RateLimit.Default.RequestsPerSecond != 42.5 {
		t.Errorf("RateLimit.Default.RequestsPerSecond = %v", cfg.RateLimit.Default.RequestsPerSecond)
	}
}

func TestLoadFromEnvLeavesDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	LoadFromEnv(cfg)
	if cfg.Daemon.HTTPAddr != before.Daemon.HTTPAddr {
		t.Fatalf("expected HTTPAddr unchanged without env overrides")
	}
}

func TestLoadFromFileOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nebula.yaml")
	yaml := "daemon:\n  http_addr: \":7000\"\ncompiler:\n  working_dir: /tmp/builds\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Daemon.HTTPAddr != ":7000" {
		t.Errorf("Daemon.HTTPAddr = %q, want :7000", cfg.Daemon.HTTPAddr)
	}
	if cfg.Compiler.WorkingDir != "/tmp/builds" {
		t.Errorf("Compiler.WorkingDir = %q, want /tmp/builds", cfg.Compiler.WorkingDir)
	}
	// Fields the file doesn't mention keep their defaults.
	if cfg.Supervisor.ReconcileInterval != 300*1_000_000 {
		t.Errorf("ReconcileInterval default not preserved: %v", cfg.Supervisor.ReconcileInterval)
	}
}

func TestLoadFromFileMissingPath(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true":  true,
		"True":  true,
		"1":     true,
		"yes":   true,
		"false": false,
		"0":     false,
		"no":    false,
		"":      false,
		"nope":  false,
	}
	for input, want := range cases {
		if got := parseBool(input); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", input, got, want)
		}
	}
}
