package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Checkpoint.Backend != BackendMemory || cfg.Deliverable.Backend != BackendMemory {
		t.Fatalf("defaults should use in-memory stores, got %+v", cfg)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduct.yaml")
	body := strings.Join([]string{
		"namespace: research",
		"maxParallelism: 8",
		"checkpoint:",
		"  backend: sqlite",
		"  path: /tmp/checkpoints.db",
		"deliverable:",
		"  backend: sqlite",
		"  path: /tmp/deliverables.db",
		"retry:",
		"  maxAttempts: 5",
		"  baseBackoff: 100ms",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Namespace != "research" {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	if cfg.MaxParallelism != 8 {
		t.Fatalf("maxParallelism = %d", cfg.MaxParallelism)
	}
	if cfg.Checkpoint.Backend != BackendSQLite || cfg.Checkpoint.Path != "/tmp/checkpoints.db" {
		t.Fatalf("checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseBackoff != 100*time.Millisecond {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	// Unset fields fall back to defaults.
	if cfg.KeepRecent != 6 || cfg.Breaker.Threshold != 3 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduct.yaml")
	if err := os.WriteFile(path, []byte("namespace: fromfile\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv("CONDUCT_NAMESPACE", "fromenv")
	t.Setenv("CONDUCT_KEEP_RECENT", "10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Namespace != "fromenv" {
		t.Fatalf("environment should win over the file, got %q", cfg.Namespace)
	}
	if cfg.KeepRecent != 10 {
		t.Fatalf("keepRecent = %d", cfg.KeepRecent)
	}
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	cfg := Default()
	cfg.Checkpoint.Backend = BackendSQLite
	if err := cfg.Validate(); err == nil {
		t.Fatal("sqlite checkpoint backend without a path should fail")
	}

	cfg = Default()
	cfg.Checkpoint.Backend = BackendRedis
	if err := cfg.Validate(); err == nil {
		t.Fatal("redis checkpoint backend without an address should fail")
	}

	cfg = Default()
	cfg.Deliverable.Backend = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown deliverable backend should fail")
	}
}

func TestFromEnvHonorsBackendSelection(t *testing.T) {
	t.Setenv("CONDUCT_CHECKPOINT_BACKEND", "redis")
	t.Setenv("CONDUCT_REDIS_ADDR", "localhost:6379")
	t.Setenv("CONDUCT_REDIS_TTL", "36h")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Checkpoint.Backend != BackendRedis || cfg.Checkpoint.RedisAddr != "localhost:6379" {
		t.Fatalf("checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.Checkpoint.RedisTTL != 36*time.Hour {
		t.Fatalf("redis TTL = %s", cfg.Checkpoint.RedisTTL)
	}
}
