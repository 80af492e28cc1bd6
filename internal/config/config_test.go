package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"MODELFETCH_ADDR", "MODELFETCH_MAX_ACTIVE", "MODELFETCH_MAX_RETRIES",
		"MODELFETCH_CHUNK_BYTES", "MODELFETCH_PROGRESS_MS", "MODELFETCH_RETENTION_MS",
		"MODELFETCH_HTTP_TIMEOUT_MS", "MODELFETCH_LOG_FILE", "MODELFETCH_REPO",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxActive != 3 || cfg.MaxRetries != 3 {
		t.Fatalf("bounds = %d/%d", cfg.MaxActive, cfg.MaxRetries)
	}
	if cfg.ProgressInterval != 500*time.Millisecond {
		t.Fatalf("ProgressInterval = %v", cfg.ProgressInterval)
	}
	if cfg.Retention != time.Hour {
		t.Fatalf("Retention = %v", cfg.Retention)
	}
	if cfg.Repo != "inmem" {
		t.Fatalf("Repo = %q", cfg.Repo)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MODELFETCH_ADDR", ":8080")
	t.Setenv("MODELFETCH_MAX_ACTIVE", "5")
	t.Setenv("MODELFETCH_PROGRESS_MS", "250")
	t.Setenv("MODELFETCH_RETENTION_MS", "60000")
	t.Setenv("MODELFETCH_REPO", "postgres")

	cfg := FromEnv()
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxActive != 5 {
		t.Fatalf("MaxActive = %d", cfg.MaxActive)
	}
	if cfg.ProgressInterval != 250*time.Millisecond {
		t.Fatalf("ProgressInterval = %v", cfg.ProgressInterval)
	}
	if cfg.Retention != time.Minute {
		t.Fatalf("Retention = %v", cfg.Retention)
	}
	if cfg.Repo != "postgres" {
		t.Fatalf("Repo = %q", cfg.Repo)
	}
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("MODELFETCH_MAX_ACTIVE", "banana")
	t.Setenv("MODELFETCH_PROGRESS_MS", "-5")

	cfg := FromEnv()
	if cfg.MaxActive != 3 {
		t.Fatalf("MaxActive = %d, want default", cfg.MaxActive)
	}
	if cfg.ProgressInterval != 500*time.Millisecond {
		t.Fatalf("ProgressInterval = %v, want default", cfg.ProgressInterval)
	}
}
