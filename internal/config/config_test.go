package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9090
storage:
  max_cache_mb: 20
playback:
  max_chunk_chars: 2000
  buffer_count: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Playback.MaxChunkChars != 2000 || cfg.Playback.BufferCount != 2 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// untouched keys keep their defaults
	if cfg.Playback.PrefetchRatio != 0.9 || cfg.Backend.Format != "mp3" {
		t.Errorf("defaults lost: ratio=%v format=%q", cfg.Playback.PrefetchRatio, cfg.Backend.Format)
	}
	if cfg.MaxCacheBytes() != 20*1024*1024 {
		t.Errorf("MaxCacheBytes = %d", cfg.MaxCacheBytes())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("playback:\n  prefetch_ratio: 1.5\n"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.GoogleDrive.Mirror = true

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.GoogleDrive.Mirror {
		t.Error("mirror flag lost")
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.SkipInterval() != 15*time.Second || cfg.PrefetchLead() != 5*time.Second {
		t.Errorf("skip=%v lead=%v", cfg.SkipInterval(), cfg.PrefetchLead())
	}
	if cfg.ReconcileInterval() != 30*time.Minute {
		t.Errorf("ReconcileInterval = %v", cfg.ReconcileInterval())
	}
}

func TestAPIKeyFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.APIKeyEnv = "NARRATION_TEST_KEY"
	t.Setenv("NARRATION_TEST_KEY", "secret")
	if cfg.APIKey() != "secret" {
		t.Errorf("APIKey = %q", cfg.APIKey())
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("NARRATION_ENV_FILE_KEY=from-file\n"), 0644)
	t.Setenv("NARRATION_ENV_FILE_KEY", "")
	os.Unsetenv("NARRATION_ENV_FILE_KEY")

	LoadEnv(path)
	if got := os.Getenv("NARRATION_ENV_FILE_KEY"); got != "from-file" {
		t.Errorf("env = %q", got)
	}
}
