package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VOXRELAY_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8790" {
		t.Fatalf("BindAddr = %q, want default", cfg.BindAddr)
	}
	if cfg.TranscriptPath != filepath.Join(home, "transcript.jsonl") {
		t.Fatalf("TranscriptPath = %q", cfg.TranscriptPath)
	}
	if cfg.OriginTag != "web" {
		t.Fatalf("OriginTag = %q, want web", cfg.OriginTag)
	}
	if cfg.Sync.DedupCacheSize != 500 {
		t.Fatalf("DedupCacheSize = %d, want 500", cfg.Sync.DedupCacheSize)
	}
	if cfg.Queue.Capacity != 50 {
		t.Fatalf("Queue.Capacity = %d, want 50", cfg.Queue.Capacity)
	}
	if cfg.DebounceWindow() != 400*time.Millisecond {
		t.Fatalf("DebounceWindow = %v", cfg.DebounceWindow())
	}
	if cfg.IdleMaxAge() != 24*time.Hour {
		t.Fatalf("IdleMaxAge = %v", cfg.IdleMaxAge())
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VOXRELAY_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9000"
sync:
  poll_interval_seconds: 2
  dedup_cache_size: 10
queue:
  capacity: 3
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOXRELAY_QUEUE_CAPACITY", "7")
	t.Setenv("VOXRELAY_AGENT_URL", "http://localhost:9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Fatalf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.Sync.DedupCacheSize != 10 {
		t.Fatalf("DedupCacheSize = %d", cfg.Sync.DedupCacheSize)
	}
	// Env wins over file.
	if cfg.Queue.Capacity != 7 {
		t.Fatalf("Queue.Capacity = %d, want 7 (env override)", cfg.Queue.Capacity)
	}
	if cfg.Agent.BaseURL != "http://localhost:9999" {
		t.Fatalf("Agent.BaseURL = %q", cfg.Agent.BaseURL)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VOXRELAY_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VOXRELAY_HOME", home)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	a := cfg.Fingerprint()
	b := cfg.Fingerprint()
	if a == "" || a == "unknown" {
		t.Fatalf("fingerprint = %q", a)
	}
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	cfg.BindAddr = "changed:1"
	if c := cfg.Fingerprint(); c == a {
		t.Fatal("fingerprint unchanged after config change")
	}
}
