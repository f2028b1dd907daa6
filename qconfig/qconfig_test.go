package qconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arcflow/agentqueue/run"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsThenOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "retention_days: 7\nlog_level: debug\n")

	cfg, logLevel, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetentionDays != 7 {
		t.Fatalf("got retention_days=%d, want 7", cfg.RetentionDays)
	}
	if logLevel != "debug" {
		t.Fatalf("got log_level=%q, want debug", logLevel)
	}
	if cfg.MaxConcurrentGlobal != run.DefaultQueueConfig().MaxConcurrentGlobal {
		t.Fatalf("expected unset fields to keep their default")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestDiffOnlyEmitsMutableChanges(t *testing.T) {
	prev := run.DefaultQueueConfig()
	next := prev
	next.RetentionDays = 14

	update, rejected := diff(prev, "info", next, "info")
	if update.RetentionDays == nil || *update.RetentionDays != 14 {
		t.Fatalf("expected retention_days update to 14, got %+v", update)
	}
	if update.LogLevel != nil {
		t.Fatalf("expected no log_level change, got %+v", update.LogLevel)
	}
	if len(rejected) != 0 {
		t.Fatalf("expected no rejected fields, got %v", rejected)
	}
}

func TestDiffRejectsImmutableKeys(t *testing.T) {
	prev := run.DefaultQueueConfig()
	next := prev
	next.MaxConcurrentGlobal = prev.MaxConcurrentGlobal + 1
	next.DBPath = "/tmp/other.db"

	update, rejected := diff(prev, "info", next, "info")
	if update != (Update{}) {
		t.Fatalf("expected no mutable update from an immutable-only change, got %+v", update)
	}
	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejected fields, got %v", rejected)
	}
}
