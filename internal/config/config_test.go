package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Settings.EmbedderPoolSize != Default().Settings.EmbedderPoolSize {
		t.Fatalf("expected default pool size, got %d", cfg.Settings.EmbedderPoolSize)
	}
	if cfg.Version != CurrentConfigVersion {
		t.Fatalf("expected current version, got %d", cfg.Version)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.WatchedFolders = []string{"/home/user/docs"}
	cfg.Settings.CPUConcurrency = 4

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.WatchedFolders) != 1 || got.WatchedFolders[0] != "/home/user/docs" {
		t.Fatalf("unexpected watched folders: %v", got.WatchedFolders)
	}
	if got.Settings.CPUConcurrency != 4 {
		t.Fatalf("expected cpu_concurrency 4, got %d", got.Settings.CPUConcurrency)
	}
	if got.Version != CurrentConfigVersion {
		t.Fatalf("expected version %d, got %d", CurrentConfigVersion, got.Version)
	}
	if got.LastUpdated.IsZero() {
		t.Fatal("expected last_updated to be stamped on save")
	}
}

func TestLoadBackfillsMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := writeRaw(path, `{"watched_folders":["/docs"]}`); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != CurrentConfigVersion {
		t.Fatalf("expected backfilled version %d, got %d", CurrentConfigVersion, cfg.Version)
	}
}

func TestLoadCorruptFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := writeRaw(path, "{not json"); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected an error surfaced for corrupt config")
	}
	if cfg.Settings.EmbedderPoolSize != Default().Settings.EmbedderPoolSize {
		t.Fatalf("expected default fallback, got %+v", cfg)
	}
}
