// Package config is the persisted JSON configuration and the stats
// cache built on top of the store. Config is written atomically via a
// temp-file-then-rename so a crash mid-write never leaves a truncated
// file behind.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CurrentConfigVersion is written into every config.json this process
// saves. A host reading an older version can tell without parsing
// Settings whether it needs to migrate anything.
const CurrentConfigVersion = 1

// ExtensionFlags toggles a file format on or off independently of its
// registry default.
type ExtensionFlags map[string]bool

// Settings holds the tunables nested under config.json's "settings" key.
type Settings struct {
	ExcludedGlobs []string       `json:"excluded_globs"`
	Extensions    ExtensionFlags `json:"extensions"`

	EmbedderPoolSize  int     `json:"embedder_pool_size"`
	MaxChunksPerBatch int     `json:"max_chunks_per_batch"`
	MaxTokensPerBatch int     `json:"max_tokens_per_batch"`
	MemoryThresholdMB int     `json:"memory_threshold_mb"`
	CPUConcurrency    int     `json:"cpu_concurrency"`
	RequestTimeoutSec float64 `json:"request_timeout_sec"`
}

// Config is the full persisted configuration, matching the on-disk
// <user_data>/config.json shape: {version, watched_folders, settings,
// last_updated}.
type Config struct {
	Version        int       `json:"version"`
	WatchedFolders []string  `json:"watched_folders"`
	Settings       Settings  `json:"settings"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		Version: CurrentConfigVersion,
		Settings: Settings{
			Extensions:        ExtensionFlags{},
			EmbedderPoolSize:  2,
			MaxChunksPerBatch: 32,
			MaxTokensPerBatch: 8000,
			MemoryThresholdMB: 1024,
			CPUConcurrency:    2,
			RequestTimeoutSec: 30,
		},
	}
}

// Load reads path, falling back to Default (wrapped in *apperr.ConfigError
// via the caller) if it doesn't exist or fails to parse. A bad config
// file never refuses startup.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Default(), fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentConfigVersion
	}
	return cfg, nil
}

// Save writes cfg to path atomically: encode to a temp file in the
// same directory, fsync, then rename over the destination. LastUpdated
// is stamped with the current time on every save.
func Save(path string, cfg Config) error {
	cfg.Version = CurrentConfigVersion
	cfg.LastUpdated = time.Now().UTC()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming config into place: %w", err)
	}
	return nil
}
