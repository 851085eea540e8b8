// Package reindex decides which files are stale and need (re-)parsing:
// a file hash fingerprint, the should_reindex predicate, and the
// startup sweep that marks parser-version upgrades outdated.
package reindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/meridian-search/meridian/internal/store"
)

// StaleRetryAfter is how long a failed/errored file is left alone
// before a newer parser version makes it worth retrying.
const StaleRetryAfter = 24 * time.Hour

// FileHash returns a stable digest of (size, mtime, path) — cheap
// enough to recompute on every scan, and sufficient to detect the
// edits and renames the watcher cares about without reading file
// contents.
func FileHash(path string, info os.FileInfo) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s", info.Size(), info.ModTime().UnixNano(), path)
	return hex.EncodeToString(h.Sum(nil))
}

// StatFileHash stats path and returns its current FileHash.
func StatFileHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return FileHash(path, info), nil
}

// ShouldReindex reports whether a file needs (re-)indexing: it has
// never been seen, its on-disk fingerprint
// moved, its parser is out of date, or it previously failed and
// enough time has passed to retry under a newer parser.
func ShouldReindex(status *store.FileStatus, currentHash string, currentParserVersion int, now time.Time) bool {
	if status == nil {
		return true
	}
	if status.FileHash != currentHash {
		return true
	}
	if status.ParserVersion < currentParserVersion {
		return true
	}
	if status.Status == store.StatusFailed || status.Status == store.StatusError {
		if now.Sub(status.LastRetry) > StaleRetryAfter && currentParserVersion > status.ParserVersion {
			return true
		}
	}
	return false
}

// VersionLookup resolves a file extension's current parser version,
// satisfied by *parser.Registry.CurrentVersion.
type VersionLookup interface {
	CurrentVersion(ext string) int
}

// Enqueuer accepts a path for (re-)processing, satisfied by the file
// queue's Submit.
type Enqueuer interface {
	Submit(path string, priority bool) error
}

// Sweep walks every file_status row at startup: rows whose parser
// version trails the registry's current version are
// marked outdated and prepended to the file queue ahead of new scan
// work, which also recovers failed/error rows once they clear the
// retry backoff.
func Sweep(ctx context.Context, st *store.Store, ext func(path string) string, versions VersionLookup, q Enqueuer) (int, error) {
	rows, err := st.AllFileStatus(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, row := range rows {
		currentVersion := versions.CurrentVersion(ext(row.Path))
		if currentVersion == 0 {
			continue // format no longer supported; leave the row alone
		}

		needsUpgrade := row.ParserVersion < currentVersion
		stalledRetry := (row.Status == store.StatusFailed || row.Status == store.StatusError) &&
			now.Sub(row.LastRetry) > StaleRetryAfter && currentVersion > row.ParserVersion

		if !needsUpgrade && !stalledRetry {
			continue
		}

		if needsUpgrade {
			if err := st.MarkOutdated(ctx, row.Path); err != nil {
				return n, err
			}
		}
		if err := q.Submit(row.Path, true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
