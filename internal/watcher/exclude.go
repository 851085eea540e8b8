package watcher

import (
	"path/filepath"
	"strings"
)

// defaultExcludedDirs are system/package folders never worth scanning:
// OS metadata, dependency caches, and VCS internals.
var defaultExcludedDirs = []string{
	"node_modules", ".git", ".svn", ".hg",
	"__pycache__", ".venv", "venv",
	"$RECYCLE.BIN", "System Volume Information",
	".Trash", ".Trashes",
}

// ExcludeMatcher decides whether a path should be skipped by the scan
// and the watcher, combining the built-in system/package-folder list,
// hidden-entry skipping, and user-supplied glob patterns.
type ExcludeMatcher struct {
	patterns []string
}

// NewExcludeMatcher builds a matcher from user patterns (shell globs
// matched against the path's base name, e.g. "*.tmp") on top of the
// built-in exclusions.
func NewExcludeMatcher(userPatterns []string) ExcludeMatcher {
	return ExcludeMatcher{patterns: userPatterns}
}

// MatchesDir reports whether a directory entry should be skipped
// (and, for directories, never descended into).
func (m ExcludeMatcher) MatchesDir(name string) bool {
	if isHidden(name) {
		return true
	}
	for _, d := range defaultExcludedDirs {
		if name == d {
			return true
		}
	}
	return m.matchesUserPattern(name)
}

// MatchesFile reports whether a regular file should be skipped.
func (m ExcludeMatcher) MatchesFile(path string) bool {
	base := filepath.Base(path)
	if isHidden(base) {
		return true
	}
	return m.matchesUserPattern(base) || m.matchesUserPattern(path)
}

func (m ExcludeMatcher) matchesUserPattern(s string) bool {
	for _, p := range m.patterns {
		if ok, _ := filepath.Match(p, s); ok {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
