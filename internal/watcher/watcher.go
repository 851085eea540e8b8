// Package watcher watches directory trees for changes and feeds paths
// into the file queue. Each fsnotify event enqueues onto a shared file
// queue rather than parsing inline, so parsing stays off the fsnotify
// goroutine and runs under its own concurrency limit.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridian-search/meridian/internal/parser"
)

// Enqueuer accepts a path for (re-)processing, satisfied by
// *filequeue.Queue.
type Enqueuer interface {
	Submit(path string, priority bool) error
}

// DeleteNotifier is notified when a watched file itself disappears.
type DeleteNotifier interface {
	DeleteFile(path string) error
}

const debounceInterval = 500 * time.Millisecond

// Watcher watches one or more directory trees and pushes changed
// regular files into a file queue.
type Watcher struct {
	fw       *fsnotify.Watcher
	registry *parser.Registry
	excludes ExcludeMatcher
	queue    Enqueuer
	deleter  DeleteNotifier
	logger   *slog.Logger
}

// Options configures a Watcher.
type Options struct {
	Registry *parser.Registry
	Excludes ExcludeMatcher
	Queue    Enqueuer
	Deleter  DeleteNotifier
	Logger   *slog.Logger
}

// New creates a Watcher backed by the given file queue.
func New(opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		fw:       fw,
		registry: opts.Registry,
		excludes: opts.Excludes,
		queue:    opts.Queue,
		deleter:  opts.Deleter,
		logger:   opts.Logger,
	}, nil
}

// Scan walks rootDir once, submitting every eligible regular file to
// the file queue as non-priority work. should_reindex filtering
// happens downstream in the file queue, so a full rescan of an
// untouched tree costs a stat per file, not a reparse.
func (w *Watcher) Scan(rootDir string) error {
	return filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("scan: skipping path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != rootDir && w.excludes.MatchesDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.eligible(path) {
			return nil
		}
		return w.queue.Submit(path, false)
	})
}

func (w *Watcher) eligible(path string) bool {
	if w.excludes.MatchesFile(path) {
		return false
	}
	ext := normalizeExt(filepath.Ext(path))
	return w.registry.Enabled(ext)
}

// Watch adds rootDir (and its subdirectories) to the watch list and
// processes events until done is closed or an unrecoverable error
// occurs. Call this in a goroutine.
func (w *Watcher) Watch(rootDir string, done <-chan struct{}) error {
	if err := w.addDirRecursive(rootDir); err != nil {
		return err
	}

	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, pending)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, pending map[string]*time.Timer) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if !w.excludes.MatchesDir(filepath.Base(path)) {
				_ = w.addDirRecursive(path)
			}
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if t, ok := pending[path]; ok {
			t.Stop()
			delete(pending, path)
		}
		if w.deleter != nil {
			if err := w.deleter.DeleteFile(path); err != nil {
				w.logger.Error("failed to remove deleted file from index", "path", path, "error", err)
			}
		}
		return
	}

	if !w.eligible(path) {
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		if t, ok := pending[path]; ok {
			t.Stop()
		}
		pending[path] = time.AfterFunc(debounceInterval, func() {
			if err := w.queue.Submit(path, false); err != nil {
				w.logger.Error("failed to submit changed file", "path", path, "error", err)
			}
		})
	}
}

// addDirRecursive adds dir and its non-excluded subdirectories to the
// watcher.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if w.excludes.MatchesDir(e.Name()) {
			continue
		}
		if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
			w.logger.Warn("skipping subdirectory", "dir", filepath.Join(dir, e.Name()), "error", err)
		}
	}
	return nil
}

func normalizeExt(ext string) string {
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	return ext
}
