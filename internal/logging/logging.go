// Package logging sets up the process-wide structured logger: an
// environment-variable debug toggle generalized into a proper slog
// handler selection, with an optional rotating file sink.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingFile is a minimal size-based log rotator (no rotation
// library is otherwise imported; see DESIGN.md).
type rotatingFile struct {
	mu      sync.Mutex
	dir     string
	base    string
	maxSize int64
	f       *os.File
	size    int64
}

func newRotatingFile(dir, base string, maxSize int64) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	rf := &rotatingFile{dir: dir, base: base, maxSize: maxSize}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	path := filepath.Join(rf.dir, rf.base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err == nil {
		rf.size = info.Size()
	}
	rf.f = f
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size+int64(len(p)) > rf.maxSize {
		rf.f.Close()
		rotated := filepath.Join(rf.dir, fmt.Sprintf("%s.%s", rf.base, time.Now().Format("20060102-150405")))
		os.Rename(filepath.Join(rf.dir, rf.base), rotated)
		if err := rf.open(); err != nil {
			return 0, err
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// Options controls logger construction.
type Options struct {
	LogDir  string // <user_data>/logs; empty disables file logging
	JSON    bool   // emit JSON lines instead of slog's default text format
	Level   slog.Level
	MaxSize int64 // bytes per log file before rotation; 0 = 10MiB default
}

// New builds the process-wide logger per Options, writing to stderr and
// optionally to a rotating file under LogDir.
func New(opts Options) (*slog.Logger, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10 * 1024 * 1024
	}

	var w io.Writer = os.Stderr
	if opts.LogDir != "" {
		rf, err := newRotatingFile(opts.LogDir, "meridian.log", opts.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("init log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, rf)
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler), nil
}

// FromEnv builds a logger from the MERIDIAN_LOG_JSON / MERIDIAN_DEBUG
// environment variables.
func FromEnv(logDir string) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("MERIDIAN_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	jsonFmt := os.Getenv("MERIDIAN_LOG_JSON") == "1"
	l, err := New(Options{LogDir: logDir, JSON: jsonFmt, Level: level})
	if err != nil {
		// Logging setup must never block startup — fall back to stderr-only.
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return l
}
