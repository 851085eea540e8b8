package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/meridian-search/meridian/internal/parser"
)

type fakeQueue struct {
	mu       sync.Mutex
	submits  []string
	priority []bool
}

func (q *fakeQueue) Submit(path string, priority bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submits = append(q.submits, path)
	q.priority = append(q.priority, priority)
	return nil
}

func TestScanSubmitsEligibleFilesOnly(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.bin"), []byte("binary"), 0o644)
	os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755)
	os.WriteFile(filepath.Join(dir, "node_modules", "c.txt"), []byte("skip me"), 0o644)

	q := &fakeQueue{}
	w, err := New(Options{
		Registry: parser.NewRegistry(parser.Options{}),
		Excludes: NewExcludeMatcher(nil),
		Queue:    q,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.fw.Close()

	if err := w.Scan(dir); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(q.submits) != 1 || q.submits[0] != filepath.Join(dir, "a.txt") {
		t.Fatalf("expected only a.txt submitted, got %v", q.submits)
	}
}
