package filequeue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-search/meridian/internal/chunker"
	"github.com/meridian-search/meridian/internal/equeue"
	"github.com/meridian-search/meridian/internal/parser"
	"github.com/meridian-search/meridian/internal/store"
)

type fixedPool struct{ dim int }

func (p *fixedPool) EmbedOn(ctx context.Context, texts []string, isQuery bool) ([][]float32, int, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		v := make([]float32, p.dim)
		v[0] = 1
		vecs[i] = v
	}
	return vecs, 0, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), store.Options{
		DBPath:    filepath.Join(dir, "index.db"),
		GraphPath: filepath.Join(dir, "index.hnsw"),
		Dim:       8,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueueIndexesNewTextFile(t *testing.T) {
	s := newTestStore(t)
	eq := equeue.New(equeue.Options{Pool: &fixedPool{dim: 8}, Writer: s})
	defer eq.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("Hello there. This is a test document about gardening."), 0o644); err != nil {
		t.Fatal(err)
	}

	fq := New(Options{
		Concurrency: 1,
		Registry:    parser.NewRegistry(parser.Options{}),
		ChunkOpts:   chunker.DefaultOptions(),
		Store:       s,
		Embed:       eq,
	})
	defer fq.Close()

	if err := fq.Submit(path, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fs, err := s.GetFileStatus(context.Background(), path)
		if err != nil {
			t.Fatalf("GetFileStatus: %v", err)
		}
		if fs != nil && fs.Status == store.StatusIndexed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("file was not indexed in time")
}

func TestQueueSkipsUpToDateFile(t *testing.T) {
	s := newTestStore(t)
	eq := equeue.New(equeue.Options{Pool: &fixedPool{dim: 8}, Writer: s})
	defer eq.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("static content."), 0o644); err != nil {
		t.Fatal(err)
	}

	var skipped int
	fq := New(Options{
		Concurrency:   1,
		Registry:      parser.NewRegistry(parser.Options{}),
		ChunkOpts:     chunker.DefaultOptions(),
		Store:         s,
		Embed:         eq,
		OnFileSkipped: func(string) { skipped++ },
	})
	defer fq.Close()

	fq.Submit(path, false)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fs, _ := s.GetFileStatus(context.Background(), path)
		if fs != nil && fs.Status == store.StatusIndexed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fq.Submit(path, false)
	deadline = time.Now().Add(2 * time.Second)
	for skipped == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if skipped == 0 {
		t.Fatal("expected second submit of an unchanged file to be skipped")
	}
}
