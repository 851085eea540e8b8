package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1.0
	return v
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{
		DBPath:    filepath.Join(dir, "index.db"),
		GraphPath: filepath.Join(dir, "index.hnsw"),
		Dim:       8,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexFileThenSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []ChunkInput{
		{ChunkIdx: 0, Page: 1, Offset: 0, Text: "first chunk text"},
		{ChunkIdx: 1, Page: 1, Offset: 20, Text: "second chunk text"},
	}
	vectors := [][]float32{unitVec(8, 0), unitVec(8, 1)}

	if err := s.IndexFile(ctx, "/docs/a.txt", "a", time.Now(), 1, "hash1", chunks, vectors); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	hits, err := s.Search(ctx, unitVec(8, 0), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one search hit")
	}
	if hits[0].Path != "/docs/a.txt" {
		t.Errorf("expected path /docs/a.txt, got %s", hits[0].Path)
	}

	fs, err := s.GetFileStatus(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatalf("GetFileStatus: %v", err)
	}
	if fs == nil || fs.Status != StatusIndexed || fs.ChunkCount != 2 {
		t.Fatalf("unexpected file status: %+v", fs)
	}
}

func TestReindexReplacesChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []ChunkInput{{ChunkIdx: 0, Page: 1, Text: "version one"}}
	if err := s.IndexFile(ctx, "/docs/b.txt", "b", time.Now(), 1, "h1", first, [][]float32{unitVec(8, 2)}); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	second := []ChunkInput{
		{ChunkIdx: 0, Page: 1, Text: "version two part one"},
		{ChunkIdx: 1, Page: 1, Text: "version two part two"},
	}
	if err := s.IndexFile(ctx, "/docs/b.txt", "b", time.Now(), 1, "h2", second, [][]float32{unitVec(8, 3), unitVec(8, 4)}); err != nil {
		t.Fatalf("IndexFile (reindex): %v", err)
	}

	fs, err := s.GetFileStatus(ctx, "/docs/b.txt")
	if err != nil {
		t.Fatalf("GetFileStatus: %v", err)
	}
	if fs.ChunkCount != 2 {
		t.Fatalf("expected chunk_count 2 after reindex, got %d", fs.ChunkCount)
	}

	var liveCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE path = ? AND deleted_at IS NULL`, "/docs/b.txt").Scan(&liveCount); err != nil {
		t.Fatal(err)
	}
	if liveCount != 2 {
		t.Fatalf("expected 2 live rows after reindex, got %d", liveCount)
	}
}

func TestDeleteFileRemovesLedgerAndTombstonesChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []ChunkInput{{ChunkIdx: 0, Page: 1, Text: "to be deleted"}}
	if err := s.IndexFile(ctx, "/docs/c.txt", "c", time.Now(), 1, "h", chunks, [][]float32{unitVec(8, 5)}); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	if err := s.DeleteFile(ctx, "/docs/c.txt"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	fs, err := s.GetFileStatus(ctx, "/docs/c.txt")
	if err != nil {
		t.Fatalf("GetFileStatus: %v", err)
	}
	if fs != nil {
		t.Fatalf("expected no file_status row after delete, got %+v", fs)
	}

	hits, err := s.Search(ctx, unitVec(8, 5), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.Path == "/docs/c.txt" {
			t.Fatalf("expected deleted file's chunks to be excluded from search, got %+v", h)
		}
	}
}

func TestCompactReclaimsTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		path := filepath.Join("/docs", string(rune('d'+i))+".txt")
		chunks := []ChunkInput{{ChunkIdx: 0, Page: 1, Text: "doc content"}}
		if err := s.IndexFile(ctx, path, "doc", time.Now(), 1, "h", chunks, [][]float32{unitVec(8, i)}); err != nil {
			t.Fatalf("IndexFile: %v", err)
		}
	}
	if err := s.DeleteFile(ctx, filepath.Join("/docs", "d.txt")); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	if err := s.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected 2 rows remaining after compact, got %d", total)
	}
	if s.graph.Len() != 2 {
		t.Fatalf("expected graph to have 2 nodes after compact, got %d", s.graph.Len())
	}
}
