package search

import (
	"context"
	"testing"

	"github.com/meridian-search/meridian/internal/store"
)

type fakeEmbedder struct {
	vec   []float32
	calls int
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

type fakeStore struct {
	hits []store.SearchHit
}

func (f *fakeStore) Search(ctx context.Context, vector []float32, k int) ([]store.SearchHit, error) {
	return f.hits, nil
}

func TestQueryProjectsHits(t *testing.T) {
	st := &fakeStore{hits: []store.SearchHit{
		{ID: 1, Path: "/a.txt", Title: "a", Page: 1, Offset: 0, Text: "hello", Score: 0.9},
	}}
	svc := New(&fakeEmbedder{vec: []float32{1, 0}}, st)

	results, err := svc.Query(context.Background(), "hello world", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Path != "/a.txt" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestQueryEmptyTextShortCircuits(t *testing.T) {
	embedder := &fakeEmbedder{}
	svc := New(embedder, &fakeStore{})

	results, err := svc.Query(context.Background(), "   ", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results for empty query, got %v", results)
	}
	if embedder.calls != 0 {
		t.Fatal("expected embedder not to be called for an empty query")
	}
}

func TestQueryZeroKShortCircuits(t *testing.T) {
	embedder := &fakeEmbedder{}
	svc := New(embedder, &fakeStore{})

	if _, err := svc.Query(context.Background(), "hello", 0); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if embedder.calls != 0 {
		t.Fatal("expected embedder not to be called when k<=0")
	}
}
