// Package search implements the query path: embed the query once with
// the asymmetric retrieval prefix, ANN-search the vector store, and
// project results to the caller-facing shape.
package search

import (
	"context"
	"strings"

	"github.com/meridian-search/meridian/internal/store"
)

// Embedder is the subset of *embed.Embedder (or *embedpool.Pool via a
// single-request wrapper) the search service depends on.
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Store is the subset of *store.Store the search service depends on.
type Store interface {
	Search(ctx context.Context, vector []float32, k int) ([]store.SearchHit, error)
}

// Result is one ranked match, the caller-facing projection of a
// store.SearchHit.
type Result struct {
	ID     int64
	Path   string
	Title  string
	Page   int
	Offset int64
	Text   string
	Score  float32
}

// Service answers natural-language queries against the index.
type Service struct {
	embed Embedder
	store Store
}

// New builds a Service.
func New(embed Embedder, store Store) *Service {
	return &Service{embed: embed, store: store}
}

// Query embeds text and returns up to k ranked results. An empty query
// (or k <= 0) short-circuits to an empty result set without touching
// the embedder or the store's ANN search. An empty index also yields an
// empty result set, after the query has been embedded and searched.
func (s *Service) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if strings.TrimSpace(text) == "" || k <= 0 {
		return nil, nil
	}

	vec, err := s.embed.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{
			ID:     h.ID,
			Path:   h.Path,
			Title:  h.Title,
			Page:   h.Page,
			Offset: h.Offset,
			Text:   h.Text,
			Score:  h.Score,
		}
	}
	return out, nil
}
