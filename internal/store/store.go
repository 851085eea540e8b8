// Package store is the vector store and file-status ledger.
// Chunk text and metadata live in SQLite; chunk vectors live in an
// in-memory HNSW graph persisted to a companion binary snapshot. The
// two are kept in lockstep by assigning each chunks row the same
// sequential id the graph assigns on Insert — both only ever grow
// through the single-writer queue in writequeue.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridian-search/meridian/internal/apperr"
	"github.com/meridian-search/meridian/internal/hnsw"
)

// Chunk is one persisted chunk record.
type Chunk struct {
	ID       int64
	Path     string
	ChunkIdx int
	Title    string
	Page     int
	Offset   int64
	Text     string
	Mtime    time.Time
}

// SearchHit is a scored chunk returned from Search.
type SearchHit struct {
	ID     int64
	Path   string
	Title  string
	Page   int
	Offset int64
	Text   string
	Score  float32
}

// FileStatus mirrors the file_status ledger row.
type FileStatus struct {
	Path          string
	Status        string // queued | indexed | failed | error | outdated
	ParserVersion int
	ChunkCount    int
	ErrorMessage  string
	LastModified  time.Time
	IndexedAt     time.Time
	LastRetry     time.Time
	FileHash      string
}

const (
	StatusQueued   = "queued"
	StatusIndexed  = "indexed"
	StatusFailed   = "failed"
	StatusError    = "error"
	StatusOutdated = "outdated"
)

// Store owns the SQLite handle, the HNSW graph, and the write queue
// that serializes all mutation of both.
type Store struct {
	db        *sql.DB
	dim       int
	graphPath string

	graphMu sync.RWMutex
	graph   *hnsw.Graph

	tombstones   map[uint32]bool
	tombstonesMu sync.RWMutex

	queue *writeQueue
}

// Options configures Open.
type Options struct {
	// DBPath is the SQLite database file.
	DBPath string
	// GraphPath is the HNSW binary snapshot, saved alongside DBPath.
	GraphPath string
	// Dim is the embedding dimension (384 for BGE-small-en-v1.5).
	Dim int
}

// Open opens (or creates) the SQLite database and loads the HNSW
// snapshot if one exists, else starts an empty graph.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dir := filepath.Dir(opts.DBPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.NewDbError(apperr.DbFatal, fmt.Errorf("creating db directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite3", opts.DBPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, apperr.NewDbError(apperr.DbFatal, fmt.Errorf("opening database: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.NewDbError(apperr.DbFatal, fmt.Errorf("pinging database: %w", err))
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, apperr.NewDbError(apperr.DbSchema, fmt.Errorf("creating schema: %w", err))
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:         db,
		dim:        opts.Dim,
		graphPath:  opts.GraphPath,
		tombstones: make(map[uint32]bool),
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, apperr.NewDbError(apperr.DbSchema, fmt.Errorf("running migrations: %w", err))
	}

	g, err := hnsw.Load(opts.GraphPath)
	if err != nil {
		g = hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
	}
	s.graph = g

	if err := s.loadTombstones(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.queue = newWriteQueue(s)
	return s, nil
}

// Close drains the write queue, persists the graph snapshot, and
// closes the database handle.
func (s *Store) Close() error {
	s.DrainWrites()
	return s.CloseDB()
}

// DrainWrites blocks until every queued write has been applied and no
// more are accepted (callers typically wrap this in a timeout).
func (s *Store) DrainWrites() {
	s.queue.close()
}

// CloseDB persists the graph snapshot and closes the database handle.
// Call DrainWrites first so no writer goroutine is still touching the
// graph or db.
func (s *Store) CloseDB() error {
	s.graphMu.RLock()
	err := s.graph.Save(s.graphPath)
	s.graphMu.RUnlock()
	if err != nil {
		return fmt.Errorf("saving graph snapshot: %w", err)
	}
	return s.db.Close()
}

func (s *Store) loadTombstones(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return apperr.NewDbError(apperr.DbTransient, err)
	}
	defer rows.Close()

	s.tombstonesMu.Lock()
	defer s.tombstonesMu.Unlock()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		s.tombstones[uint32(id)] = true
	}
	return rows.Err()
}

func (s *Store) isTombstoned(id uint32) bool {
	s.tombstonesMu.RLock()
	defer s.tombstonesMu.RUnlock()
	return s.tombstones[id]
}

// Search embeds nothing itself — callers pass an already-embedded
// query vector. It ANN-searches the graph, skipping tombstoned ids,
// then joins the surviving ids against chunks for display fields.
// Deterministic tie-break: equal scores order by (path, offset).
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}

	s.graphMu.RLock()
	results := s.graph.SearchFiltered(vector, k, s.isTombstoned)
	s.graphMu.RUnlock()

	if len(results) == 0 {
		return nil, nil
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		row := s.db.QueryRowContext(ctx,
			`SELECT path, title, page, offset_bytes, text FROM chunks WHERE id = ? AND deleted_at IS NULL`,
			r.ID)
		var path, title, text string
		var page int
		var offset int64
		if err := row.Scan(&path, &title, &page, &offset, &text); err != nil {
			if err == sql.ErrNoRows {
				continue // graph and table momentarily out of sync; skip
			}
			return nil, apperr.NewDbError(apperr.DbTransient, err)
		}
		hits = append(hits, SearchHit{
			ID:     int64(r.ID),
			Path:   path,
			Title:  title,
			Page:   page,
			Offset: offset,
			Text:   text,
			Score:  r.Score,
		})
	}

	sortHitsStable(hits)
	return hits, nil
}

// sortHitsStable orders by score descending, breaking ties by
// (path, offset) for deterministic results across runs.
func sortHitsStable(hits []SearchHit) {
	for i := 1; i < len(hits); i++ {
		j := i
		for j > 0 && less(hits[j], hits[j-1]) {
			hits[j], hits[j-1] = hits[j-1], hits[j]
			j--
		}
	}
}

func less(a, b SearchHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.Offset < b.Offset
}

// GetFileStatus returns the ledger row for path, or nil if unseen.
func (s *Store) GetFileStatus(ctx context.Context, path string) (*FileStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, status, parser_version, chunk_count, error_message,
		       last_modified, indexed_at, last_retry, file_hash
		FROM file_status WHERE path = ?`, path)

	var fs FileStatus
	var errMsg sql.NullString
	var lastMod, indexedAt, lastRetry sql.NullTime
	if err := row.Scan(&fs.Path, &fs.Status, &fs.ParserVersion, &fs.ChunkCount,
		&errMsg, &lastMod, &indexedAt, &lastRetry, &fs.FileHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.NewDbError(apperr.DbTransient, err)
	}
	fs.ErrorMessage = errMsg.String
	fs.LastModified = lastMod.Time
	fs.IndexedAt = indexedAt.Time
	fs.LastRetry = lastRetry.Time
	return &fs, nil
}

// AllFileStatus returns every file_status row, for the reindex
// service's startup sweep.
func (s *Store) AllFileStatus(ctx context.Context) ([]FileStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, status, parser_version, chunk_count, error_message,
		       last_modified, indexed_at, last_retry, file_hash
		FROM file_status`)
	if err != nil {
		return nil, apperr.NewDbError(apperr.DbTransient, err)
	}
	defer rows.Close()

	var out []FileStatus
	for rows.Next() {
		var fs FileStatus
		var errMsg sql.NullString
		var lastMod, indexedAt, lastRetry sql.NullTime
		if err := rows.Scan(&fs.Path, &fs.Status, &fs.ParserVersion, &fs.ChunkCount,
			&errMsg, &lastMod, &indexedAt, &lastRetry, &fs.FileHash); err != nil {
			return nil, apperr.NewDbError(apperr.DbTransient, err)
		}
		fs.ErrorMessage = errMsg.String
		fs.LastModified = lastMod.Time
		fs.IndexedAt = indexedAt.Time
		fs.LastRetry = lastRetry.Time
		out = append(out, fs)
	}
	return out, rows.Err()
}

// MarkOutdated flips a file's status to "outdated" without touching
// its chunk rows, used when a parser-version bump makes the existing
// chunks stale but still usable until the reindex completes.
func (s *Store) MarkOutdated(ctx context.Context, path string) error {
	return s.queue.submit(ctx, "mark_outdated", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE file_status SET status = ? WHERE path = ?`, StatusOutdated, path)
		if err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		return nil
	})
}

// MarkFailed records a permanent-for-file parsing failure directly in
// the ledger, before the file ever reaches the embedding queue.
func (s *Store) MarkFailed(ctx context.Context, path string, parserVersion int, fileHash string, cause error) error {
	return s.upsertStatus(ctx, FileStatus{
		Path:          path,
		Status:        StatusFailed,
		ParserVersion: parserVersion,
		FileHash:      fileHash,
		ErrorMessage:  cause.Error(),
		LastModified:  time.Now().UTC(),
	})
}

// Stats summarizes the index for the orchestrator's stats command.
type Stats struct {
	TotalChunks    int
	IndexedFiles   int
	PerFolderCount map[string]int
}

func (s *Store) ComputeStats(ctx context.Context) (*Stats, error) {
	st := &Stats{PerFolderCount: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE deleted_at IS NULL`).Scan(&st.TotalChunks); err != nil {
		return nil, apperr.NewDbError(apperr.DbTransient, err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_status WHERE status = ?`, StatusIndexed).Scan(&st.IndexedFiles); err != nil {
		return nil, apperr.NewDbError(apperr.DbTransient, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path FROM file_status WHERE status = ?`, StatusIndexed)
	if err != nil {
		return nil, apperr.NewDbError(apperr.DbTransient, err)
	}
	defer rows.Close()
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, apperr.NewDbError(apperr.DbTransient, err)
		}
		st.PerFolderCount[filepath.Dir(path)]++
	}
	return st, rows.Err()
}
