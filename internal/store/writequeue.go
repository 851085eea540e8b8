package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meridian-search/meridian/internal/apperr"
	"github.com/meridian-search/meridian/internal/hnsw"
)

var errMismatchedChunksVectors = errors.New("chunks and vectors length mismatch")

// writeQueue is the single-writer serializer for chunks and
// file_status: each enqueued task is {kind, payload} and a
// background goroutine drains them one at a time, so the database
// handle and the HNSW graph are each mutated by exactly one task at a
// time. Readers (Search) may run concurrently via the graph's RWMutex
// and SQLite's own concurrent-reader support under WAL.
type writeQueue struct {
	tasks     chan writeTask
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type writeTask struct {
	kind string
	fn   func(ctx context.Context) error
	done chan error
}

func newWriteQueue(s *Store) *writeQueue {
	q := &writeQueue{tasks: make(chan writeTask, 256)}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *writeQueue) run() {
	defer q.wg.Done()
	for t := range q.tasks {
		t.done <- t.fn(context.Background())
	}
}

func (q *writeQueue) submit(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case q.tasks <- writeTask{kind: kind, fn: fn, done: done}:
	case <-ctx.Done():
		return apperr.ErrCancelled
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperr.ErrCancelled
	}
}

func (q *writeQueue) close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
		q.wg.Wait()
	})
}

// ChunkInput is one chunk awaiting write, paired by index with its
// embedding vector.
type ChunkInput struct {
	ChunkIdx int
	Page     int
	Offset   int64
	Text     string
}

// IndexFile performs the insert path for one file: delete_by_path,
// insert_chunks, upsert_status, in that order. If insert_chunks fails
// after delete_by_path succeeded, the file's
// status becomes "error" and no chunks are visible for it until the
// next re-index — never a partial set.
func (s *Store) IndexFile(ctx context.Context, path, title string, mtime time.Time, parserVersion int, fileHash string, chunks []ChunkInput, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return apperr.NewDbError(apperr.DbFatal, errMismatchedChunksVectors)
	}

	if err := s.deleteByPath(ctx, path); err != nil {
		return err
	}

	ids, insertErr := s.insertChunks(ctx, path, title, mtime, chunks, vectors)

	status := StatusIndexed
	chunkCount := len(ids)
	errMsg := ""
	if insertErr != nil {
		status = StatusError
		chunkCount = 0
		errMsg = insertErr.Error()
	}

	if err := s.upsertStatus(ctx, FileStatus{
		Path:          path,
		Status:        status,
		ParserVersion: parserVersion,
		ChunkCount:    chunkCount,
		ErrorMessage:  errMsg,
		LastModified:  mtime,
		FileHash:      fileHash,
	}); err != nil {
		return err
	}

	return insertErr
}

// deleteByPath tombstones every live chunk row for path (the graph is
// append-only, so rows are soft-deleted; Compact reclaims them).
func (s *Store) deleteByPath(ctx context.Context, path string) error {
	return s.queue.submit(ctx, "delete_by_path", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE path = ? AND deleted_at IS NULL`, path)
		if err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperr.NewDbError(apperr.DbTransient, err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := s.db.ExecContext(ctx,
			`UPDATE chunks SET deleted_at = CURRENT_TIMESTAMP WHERE path = ? AND deleted_at IS NULL`, path); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}

		s.tombstonesMu.Lock()
		for _, id := range ids {
			s.tombstones[uint32(id)] = true
		}
		s.tombstonesMu.Unlock()
		return nil
	})
}

// insertChunks assigns each chunk the HNSW id its vector receives on
// Insert, then writes the matching rows in one SQL transaction so
// either all rows become visible or none do.
func (s *Store) insertChunks(ctx context.Context, path, title string, mtime time.Time, chunks []ChunkInput, vectors [][]float32) ([]int64, error) {
	var ids []int64
	err := s.queue.submit(ctx, "insert_chunks", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}

		s.graphMu.Lock()
		defer s.graphMu.Unlock()

		now := time.Now().UTC()
		for i, c := range chunks {
			id := int64(s.graph.Len())
			s.graph.Insert(vectors[i])

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (id, path, chunk_index, title, page, offset_bytes, text, mtime, indexed_at, deleted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
			`, id, path, c.ChunkIdx, title, c.Page, c.Offset, c.Text, mtime, now); err != nil {
				tx.Rollback()
				// The just-inserted graph vectors for this batch are now
				// orphaned (no matching row); they simply never surface
				// since Search requires a live row join. Compact reclaims
				// the wasted graph space later.
				return apperr.NewDbError(apperr.DbTransient, err)
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// upsertStatus writes the file_status ledger row for path.
func (s *Store) upsertStatus(ctx context.Context, fs FileStatus) error {
	return s.queue.submit(ctx, "upsert_status", func(ctx context.Context) error {
		var indexedAt, lastRetry interface{}
		now := time.Now().UTC()
		if fs.Status == StatusIndexed {
			indexedAt = now
		}
		if fs.Status == StatusError || fs.Status == StatusFailed {
			lastRetry = now
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO file_status (path, status, parser_version, chunk_count, error_message, last_modified, indexed_at, last_retry, file_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				status = excluded.status,
				parser_version = excluded.parser_version,
				chunk_count = excluded.chunk_count,
				error_message = excluded.error_message,
				last_modified = excluded.last_modified,
				indexed_at = COALESCE(excluded.indexed_at, file_status.indexed_at),
				last_retry = COALESCE(excluded.last_retry, file_status.last_retry),
				file_hash = excluded.file_hash
		`, fs.Path, fs.Status, fs.ParserVersion, fs.ChunkCount, nullIfEmpty(fs.ErrorMessage),
			fs.LastModified, indexedAt, lastRetry, fs.FileHash)
		if err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		return nil
	})
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// BeginFile tombstones any existing rows for path. Callers that must
// stream a file's chunks across several embedding batches (the
// embedding queue) call this once before the first AppendChunks, so
// the whole file is replaced atomically from the reader's point of
// view even though the writes themselves land in pieces.
func (s *Store) BeginFile(ctx context.Context, path string) error {
	return s.deleteByPath(ctx, path)
}

// AppendChunks writes one batch of a file's chunks without touching
// file_status; the caller calls FinishFile once all of a file's
// batches have been appended (or have failed permanently).
func (s *Store) AppendChunks(ctx context.Context, path, title string, mtime time.Time, chunks []ChunkInput, vectors [][]float32) ([]int64, error) {
	if len(chunks) != len(vectors) {
		return nil, apperr.NewDbError(apperr.DbFatal, errMismatchedChunksVectors)
	}
	return s.insertChunks(ctx, path, title, mtime, chunks, vectors)
}

// FinishFile writes the file_status ledger row once a file's chunks
// (across one or more AppendChunks calls) have all been attempted.
func (s *Store) FinishFile(ctx context.Context, fs FileStatus) error {
	return s.upsertStatus(ctx, fs)
}

// DeleteFile fully removes a file's chunk rows and ledger entry, used
// when the watcher observes the file itself was deleted (as opposed
// to re-indexed).
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	if err := s.deleteByPath(ctx, path); err != nil {
		return err
	}
	return s.queue.submit(ctx, "delete_status", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM file_status WHERE path = ?`, path); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		return nil
	})
}

// Compact rebuilds the HNSW graph from only its live (non-tombstoned)
// nodes and renumbers their chunk rows to match, reclaiming the space
// tombstones otherwise waste forever in an append-only graph. This is
// never run automatically — callers invoke it explicitly (e.g. a
// "rebuild" command) since it touches the whole index.
func (s *Store) Compact(ctx context.Context) error {
	return s.queue.submit(ctx, "compact", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM chunks WHERE deleted_at IS NULL ORDER BY id ASC`)
		if err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}
		var liveIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperr.NewDbError(apperr.DbTransient, err)
			}
			liveIDs = append(liveIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}

		s.graphMu.Lock()
		defer s.graphMu.Unlock()

		newGraph := hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}

		// Tombstoned rows go first so renumbered live rows can take
		// their ids without a primary-key conflict.
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE deleted_at IS NOT NULL`); err != nil {
			tx.Rollback()
			return apperr.NewDbError(apperr.DbTransient, err)
		}

		for _, oldID := range liveIDs {
			vec, ok := s.graph.Vector(uint32(oldID))
			if !ok {
				continue
			}
			newID := int64(newGraph.Len())
			newGraph.Insert(vec)
			if newID != oldID {
				if _, err := tx.ExecContext(ctx, `UPDATE chunks SET id = ? WHERE id = ?`, newID, oldID); err != nil {
					tx.Rollback()
					return apperr.NewDbError(apperr.DbTransient, err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return apperr.NewDbError(apperr.DbTransient, err)
		}

		s.graph = newGraph
		s.tombstonesMu.Lock()
		s.tombstones = make(map[uint32]bool)
		s.tombstonesMu.Unlock()

		return s.graph.Save(s.graphPath)
	})
}
