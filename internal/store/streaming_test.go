package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginAppendFinishStreamsAcrossBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := "/docs/streamed.txt"
	require.NoError(t, s.BeginFile(ctx, path))

	firstBatch := []ChunkInput{{ChunkIdx: 0, Page: 1, Text: "batch one chunk"}}
	_, err := s.AppendChunks(ctx, path, "streamed", time.Now(), firstBatch, [][]float32{unitVec(8, 0)})
	require.NoError(t, err)

	secondBatch := []ChunkInput{{ChunkIdx: 1, Page: 1, Text: "batch two chunk"}}
	_, err = s.AppendChunks(ctx, path, "streamed", time.Now(), secondBatch, [][]float32{unitVec(8, 1)})
	require.NoError(t, err)

	require.NoError(t, s.FinishFile(ctx, FileStatus{
		Path: path, Status: StatusIndexed, ParserVersion: 1, ChunkCount: 2, FileHash: "h",
	}))

	fs, err := s.GetFileStatus(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, fs)
	require.Equal(t, StatusIndexed, fs.Status)
	require.Equal(t, 2, fs.ChunkCount)

	var liveCount int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE path = ? AND deleted_at IS NULL`, path).Scan(&liveCount))
	require.Equal(t, 2, liveCount)
}

func TestAppendChunksRejectsMismatchedLengths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AppendChunks(ctx, "/docs/bad.txt", "bad", time.Now(),
		[]ChunkInput{{ChunkIdx: 0, Page: 1, Text: "only one vector expected"}},
		[][]float32{unitVec(8, 0), unitVec(8, 1)})
	require.Error(t, err)
}

func TestMarkOutdatedAndMarkFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []ChunkInput{{ChunkIdx: 0, Page: 1, Text: "indexed content"}}
	require.NoError(t, s.IndexFile(ctx, "/docs/e.txt", "e", time.Now(), 1, "h", chunks, [][]float32{unitVec(8, 0)}))

	require.NoError(t, s.MarkOutdated(ctx, "/docs/e.txt"))
	fs, err := s.GetFileStatus(ctx, "/docs/e.txt")
	require.NoError(t, err)
	require.Equal(t, StatusOutdated, fs.Status)

	require.NoError(t, s.MarkFailed(ctx, "/docs/f.txt", 1, "h2", errors.New("parse error: truncated file")))
	fs, err = s.GetFileStatus(ctx, "/docs/f.txt")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, fs.Status)
	require.Equal(t, "parse error: truncated file", fs.ErrorMessage)
}

func TestAllFileStatusListsEveryRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []ChunkInput{{ChunkIdx: 0, Page: 1, Text: "x"}}
	require.NoError(t, s.IndexFile(ctx, "/docs/g.txt", "g", time.Now(), 1, "h", chunks, [][]float32{unitVec(8, 0)}))
	require.NoError(t, s.IndexFile(ctx, "/docs/h.txt", "h", time.Now(), 1, "h", chunks, [][]float32{unitVec(8, 1)}))

	all, err := s.AllFileStatus(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
