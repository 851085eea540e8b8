// Package filequeue is the file queue: a bounded worker pool that
// parses and chunks files off the main
// scan/watch goroutines, then pushes the resulting chunks into the
// embedding queue, which applies its own backpressure independently.
package filequeue

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meridian-search/meridian/internal/chunker"
	"github.com/meridian-search/meridian/internal/equeue"
	"github.com/meridian-search/meridian/internal/parser"
	"github.com/meridian-search/meridian/internal/reindex"
	"github.com/meridian-search/meridian/internal/store"
)

func extOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

func titleOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Options configures a Queue.
type Options struct {
	// Concurrency bounds how many files parse at once; spec's
	// cpu_concurrency.
	Concurrency int
	Registry    *parser.Registry
	ChunkOpts   chunker.Options
	Store       *store.Store
	Embed       *equeue.Queue
	Logger      *slog.Logger

	// OnFileSkipped is called when a path is up to date and needs no
	// work (never reaches parsing).
	OnFileSkipped func(path string)
}

func resolveOptions(opts Options) Options {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

type job struct {
	path     string
	fileIdx  int
	priority bool
}

// Queue parses files off a bounded worker pool, retrying
// should_reindex logic per file so duplicate scan/watch submissions
// are cheap no-ops.
type Queue struct {
	opts Options

	mu       sync.Mutex
	normal   []job
	priority []job
	notEmpty *sync.Cond
	closed   bool
	paused   bool

	nextFileIdx int

	wg sync.WaitGroup
}

// Pause stops workers from picking up new jobs; in-flight files finish
// normally. Resume wakes them back up.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// New starts opts.Concurrency worker goroutines.
func New(opts Options) *Queue {
	opts = resolveOptions(opts)
	q := &Queue{opts: opts}
	q.notEmpty = sync.NewCond(&q.mu)

	for i := 0; i < opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues path. priority=true prepends ahead of normal scan
// work (reindex startup sweep, failed-file retries).
func (q *Queue) Submit(path string, priority bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	j := job{path: path, fileIdx: q.nextFileIdx, priority: priority}
	q.nextFileIdx++
	if priority {
		q.priority = append(q.priority, job{})
		copy(q.priority[1:], q.priority[:len(q.priority)-1])
		q.priority[0] = j
	} else {
		q.normal = append(q.normal, j)
	}
	q.notEmpty.Signal()
	return nil
}

// Close stops accepting new work and waits for in-flight files to
// finish parsing (already-dispatched embedding batches are not waited
// on; callers drain equeue.Queue separately).
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		j, ok := q.next()
		if !ok {
			return
		}
		q.process(j)
	}
}

func (q *Queue) next() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.paused || (len(q.priority) == 0 && len(q.normal) == 0) {
		if q.closed {
			return job{}, false
		}
		q.notEmpty.Wait()
		if q.closed && len(q.priority) == 0 && len(q.normal) == 0 {
			return job{}, false
		}
	}
	if len(q.priority) > 0 {
		j := q.priority[0]
		q.priority = q.priority[1:]
		return j, true
	}
	j := q.normal[0]
	q.normal = q.normal[1:]
	return j, true
}

func (q *Queue) process(j job) {
	ctx := context.Background()
	log := q.opts.Logger.With("path", j.path)

	hash, err := reindex.StatFileHash(j.path)
	if err != nil {
		// The file vanished between being enqueued and processed; treat
		// like a delete rather than a parse failure.
		if derr := q.opts.Store.DeleteFile(ctx, j.path); derr != nil {
			log.Error("failed to remove ledger row for missing file", "error", derr)
		}
		return
	}

	status, err := q.opts.Store.GetFileStatus(ctx, j.path)
	if err != nil {
		log.Error("failed to read file status", "error", err)
		return
	}

	ext := extOf(j.path)
	currentVersion := q.opts.Registry.CurrentVersion(ext)
	if currentVersion == 0 {
		return // unsupported or disabled extension
	}

	if !reindex.ShouldReindex(status, hash, currentVersion, time.Now()) {
		if q.opts.OnFileSkipped != nil {
			q.opts.OnFileSkipped(j.path)
		}
		return
	}

	result, err := parser.ParseFile(ctx, q.opts.Registry, j.path)
	if err != nil {
		log.Warn("parse failed, recording as failed without entering the embedding queue", "error", err)
		if merr := q.opts.Store.MarkFailed(ctx, j.path, currentVersion, hash, err); merr != nil {
			log.Error("failed to record parse failure", "error", merr)
		}
		return
	}

	inputs := chunkPages(result, q.opts.ChunkOpts)
	title := titleOf(j.path)
	mtime := time.Now()

	if len(inputs) == 0 {
		// Parsed successfully but produced no text worth indexing
		// (e.g. a blank file) — indexed with zero chunks, not an error.
		if err := q.opts.Store.BeginFile(ctx, j.path); err != nil {
			log.Error("failed to clear previous chunks", "error", err)
			return
		}
		if err := q.opts.Store.FinishFile(ctx, store.FileStatus{
			Path: j.path, Status: store.StatusIndexed, ParserVersion: currentVersion,
			ChunkCount: 0, LastModified: mtime, FileHash: hash,
		}); err != nil {
			log.Error("failed to write file status", "error", err)
		}
		return
	}

	if _, err := q.opts.Embed.AddChunks(ctx, j.path, j.fileIdx, title, mtime, currentVersion, hash, inputs); err != nil {
		log.Error("failed to enqueue chunks for embedding", "error", err)
	}
}

// chunkPages chunks each page independently — per-page input for PDF,
// whole-document for flat formats that already arrive as a single
// page — assigning a chunk index that runs continuously across pages.
func chunkPages(result *parser.ParseResult, opts chunker.Options) []equeue.ChunkInput {
	var out []equeue.ChunkInput
	idx := 0
	for _, page := range result.Pages {
		for _, c := range chunker.ChunkText(page.Text, opts) {
			out = append(out, equeue.ChunkInput{
				ChunkIndex: idx,
				Page:       page.Number,
				Offset:     int64(c.Offset),
				Text:       c.Text,
			})
			idx++
		}
	}
	return out
}
