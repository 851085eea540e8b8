// Package equeue implements the embedding queue: the buffer between
// files being chunked and the embedder pool. It owns
// dynamic batch assembly, the per-file completion bookkeeping, and
// recovery of batches caught mid-flight by a worker restart.
package equeue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-search/meridian/internal/apperr"
	"github.com/meridian-search/meridian/internal/chunker"
	"github.com/meridian-search/meridian/internal/store"
)

const (
	// DefaultMaxQueueSize bounds how many unprocessed chunks may sit in
	// the queue before AddChunks blocks its caller (backpressure).
	DefaultMaxQueueSize = 4000
	// DefaultMaxTokensPerBatch caps a dynamically assembled batch's
	// estimated token count.
	DefaultMaxTokensPerBatch = 8000
	// DefaultMaxChunksPerBatch caps a batch's chunk count regardless of
	// token estimate, so one embed call can't pin a worker indefinitely.
	DefaultMaxChunksPerBatch = 32
	// DefaultMaxRetries bounds how many times a chunk re-enters the
	// queue after a transient failure before it is dropped.
	DefaultMaxRetries = 3
	// DefaultMaxConcurrentBatches bounds how many batches may be
	// outstanding against the pool at once, matching the pool's maximum
	// worker count so every worker can have a batch in flight.
	DefaultMaxConcurrentBatches = 4
)

// Embedder is the subset of *embedpool.Pool the queue depends on.
type Embedder interface {
	EmbedOn(ctx context.Context, texts []string, isQuery bool) ([][]float32, int, error)
}

// Writer is the subset of *store.Store the queue depends on to persist
// a batch's results.
type Writer interface {
	BeginFile(ctx context.Context, path string) error
	AppendChunks(ctx context.Context, path, title string, mtime time.Time, chunks []store.ChunkInput, vectors [][]float32) ([]int64, error)
	FinishFile(ctx context.Context, fs store.FileStatus) error
}

// ChunkInput is one chunk a producer (the file queue) hands to
// AddChunks, before it has been batched or embedded.
type ChunkInput struct {
	ChunkIndex int
	Page       int
	Offset     int64
	Text       string
}

// queuedChunk is a ChunkInput that has entered the queue, tagged with
// the file tracker it belongs to and its retry count.
type queuedChunk struct {
	tracker    *FileTracker
	chunkIndex int
	page       int
	offset     int64
	text       string
	retryCount int
}

// activeBatch is one outstanding embed request: the chunks it carries
// and which worker index is serving it, so a worker restart can find
// and recover the batches it orphaned.
type activeBatch struct {
	chunks      []*queuedChunk
	workerIndex int
	recovered   bool
}

// Options configures a Queue.
type Options struct {
	MaxQueueSize         int
	MaxTokensPerBatch    int
	MaxChunksPerBatch    int
	MaxRetries           int
	MaxConcurrentBatches int

	Pool   Embedder
	Writer Writer

	// OnFileComplete is invoked once a file's tracker resolves, after
	// its file_status row has been written.
	OnFileComplete func(path string, errs []error)

	Logger *slog.Logger
}

func resolveOptions(opts Options) Options {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.MaxTokensPerBatch <= 0 {
		opts.MaxTokensPerBatch = DefaultMaxTokensPerBatch
	}
	if opts.MaxChunksPerBatch <= 0 {
		opts.MaxChunksPerBatch = DefaultMaxChunksPerBatch
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxConcurrentBatches <= 0 {
		opts.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Queue is the embedding queue. Exactly one consumer goroutine drains
// it; any number of producers call AddChunks concurrently.
type Queue struct {
	opts Options

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	pending  *list.List // of *queuedChunk
	queueLen int
	closed   bool
	closeCh  chan struct{}

	activeMu          sync.Mutex
	activeBatches     map[uint64]*activeBatch
	nextBatchID       uint64
	processingBatches int32

	inFlight chan struct{} // semaphore, capacity MaxConcurrentBatches

	wg sync.WaitGroup
}

// New starts a Queue's consumer loop and returns it ready to accept
// AddChunks calls.
func New(opts Options) *Queue {
	opts = resolveOptions(opts)
	q := &Queue{
		opts:          opts,
		pending:       list.New(),
		activeBatches: make(map[uint64]*activeBatch),
		closeCh:       make(chan struct{}),
		inFlight:      make(chan struct{}, opts.MaxConcurrentBatches),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.run()
	return q
}

// Close stops accepting chunks, lets the consumer loop keep taking
// batches until the queue is empty, and waits for every dispatched
// batch to finish. AddChunks callers blocked on backpressure return
// apperr.ErrCancelled. Chunks requeued for retry after the consumer
// loop has exited are not processed, so their trackers do not resolve.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closeCh)
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

// QueueDepth reports the number of chunks currently buffered, waiting
// to be batched.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueLen
}

// ProcessingBatches reports the number of batches currently dispatched
// to the pool and not yet resolved. Always equals len(activeBatches).
func (q *Queue) ProcessingBatches() int32 {
	return atomic.LoadInt32(&q.processingBatches)
}

// AddChunks enqueues a file's chunks and returns a tracker whose Done
// channel resolves once every chunk has been written or permanently
// dropped. It blocks the caller while the queue is at capacity, unless
// the queue is currently empty (a single oversized file must still be
// able to make progress).
func (q *Queue) AddChunks(ctx context.Context, path string, fileIndex int, title string, mtime time.Time, parserVersion int, fileHash string, inputs []ChunkInput) (*FileTracker, error) {
	tracker := newFileTracker(path, fileIndex, title, mtime, parserVersion, fileHash, len(inputs))
	if len(inputs) == 0 {
		tracker.closeOnce.Do(func() { close(tracker.done) })
		return tracker, nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, apperr.ErrCancelled
	}
	if err := q.waitForSpaceLocked(ctx); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if q.closed {
		q.mu.Unlock()
		return nil, apperr.ErrCancelled
	}
	for _, in := range inputs {
		q.pending.PushBack(&queuedChunk{
			tracker:    tracker,
			chunkIndex: in.ChunkIndex,
			page:       in.Page,
			offset:     in.Offset,
			text:       in.Text,
		})
		q.queueLen++
	}
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	return tracker, nil
}

// waitForSpaceLocked blocks, with q.mu held, until the queue has
// capacity, the queue is empty (escape hatch for a file larger than
// MaxQueueSize on its own), ctx is cancelled, or the queue is closed.
func (q *Queue) waitForSpaceLocked(ctx context.Context) error {
	pred := func() bool {
		return q.closed || q.queueLen == 0 || q.queueLen < q.opts.MaxQueueSize
	}
	if pred() {
		return nil
	}

	done := ctx.Done()
	if done == nil {
		for !pred() {
			q.notFull.Wait()
		}
	} else {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				q.mu.Lock()
				q.notFull.Broadcast()
				q.mu.Unlock()
			case <-stop:
			}
		}()
		for !pred() {
			if err := ctx.Err(); err != nil {
				return err
			}
			q.notFull.Wait()
		}
	}
	if q.closed {
		return apperr.ErrCancelled
	}
	return nil
}

// run is the queue's sole batch-taker: take a dynamically sized batch
// and hand it to its own goroutine, bounded by the inFlight semaphore
// so up to MaxConcurrentBatches batches can sit with the pool at once
// instead of one at a time. This is what lets the pool's several
// worker subprocesses actually run concurrently against one queue.
func (q *Queue) run() {
	defer q.wg.Done()
	for {
		batch := q.takeBatch()
		if batch == nil {
			return
		}
		q.inFlight <- struct{}{}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.inFlight }()
			q.processBatch(batch)
		}()
	}
}

func (q *Queue) takeBatch() []*queuedChunk {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 {
		if q.closed {
			return nil
		}
		q.notEmpty.Wait()
		if q.closed && q.pending.Len() == 0 {
			return nil
		}
	}

	var batch []*queuedChunk
	tokens := 0
	for q.pending.Len() > 0 && len(batch) < q.opts.MaxChunksPerBatch {
		front := q.pending.Front()
		qc := front.Value.(*queuedChunk)
		t := chunker.EstimateTokens(qc.text)
		if len(batch) > 0 && tokens+t > q.opts.MaxTokensPerBatch {
			break
		}
		q.pending.Remove(front)
		q.queueLen--
		batch = append(batch, qc)
		tokens += t
	}
	q.notFull.Broadcast()
	return batch
}

func (q *Queue) processBatch(batch []*queuedChunk) {
	batchID := atomic.AddUint64(&q.nextBatchID, 1)
	q.activeMu.Lock()
	q.activeBatches[batchID] = &activeBatch{chunks: batch, workerIndex: -1}
	atomic.AddInt32(&q.processingBatches, 1)
	q.activeMu.Unlock()

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.text
	}

	ctx := context.Background()
	vecs, workerIdx, err := q.opts.Pool.EmbedOn(ctx, texts, false)

	q.activeMu.Lock()
	if ab, ok := q.activeBatches[batchID]; ok {
		ab.workerIndex = workerIdx
	}
	q.activeMu.Unlock()

	if err == nil {
		err = q.writeBatch(ctx, batch, vecs)
	}

	if !q.retireBatch(batchID) {
		// OnWorkerRestart already reclaimed this batch and requeued its
		// chunks; our own result (success or failure) is stale.
		return
	}

	if err != nil {
		q.requeueOrDrop(batch, err)
		return
	}
	q.markDone(batch, nil)
}

// retireBatch removes batchID from activeBatches unless it was already
// removed by OnWorkerRestart, in which case the caller's result is
// stale and must be discarded to avoid double-counting the chunks.
func (q *Queue) retireBatch(batchID uint64) bool {
	q.activeMu.Lock()
	defer q.activeMu.Unlock()
	ab, ok := q.activeBatches[batchID]
	if !ok || ab.recovered {
		return false
	}
	delete(q.activeBatches, batchID)
	atomic.AddInt32(&q.processingBatches, -1)
	return true
}

// writeBatch groups a batch's chunks by file (a dynamic batch can span
// several files) and appends each group's chunks and vectors in file
// order, calling BeginFile once per file the first time the queue
// writes anything for it.
func (q *Queue) writeBatch(ctx context.Context, batch []*queuedChunk, vecs [][]float32) error {
	type group struct {
		tracker *FileTracker
		idxs    []int
	}
	order := make([]*group, 0, 4)
	byTracker := map[*FileTracker]*group{}
	for i, c := range batch {
		g, ok := byTracker[c.tracker]
		if !ok {
			g = &group{tracker: c.tracker}
			byTracker[c.tracker] = g
			order = append(order, g)
		}
		g.idxs = append(g.idxs, i)
	}

	var firstErr error
	for _, g := range order {
		t := g.tracker
		t.beginOnce.Do(func() { t.beginErr = q.opts.Writer.BeginFile(ctx, t.Path) })
		if t.beginErr != nil {
			if firstErr == nil {
				firstErr = t.beginErr
			}
			continue
		}

		chunks := make([]store.ChunkInput, len(g.idxs))
		vectors := make([][]float32, len(g.idxs))
		for j, i := range g.idxs {
			c := batch[i]
			chunks[j] = store.ChunkInput{ChunkIdx: c.chunkIndex, Page: c.page, Offset: c.offset, Text: c.text}
			vectors[j] = vecs[i]
		}
		if _, err := q.opts.Writer.AppendChunks(ctx, t.Path, t.Title, t.Mtime, chunks, vectors); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// requeueOrDrop implements the three-tier failure taxonomy: transient
// errors (embed timeout/crash, db transient) retry up to MaxRetries by
// re-entering the front of the queue; everything else, and chunks that
// have exhausted their retries, is dropped and logged.
func (q *Queue) requeueOrDrop(batch []*queuedChunk, err error) {
	transient := isTransient(err)

	var retry, drop []*queuedChunk
	for _, c := range batch {
		if transient && c.retryCount < q.opts.MaxRetries {
			c.retryCount++
			retry = append(retry, c)
		} else {
			drop = append(drop, c)
		}
	}

	if len(retry) > 0 {
		q.mu.Lock()
		for i := len(retry) - 1; i >= 0; i-- {
			q.pending.PushFront(retry[i])
			q.queueLen++
		}
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
		q.mu.Unlock()
	}

	if len(drop) > 0 {
		q.opts.Logger.Error("dropping chunks after batch failure", "count", len(drop), "error", err)
		q.markDone(drop, err)
	}
}

// markDone records each chunk in drop/success set as accounted for on
// its file's tracker, firing OnFileComplete and the file_status write
// once a tracker's last chunk lands.
func (q *Queue) markDone(chunks []*queuedChunk, err error) {
	type group struct {
		tracker *FileTracker
		n       int
	}
	byTracker := map[*FileTracker]*group{}
	var order []*group
	for _, c := range chunks {
		g, ok := byTracker[c.tracker]
		if !ok {
			g = &group{tracker: c.tracker}
			byTracker[c.tracker] = g
			order = append(order, g)
		}
		g.n++
	}

	for _, g := range order {
		if g.tracker.complete(g.n, err) {
			q.finishFile(g.tracker)
		}
	}
}

func (q *Queue) finishFile(t *FileTracker) {
	_, _, errs := t.Progress()

	status := store.StatusIndexed
	errMsg := ""
	if len(errs) > 0 {
		status = store.StatusError
		errMsg = joinErrors(errs).Error()
	}

	ctx := context.Background()
	if err := q.opts.Writer.FinishFile(ctx, store.FileStatus{
		Path:          t.Path,
		Status:        status,
		ParserVersion: t.ParserVersion,
		ChunkCount:    t.Succeeded,
		ErrorMessage:  errMsg,
		LastModified:  t.Mtime,
		FileHash:      t.FileHash,
	}); err != nil {
		q.opts.Logger.Error("failed to write file_status after indexing", "path", t.Path, "error", err)
	}

	if q.opts.OnFileComplete != nil {
		q.opts.OnFileComplete(t.Path, errs)
	}
}

// OnWorkerRestart recovers every batch assigned to workerIndex, plus
// every batch not yet assigned to a worker: the pool is about to kill
// that worker, so any request still mid-flight on it would otherwise
// hang until its context deadline. Matching activeBatches entries are
// reclaimed and their chunks requeued immediately.
func (q *Queue) OnWorkerRestart(workerIndex int) {
	q.activeMu.Lock()
	var ids []uint64
	for id, ab := range q.activeBatches {
		// A batch whose EmbedOn call has not returned yet still carries
		// workerIndex -1, so unassigned batches are recovered too.
		if (ab.workerIndex == workerIndex || ab.workerIndex == -1) && !ab.recovered {
			ab.recovered = true
			ids = append(ids, id)
		}
	}
	q.activeMu.Unlock()

	for _, id := range ids {
		q.activeMu.Lock()
		ab := q.activeBatches[id]
		delete(q.activeBatches, id)
		atomic.AddInt32(&q.processingBatches, -1)
		q.activeMu.Unlock()
		if ab == nil {
			continue
		}
		restartErr := apperr.NewEmbedError(apperr.EmbedWorkerCrash,
			fmt.Errorf("embed worker %d restarted mid-batch", workerIndex))
		q.requeueOrDrop(ab.chunks, restartErr)
	}
}

func isTransient(err error) bool {
	var ee *apperr.EmbedError
	if errors.As(err, &ee) {
		return ee.Kind == apperr.EmbedTimeout || ee.Kind == apperr.EmbedWorkerCrash
	}
	var de *apperr.DbError
	if errors.As(err, &de) {
		return de.Kind == apperr.DbTransient
	}
	return false
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
