// Package embedpool owns the embedder worker processes: N self-exec'd
// subprocesses, each hosting one embed.Embedder behind
// the embedworker IPC protocol. Dispatch is round-robin over ready
// workers; dead workers are respawned in place and reported via
// OnWorkerRestart so the embedding queue can recover in-flight batches.
package embedpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-search/meridian/internal/apperr"
	"github.com/meridian-search/meridian/internal/embedworker"
)

const (
	// DefaultMaxFilesPerWorker forces a restart after this many embed
	// requests to bound any single worker's long-run memory creep.
	DefaultMaxFilesPerWorker = 200
	// DefaultMaxRSSBytes forces a restart once sampled RSS exceeds this.
	DefaultMaxRSSBytes = 1 << 30 // ~1 GiB
	// DefaultRequestTimeout bounds how long a single embed call waits.
	DefaultRequestTimeout = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	// NumWorkers is bounded to [2,4] if given outside that range or 0.
	NumWorkers int
	// WorkerArgs is the command + args that re-execs this binary into
	// the hidden embed-worker subcommand (e.g. {exePath, "__embed-worker"}).
	WorkerArgs []string
	ModelDir   string
	OrtLibPath string
	NumThreads int

	MaxFilesPerWorker int
	MaxRSSBytes       uint64
	RequestTimeout    time.Duration

	// OnWorkerRestart is invoked (with the restarting worker's index)
	// before a replacement is spawned, so a caller like the embedding
	// queue can mark that worker's active batches for retry.
	OnWorkerRestart func(workerIndex int)

	Logger *slog.Logger
}

func resolveOptions(opts Options) Options {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = runtime.NumCPU() / 2
	}
	if opts.NumWorkers < 2 {
		opts.NumWorkers = 2
	}
	if opts.NumWorkers > 4 {
		opts.NumWorkers = 4
	}
	if opts.MaxFilesPerWorker <= 0 {
		opts.MaxFilesPerWorker = DefaultMaxFilesPerWorker
	}
	if opts.MaxRSSBytes == 0 {
		opts.MaxRSSBytes = DefaultMaxRSSBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Pool dispatches embed requests across N worker subprocesses.
type Pool struct {
	opts Options

	mu      sync.Mutex
	workers []*workerHandle
	nextIdx int

	batchMu       sync.Mutex
	nextBatchID   uint64
	activeBatches map[uint64]int // batch id -> worker index

	closed atomic.Bool
}

// New spawns opts.NumWorkers workers and blocks until each reports
// ready or fails to start.
func New(ctx context.Context, opts Options) (*Pool, error) {
	opts = resolveOptions(opts)
	p := &Pool{opts: opts, activeBatches: make(map[uint64]int)}

	p.workers = make([]*workerHandle, opts.NumWorkers)
	for i := range p.workers {
		wh, err := p.spawnWorker(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn worker %d: %w", i, err)
		}
		p.workers[i] = wh
	}
	return p, nil
}

// Embed is the pool's sole entry point: dispatch to the next ready
// worker, tracking the request in activeBatches for the duration.
func (p *Pool) Embed(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	vecs, _, err := p.EmbedOn(ctx, texts, isQuery)
	return vecs, err
}

// EmbedOn behaves like Embed but also reports which worker index
// served the request, so a caller that tracks its own in-flight
// batches (the embedding queue's active_batches table) can correlate
// an OnWorkerRestart callback with the batches it needs to requeue.
func (p *Pool) EmbedOn(ctx context.Context, texts []string, isQuery bool) ([][]float32, int, error) {
	if p.closed.Load() {
		return nil, -1, apperr.NewEmbedError(apperr.EmbedProtocolError, fmt.Errorf("pool closed"))
	}

	wh, idx, err := p.pickReadyWorker()
	if err != nil {
		return nil, -1, err
	}

	batchID := atomic.AddUint64(&p.nextBatchID, 1)
	p.batchMu.Lock()
	p.activeBatches[batchID] = idx
	p.batchMu.Unlock()
	defer func() {
		p.batchMu.Lock()
		delete(p.activeBatches, batchID)
		p.batchMu.Unlock()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	vecs, err := wh.embed(reqCtx, batchID, texts, isQuery)
	if err != nil {
		return nil, idx, apperr.NewEmbedError(classifyErr(err), err)
	}
	return vecs, idx, nil
}

// EmbedQuery embeds a single query string in query mode (the BGE
// asymmetric-retrieval prefix), satisfying internal/search's Embedder
// interface.
func (p *Pool) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{query}, true)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func classifyErr(err error) apperr.EmbedKind {
	if err == context.DeadlineExceeded {
		return apperr.EmbedTimeout
	}
	return apperr.EmbedWorkerCrash
}

func (p *Pool) pickReadyWorker() (*workerHandle, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	for i := 0; i < n; i++ {
		idx := (p.nextIdx + i) % n
		wh := p.workers[idx]
		if wh != nil && wh.isReady() {
			p.nextIdx = (idx + 1) % n
			return wh, idx, nil
		}
	}
	return nil, -1, apperr.NewEmbedError(apperr.EmbedWorkerCrash, fmt.Errorf("no ready workers"))
}

// ActiveBatchCount reports the number of in-flight requests, exposed
// for the embedding queue's processing_batches invariant check.
func (p *Pool) ActiveBatchCount() int {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	return len(p.activeBatches)
}

// NumWorkers reports how many worker subprocesses this pool spawned,
// after NumWorkers' [2,4] clamping. Callers size their own concurrency
// (e.g. the embedding queue's MaxConcurrentBatches) off this so every
// worker can have a batch outstanding against it.
func (p *Pool) NumWorkers() int {
	return len(p.workers)
}

func (p *Pool) spawnWorker(ctx context.Context, idx int) (*workerHandle, error) {
	if len(p.opts.WorkerArgs) == 0 {
		return nil, fmt.Errorf("no worker command configured")
	}

	cmd := exec.CommandContext(context.Background(), p.opts.WorkerArgs[0], p.opts.WorkerArgs[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	wh := &workerHandle{
		idx:     idx,
		pool:    p,
		cmd:     cmd,
		stdin:   stdin,
		writer:  embedworker.NewWriter(stdin),
		reader:  embedworker.NewReader(stdout),
		pending: make(map[uint64]chan pendingResult),
	}

	initPayload, _ := json.Marshal(embedworker.InitPayload{
		ModelDir:   p.opts.ModelDir,
		OrtLibPath: p.opts.OrtLibPath,
		NumThreads: p.opts.NumThreads,
	})
	if err := wh.writer.Write(embedworker.Message{Kind: embedworker.KindInit, Payload: initPayload}); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("write init: %w", err)
	}

	first, err := wh.reader.Read()
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("read ready: %w", err)
	}
	if first.Kind != embedworker.KindReady {
		cmd.Process.Kill()
		return nil, fmt.Errorf("worker did not become ready, got %s", first.Kind)
	}
	wh.setReady(true)

	go wh.readLoop()
	return wh, nil
}

// restartWorker replaces the worker at idx with a freshly spawned one,
// invoking OnWorkerRestart first so callers can recover lost work.
func (p *Pool) restartWorker(idx int) {
	if p.closed.Load() {
		return
	}
	if p.opts.OnWorkerRestart != nil {
		p.opts.OnWorkerRestart(idx)
	}

	p.mu.Lock()
	old := p.workers[idx]
	p.mu.Unlock()
	if old != nil {
		old.kill()
	}

	wh, err := p.spawnWorker(context.Background(), idx)
	if err != nil {
		p.opts.Logger.Error("failed to respawn embed worker", "worker_index", idx, "error", err)
		return
	}

	p.mu.Lock()
	p.workers[idx] = wh
	p.mu.Unlock()
}

// Close signals shutdown to all workers and waits for their processes
// to exit.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	workers := append([]*workerHandle(nil), p.workers...)
	p.mu.Unlock()

	for _, wh := range workers {
		if wh != nil {
			wh.shutdown()
		}
	}
	return nil
}
