package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/meridian-search/meridian/internal/chunker"
	"github.com/meridian-search/meridian/internal/config"
	"github.com/meridian-search/meridian/internal/embedpool"
	"github.com/meridian-search/meridian/internal/equeue"
	"github.com/meridian-search/meridian/internal/filequeue"
	"github.com/meridian-search/meridian/internal/parser"
	"github.com/meridian-search/meridian/internal/reindex"
	"github.com/meridian-search/meridian/internal/search"
	"github.com/meridian-search/meridian/internal/store"
	"github.com/meridian-search/meridian/internal/watcher"
)

// Timeouts for the bounded steps of the graceful shutdown sequence.
const (
	EmbedQueueDrainTimeout = 30 * time.Second
	WriteQueueDrainTimeout = 10 * time.Second
	workerSelfExecFlag     = "__embed-worker"
)

// Options are process-level settings the host can't convey over the
// IPC protocol (they're needed to even start listening).
type Options struct {
	SelfExePath string
	NumThreads  int
	Logger      *slog.Logger
}

// Orchestrator is the lifecycle state machine and IPC dispatcher: it
// owns every other component's lifetime, constructing them on
// `init` and tearing them down in the 8-step shutdown sequence.
type Orchestrator struct {
	opts Options
	sm   stateMachine

	cfgPath string
	cfg     config.Config

	registry   *parser.Registry
	store      *store.Store
	pool       *embedpool.Pool
	embedQueue *equeue.Queue
	fileQueue  *filequeue.Queue
	searchSvc  *search.Service
	statsCache *config.StatsCache

	watchers  []*watcher.Watcher
	watchDone chan struct{}

	filesDone   atomic.Int64
	filesErrors atomic.Int64
}

// New returns an Orchestrator in StateUninitialized.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{opts: opts}
}

// Run reads framed messages from in and writes framed responses to
// out until a shutdown message resolves or in is closed.
func (o *Orchestrator) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	r := NewReader(in)
	w := NewWriter(out)

	for {
		msg, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		if !o.sm.allows(msg.Kind) {
			w.Write(o.errorResponse(msg.ID, fmt.Errorf("message %q not allowed in state %s", msg.Kind, o.sm.get())))
			continue
		}

		resp := o.dispatch(ctx, msg)
		if err := w.Write(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if msg.Kind == KindShutdown {
			return nil
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg Message) Message {
	switch msg.Kind {
	case KindInit:
		return o.handleInit(ctx, msg)
	case KindCheckModel:
		return o.handleCheckModel(msg)
	case KindGetDiagnostics:
		return o.handleGetDiagnostics(msg)
	case KindWatchStart:
		return o.handleWatchStart(msg)
	case KindEnqueue:
		return o.handleEnqueue(msg)
	case KindPause:
		o.fileQueue.Pause()
		return Message{ID: msg.ID, Kind: KindOK}
	case KindResume:
		o.fileQueue.Resume()
		return Message{ID: msg.ID, Kind: KindOK}
	case KindProgress:
		return o.handleProgress(msg)
	case KindSearch:
		return o.handleSearch(ctx, msg)
	case KindStats:
		return o.handleStats(ctx, msg)
	case KindGetSettings:
		return o.handleGetSettings(msg)
	case KindUpdateSettings:
		return o.handleUpdateSettings(msg)
	case KindReindexAll:
		return o.handleReindexAll(ctx, msg)
	case KindGetWatchedFolders:
		return o.handleGetWatchedFolders(msg)
	case KindShutdown:
		return o.handleShutdown(ctx, msg)
	default:
		return o.errorResponse(msg.ID, fmt.Errorf("unknown message kind %q", msg.Kind))
	}
}

func (o *Orchestrator) errorResponse(id uint64, err error) Message {
	payload, _ := json.Marshal(ErrorPayload{Message: err.Error()})
	return Message{ID: id, Kind: KindError, Payload: payload}
}

func (o *Orchestrator) handleInit(ctx context.Context, msg Message) Message {
	o.sm.set(StateInitializing)

	var req InitPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		o.sm.set(StateError)
		return o.errorResponse(msg.ID, err)
	}

	if err := o.bootstrap(ctx, req); err != nil {
		o.sm.set(StateError)
		return o.errorResponse(msg.ID, err)
	}

	o.sm.set(StateReady)
	return Message{ID: msg.ID, Kind: KindReady}
}

// bootstrap opens the store, spawns the embedder pool, and wires the
// embedding/file queues. Any failure here leaves the orchestrator in
// StateError — any state may transition to ERROR.
func (o *Orchestrator) bootstrap(ctx context.Context, req InitPayload) error {
	dbDir := req.DBDir
	if dbDir == "" {
		dbDir = filepath.Join(req.UserDataDir, "data")
	}
	o.cfgPath = filepath.Join(req.UserDataDir, "config.json")

	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		o.opts.Logger.Warn("config load failed, using defaults", "error", err)
	}
	o.cfg = cfg

	st, err := store.Open(ctx, store.Options{
		DBPath:    filepath.Join(dbDir, "index.db"),
		GraphPath: filepath.Join(dbDir, "index.hnsw"),
		Dim:       384,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	o.store = st

	o.registry = parser.NewRegistry(parser.Options{})

	// embedQueue is constructed after the pool but the pool needs to
	// notify it of worker restarts, so the callback closes over a
	// pointer filled in once embedQueue exists.
	var embedQueue *equeue.Queue
	pool, err := embedpool.New(ctx, embedpool.Options{
		NumWorkers: cfg.Settings.EmbedderPoolSize,
		WorkerArgs: []string{o.opts.SelfExePath, workerSelfExecFlag},
		ModelDir:   filepath.Join(req.UserDataDir, "models"),
		OrtLibPath: os.Getenv("MERIDIAN_ORT_LIB_PATH"),
		NumThreads: o.opts.NumThreads,
		Logger:     o.opts.Logger,
		OnWorkerRestart: func(idx int) {
			if embedQueue != nil {
				embedQueue.OnWorkerRestart(idx)
			}
		},
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("starting embedder pool: %w", err)
	}
	o.pool = pool

	o.embedQueue = equeue.New(equeue.Options{
		Pool:                 pool,
		Writer:               st,
		MaxTokensPerBatch:    cfg.Settings.MaxTokensPerBatch,
		MaxChunksPerBatch:    cfg.Settings.MaxChunksPerBatch,
		MaxConcurrentBatches: pool.NumWorkers(),
		Logger:               o.opts.Logger,
		OnFileComplete:       o.onFileComplete,
	})
	embedQueue = o.embedQueue

	o.fileQueue = filequeue.New(filequeue.Options{
		Concurrency: cfg.Settings.CPUConcurrency,
		Registry:    o.registry,
		ChunkOpts:   chunker.DefaultOptions(),
		Store:       st,
		Embed:       o.embedQueue,
		Logger:      o.opts.Logger,
	})

	o.searchSvc = search.New(pool, st)
	o.statsCache = config.NewStatsCache(st)
	o.watchDone = make(chan struct{})

	return nil
}

func (o *Orchestrator) onFileComplete(path string, errs []error) {
	if len(errs) > 0 {
		o.filesErrors.Add(1)
	} else {
		o.filesDone.Add(1)
	}
	o.statsCache.Invalidate()
}

func (o *Orchestrator) handleCheckModel(msg Message) Message {
	return Message{ID: msg.ID, Kind: KindOK}
}

func (o *Orchestrator) handleGetDiagnostics(msg Message) Message {
	payload, _ := json.Marshal(map[string]interface{}{
		"state": o.sm.get().String(),
	})
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

func (o *Orchestrator) handleWatchStart(msg Message) Message {
	var req WatchStartPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return o.errorResponse(msg.ID, err)
	}

	excludes := watcher.NewExcludeMatcher(req.Options.Exclude)
	for _, root := range req.Roots {
		w, err := watcher.New(watcher.Options{
			Registry: o.registry,
			Excludes: excludes,
			Queue:    o.fileQueue,
			Deleter:  storeDeleter{o.store},
			Logger:   o.opts.Logger,
		})
		if err != nil {
			return o.errorResponse(msg.ID, err)
		}
		o.watchers = append(o.watchers, w)

		root := root
		go func() {
			if err := w.Scan(root); err != nil {
				o.opts.Logger.Error("initial scan failed", "root", root, "error", err)
			}
		}()
		go func() {
			if err := w.Watch(root, o.watchDone); err != nil {
				o.opts.Logger.Error("watch loop exited", "root", root, "error", err)
			}
		}()
	}

	o.cfg.WatchedFolders = req.Roots
	o.cfg.Settings.ExcludedGlobs = req.Options.Exclude
	config.Save(o.cfgPath, o.cfg)

	return Message{ID: msg.ID, Kind: KindOK}
}

func (o *Orchestrator) handleEnqueue(msg Message) Message {
	var req EnqueuePayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return o.errorResponse(msg.ID, err)
	}
	for _, p := range req.Paths {
		if err := o.fileQueue.Submit(p, true); err != nil {
			return o.errorResponse(msg.ID, err)
		}
	}
	return Message{ID: msg.ID, Kind: KindOK}
}

func (o *Orchestrator) handleProgress(msg Message) Message {
	payload, _ := json.Marshal(ProgressPayload{
		Queued:     o.embedQueue.QueueDepth(),
		Processing: int(o.embedQueue.ProcessingBatches()),
		Done:       int(o.filesDone.Load()),
		Errors:     int(o.filesErrors.Load()),
		Paused:     o.fileQueue.Paused(),
	})
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

func (o *Orchestrator) handleSearch(ctx context.Context, msg Message) Message {
	var req SearchPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return o.errorResponse(msg.ID, err)
	}
	k := req.K
	if k <= 0 {
		k = 10
	}
	results, err := o.searchSvc.Query(ctx, req.Q, k)
	if err != nil {
		return o.errorResponse(msg.ID, err)
	}

	hits := make([]HitPayload, len(results))
	for i, r := range results {
		hits[i] = HitPayload{ID: r.ID, Path: r.Path, Page: r.Page, Offset: r.Offset, Text: r.Text, Score: r.Score, Title: r.Title}
	}
	payload, _ := json.Marshal(hits)
	return Message{ID: msg.ID, Kind: KindHit, Payload: payload}
}

func (o *Orchestrator) handleStats(ctx context.Context, msg Message) Message {
	st, err := o.statsCache.Get(ctx)
	if err != nil {
		return o.errorResponse(msg.ID, err)
	}
	payload, _ := json.Marshal(StatsPayload{
		TotalChunks:  st.TotalChunks,
		IndexedFiles: st.IndexedFiles,
		FolderStats:  st.PerFolderCount,
	})
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

func (o *Orchestrator) handleGetSettings(msg Message) Message {
	payload, _ := json.Marshal(o.cfg)
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

func (o *Orchestrator) handleUpdateSettings(msg Message) Message {
	var req UpdateSettingsPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return o.errorResponse(msg.ID, err)
	}
	if req.WatchedRoots != nil {
		o.cfg.WatchedFolders = req.WatchedRoots
	}
	if req.ExcludedGlobs != nil {
		o.cfg.Settings.ExcludedGlobs = req.ExcludedGlobs
	}
	if req.EmbedderPoolSize != nil {
		o.cfg.Settings.EmbedderPoolSize = *req.EmbedderPoolSize
	}
	if req.CPUConcurrency != nil {
		o.cfg.Settings.CPUConcurrency = *req.CPUConcurrency
	}
	if req.MaxChunksPerBatch != nil {
		o.cfg.Settings.MaxChunksPerBatch = *req.MaxChunksPerBatch
	}
	if req.MaxTokensPerBatch != nil {
		o.cfg.Settings.MaxTokensPerBatch = *req.MaxTokensPerBatch
	}
	if err := config.Save(o.cfgPath, o.cfg); err != nil {
		return o.errorResponse(msg.ID, err)
	}
	return Message{ID: msg.ID, Kind: KindOK}
}

func (o *Orchestrator) handleReindexAll(ctx context.Context, msg Message) Message {
	n, err := reindex.Sweep(ctx, o.store, o.extOf, o.registry, o.fileQueue)
	if err != nil {
		return o.errorResponse(msg.ID, err)
	}
	payload, _ := json.Marshal(map[string]int{"queued": n})
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

func (o *Orchestrator) handleGetWatchedFolders(msg Message) Message {
	payload, _ := json.Marshal(o.cfg.WatchedFolders)
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

func (o *Orchestrator) handleShutdown(ctx context.Context, msg Message) Message {
	report := o.shutdown(ctx)
	payload, _ := json.Marshal(report)
	return Message{ID: msg.ID, Kind: KindOK, Payload: payload}
}

// shutdown runs the 8-step graceful shutdown sequence. Each step is
// independent: a timeout in one never blocks the rest.
func (o *Orchestrator) shutdown(ctx context.Context) *ShutdownReport {
	o.sm.set(StateShuttingDown)
	report := &ShutdownReport{}

	runStep(report, "stop_watcher", func() error {
		if o.watchDone != nil {
			close(o.watchDone)
		}
		return nil
	})

	runStep(report, "drain_file_queue", func() error {
		if o.fileQueue != nil {
			o.fileQueue.Close()
		}
		return nil
	})

	runStepTimeout(report, "drain_embedding_queue", EmbedQueueDrainTimeout, func() error {
		if o.embedQueue != nil {
			o.embedQueue.Close()
		}
		return nil
	})

	runStepTimeout(report, "drain_write_queue", WriteQueueDrainTimeout, func() error {
		if o.store != nil {
			o.store.DrainWrites()
		}
		return nil
	})

	runStep(report, "save_profiling_report", func() error { return nil })
	runStep(report, "clear_monitoring_intervals", func() error { return nil })

	runStep(report, "shutdown_embedder_pool", func() error {
		if o.pool != nil {
			return o.pool.Close()
		}
		return nil
	})

	runStep(report, "close_database", func() error {
		if o.store != nil {
			return o.store.CloseDB()
		}
		return nil
	})

	o.sm.set(StateTerminated)
	return report
}

func (o *Orchestrator) extOf(path string) string {
	ext := filepath.Ext(path)
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	return ext
}

type storeDeleter struct{ s *store.Store }

func (d storeDeleter) DeleteFile(path string) error {
	return d.s.DeleteFile(context.Background(), path)
}

