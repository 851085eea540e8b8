package embedpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-search/meridian/internal/embedworker"
)

type pendingResult struct {
	vectors [][]float32
	err     error
}

// workerHandle is the pool's view of one running embed-worker process.
type workerHandle struct {
	idx  int
	pool *Pool
	cmd  *exec.Cmd

	stdin  io.WriteCloser
	writer *embedworker.Writer
	reader *embedworker.Reader

	ready atomic.Bool
	dead  atomic.Bool

	nextReqID uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	stateMu                  sync.Mutex
	filesProcessedSinceSpawn int
	rssBytes                 uint64
	spawnedAt                time.Time
}

func (wh *workerHandle) isReady() bool { return wh.ready.Load() && !wh.dead.Load() }
func (wh *workerHandle) setReady(v bool) { wh.ready.Store(v) }

func (wh *workerHandle) embed(ctx context.Context, batchID uint64, texts []string, isQuery bool) ([][]float32, error) {
	if wh.dead.Load() {
		return nil, fmt.Errorf("worker %d is dead", wh.idx)
	}

	ch := make(chan pendingResult, 1)
	wh.pendingMu.Lock()
	wh.pending[batchID] = ch
	wh.pendingMu.Unlock()
	defer func() {
		wh.pendingMu.Lock()
		delete(wh.pending, batchID)
		wh.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(embedworker.EmbedPayload{Texts: texts, IsQuery: isQuery})
	if err != nil {
		return nil, err
	}
	if err := wh.writer.Write(embedworker.Message{ID: batchID, Kind: embedworker.KindEmbed, Payload: payload}); err != nil {
		wh.markDead()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.vectors, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop demultiplexes frames from the worker: result/error replies
// are delivered to the waiting embed() caller, health updates feed the
// restart-threshold check, and a closed pipe or fatal message marks
// the worker dead and asks the pool to replace it.
func (wh *workerHandle) readLoop() {
	for {
		msg, err := wh.reader.Read()
		if err != nil {
			wh.failAllPending(fmt.Errorf("worker %d pipe closed: %w", wh.idx, err))
			wh.markDead()
			wh.pool.restartWorker(wh.idx)
			return
		}

		switch msg.Kind {
		case embedworker.KindResult:
			var res embedworker.ResultPayload
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				wh.deliver(msg.ID, pendingResult{err: err})
				continue
			}
			wh.stateMu.Lock()
			wh.filesProcessedSinceSpawn++
			count := wh.filesProcessedSinceSpawn
			wh.stateMu.Unlock()
			wh.deliver(msg.ID, pendingResult{vectors: res.Vectors})
			if count > wh.pool.opts.MaxFilesPerWorker {
				go wh.pool.restartWorker(wh.idx)
				return
			}

		case embedworker.KindError:
			var e embedworker.ErrorPayload
			json.Unmarshal(msg.Payload, &e)
			wh.deliver(msg.ID, pendingResult{err: fmt.Errorf("%s", e.Message)})

		case embedworker.KindHealth:
			var h embedworker.HealthPayload
			if err := json.Unmarshal(msg.Payload, &h); err == nil {
				wh.stateMu.Lock()
				wh.rssBytes = h.RSSBytes
				exceeded := wh.rssBytes > wh.pool.opts.MaxRSSBytes
				wh.stateMu.Unlock()
				if exceeded {
					go wh.pool.restartWorker(wh.idx)
					return
				}
			}

		case embedworker.KindFatal:
			wh.failAllPending(fmt.Errorf("worker %d reported fatal error", wh.idx))
			wh.markDead()
			wh.pool.restartWorker(wh.idx)
			return

		case embedworker.KindShutdown:
			return
		}
	}
}

func (wh *workerHandle) deliver(id uint64, res pendingResult) {
	wh.pendingMu.Lock()
	ch, ok := wh.pending[id]
	wh.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

func (wh *workerHandle) failAllPending(err error) {
	wh.pendingMu.Lock()
	defer wh.pendingMu.Unlock()
	for id, ch := range wh.pending {
		ch <- pendingResult{err: err}
		delete(wh.pending, id)
	}
}

func (wh *workerHandle) markDead() {
	wh.dead.Store(true)
	wh.ready.Store(false)
}

func (wh *workerHandle) shutdown() {
	if wh.dead.Load() {
		return
	}
	wh.writer.Write(embedworker.Message{Kind: embedworker.KindShutdown})
	done := make(chan struct{})
	go func() { wh.cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		wh.kill()
	}
}

func (wh *workerHandle) kill() {
	wh.markDead()
	if wh.cmd.Process != nil {
		wh.cmd.Process.Kill()
	}
}
