// Package orchestrator is the lifecycle state machine and host IPC
// loop: the same length-prefixed JSON framing the embed-worker
// protocol uses, generalized to the richer host-to-core message set,
// plus the 8-step graceful shutdown sequence.
package orchestrator

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Kind identifies a host<->core message's payload shape.
type Kind string

const (
	KindInit              Kind = "init"
	KindCheckModel        Kind = "check_model"
	KindGetDiagnostics    Kind = "get_diagnostics"
	KindWatchStart        Kind = "watch_start"
	KindEnqueue           Kind = "enqueue"
	KindPause             Kind = "pause"
	KindResume            Kind = "resume"
	KindProgress          Kind = "progress"
	KindSearch            Kind = "search"
	KindStats             Kind = "stats"
	KindGetSettings       Kind = "get_settings"
	KindUpdateSettings    Kind = "update_settings"
	KindReindexAll        Kind = "reindex_all"
	KindGetWatchedFolders Kind = "get_watched_folders"
	KindShutdown          Kind = "shutdown"

	KindReady Kind = "ready"
	KindOK    Kind = "ok"
	KindError Kind = "error"
	KindHit   Kind = "hit"

	// KindProgressEvent and KindFileProgressEvent name the unsolicited
	// progress pushes. Run never sends either; progress reaches the host
	// only as the reply to a KindProgress request.
	KindProgressEvent     Kind = "progress_event"
	KindFileProgressEvent Kind = "file_progress_event"
)

// Message is the wire envelope: a length-prefixed JSON body, one
// request ID assigned by the host and echoed back on its response.
type Message struct {
	ID      uint64          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// whitelist is the set of messages handled before the host finishes
// init, ahead of the state machine reaching StateReady.
var whitelist = map[Kind]bool{
	KindInit:           true,
	KindCheckModel:     true,
	KindGetDiagnostics: true,
}

type InitPayload struct {
	DBDir       string `json:"db_dir"`
	UserDataDir string `json:"user_data_dir"`
}

type WatchStartPayload struct {
	Roots   []string `json:"roots"`
	Options struct {
		Include []string `json:"include"`
		Exclude []string `json:"exclude"`
	} `json:"options"`
}

type EnqueuePayload struct {
	Paths []string `json:"paths"`
}

type SearchPayload struct {
	Q string `json:"q"`
	K int    `json:"k"`
}

type HitPayload struct {
	ID     int64   `json:"id"`
	Path   string  `json:"path"`
	Page   int     `json:"page"`
	Offset int64   `json:"offset"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
	Title  string  `json:"title"`
}

type StatsPayload struct {
	TotalChunks  int            `json:"total_chunks"`
	IndexedFiles int            `json:"indexed_files"`
	FolderStats  map[string]int `json:"folder_stats"`
}

type ProgressPayload struct {
	Queued     int  `json:"queued"`
	Processing int  `json:"processing"`
	Done       int  `json:"done"`
	Errors     int  `json:"errors"`
	Paused     bool `json:"paused"`
}

type UpdateSettingsPayload struct {
	WatchedRoots      []string `json:"watched_roots,omitempty"`
	ExcludedGlobs     []string `json:"excluded_globs,omitempty"`
	EmbedderPoolSize  *int     `json:"embedder_pool_size,omitempty"`
	CPUConcurrency    *int     `json:"cpu_concurrency,omitempty"`
	MaxChunksPerBatch *int     `json:"max_chunks_per_batch,omitempty"`
	MaxTokensPerBatch *int     `json:"max_tokens_per_batch,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Writer frames and serializes Messages: a uint32 little-endian length
// prefix followed by the JSON body.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (fw *Writer) Write(m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Reader deframes Messages. Not safe for concurrent use.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

const maxFrameBytes = 64 << 20

func (fr *Reader) Read() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return Message{}, fmt.Errorf("frame length %d exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
