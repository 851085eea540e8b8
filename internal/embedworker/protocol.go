// Package embedworker implements the embed-worker subprocess side and
// the framed-JSON IPC it shares with the pool. Each worker is a
// self-exec'd child process hosting exactly one *embed.Embedder;
// messages are length-prefixed JSON, mirroring the length-prefixed
// binary framing internal/hnsw/persist.go uses for graph snapshots,
// generalized to JSON payloads and two-way traffic.
package embedworker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Kind identifies a message's payload shape.
type Kind string

const (
	KindInit             Kind = "init"
	KindEmbed            Kind = "embed"
	KindHealth           Kind = "health"
	KindShutdown         Kind = "shutdown"
	KindReady            Kind = "ready"
	KindDownloadProgress Kind = "download_progress"
	KindFatal            Kind = "fatal"
	KindResult           Kind = "result"
	KindError            Kind = "error"
)

// Message is the wire envelope. ID is monotonic per requester and
// echoed back on the matching response; unsolicited messages (ready,
// download_progress, fatal) carry ID 0.
type Message struct {
	ID      uint64          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload configures the worker's embed.Embedder on startup.
type InitPayload struct {
	ModelDir   string `json:"model_dir"`
	OrtLibPath string `json:"ort_lib_path"`
	NumThreads int    `json:"num_threads"`
}

// EmbedPayload requests vectors for a batch of texts.
type EmbedPayload struct {
	Texts   []string `json:"texts"`
	IsQuery bool     `json:"is_query"`
}

// ResultPayload carries the vectors answering an EmbedPayload.
type ResultPayload struct {
	Vectors [][]float32 `json:"vectors"`
}

// HealthPayload reports resident memory and lifetime throughput.
type HealthPayload struct {
	RSSBytes                 uint64 `json:"rss_bytes"`
	FilesProcessedSinceSpawn int    `json:"files_processed_since_spawn"`
}

// DownloadProgressPayload reports model-download progress to the host.
type DownloadProgressPayload struct {
	Loaded int64 `json:"loaded"`
	Total  int64 `json:"total"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// FatalPayload announces the worker is about to exit voluntarily.
type FatalPayload struct {
	Reason string `json:"reason"`
}

// Writer frames and serializes Messages onto an io.Writer: a uint32
// little-endian length prefix followed by the JSON body. One goroutine
// at a time should call Write; the type itself adds locking so a
// worker's health pings and responses can't interleave mid-frame.
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

// Reader deframes Messages from an io.Reader. Not safe for concurrent
// use by multiple goroutines.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// maxFrameBytes guards against a corrupted length prefix causing an
// unbounded allocation.
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
