package embedworker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/meridian-search/meridian/internal/embed"
)

// healthSampleInterval is the minimum gap between unsolicited health
// frames. Run checks it only after handling a message, so a worker that
// receives no messages sends no health frames.
const healthSampleInterval = 5 * time.Second

// Run is the embed-worker subprocess entry point: it reads framed
// requests from in, hosts exactly one embed.Embedder, and writes
// framed responses to out until in is closed or a shutdown message
// arrives. filesProcessed and rssBytes are exposed so the parent pool
// can decide when to recycle this worker.
func Run(in io.Reader, out io.Writer) error {
	r := NewReader(in)
	w := NewWriter(out)

	msg, err := r.Read()
	if err != nil {
		return fmt.Errorf("read init message: %w", err)
	}
	if msg.Kind != KindInit {
		w.Write(Message{Kind: KindFatal, Payload: mustMarshal(FatalPayload{Reason: "expected init message first"})})
		return fmt.Errorf("expected init, got %s", msg.Kind)
	}

	var initReq InitPayload
	if err := json.Unmarshal(msg.Payload, &initReq); err != nil {
		return fmt.Errorf("unmarshal init payload: %w", err)
	}

	e, err := embed.New(initReq.ModelDir, initReq.OrtLibPath, initReq.NumThreads)
	if err != nil {
		w.Write(Message{Kind: KindFatal, Payload: mustMarshal(FatalPayload{Reason: err.Error()})})
		return fmt.Errorf("load embedder: %w", err)
	}
	defer e.Close()

	if err := w.Write(Message{Kind: KindReady}); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}

	filesProcessed := 0
	lastHealth := time.Now()

	for {
		msg, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Kind {
		case KindEmbed:
			var req EmbedPayload
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				w.Write(errorResponse(msg.ID, err))
				continue
			}

			vecs, err := embedRequest(e, req)
			if err != nil {
				w.Write(errorResponse(msg.ID, err))
				continue
			}
			filesProcessed++

			if err := w.Write(Message{ID: msg.ID, Kind: KindResult, Payload: mustMarshal(ResultPayload{Vectors: vecs})}); err != nil {
				return fmt.Errorf("write result: %w", err)
			}

		case KindHealth:
			if err := w.Write(healthResponse(msg.ID, filesProcessed)); err != nil {
				return fmt.Errorf("write health: %w", err)
			}
			lastHealth = time.Now()

		case KindShutdown:
			w.Write(Message{ID: msg.ID, Kind: KindShutdown})
			return nil

		default:
			w.Write(errorResponse(msg.ID, fmt.Errorf("unknown message kind %q", msg.Kind)))
		}

		if time.Since(lastHealth) > healthSampleInterval {
			w.Write(healthResponse(0, filesProcessed))
			lastHealth = time.Now()
		}
	}
}

func embedRequest(e *embed.Embedder, req EmbedPayload) ([][]float32, error) {
	if req.IsQuery {
		if len(req.Texts) != 1 {
			return nil, fmt.Errorf("query requests must carry exactly one text, got %d", len(req.Texts))
		}
		vec, err := e.EmbedQuery(req.Texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}
	return e.Embed(req.Texts)
}

func errorResponse(id uint64, err error) Message {
	return Message{ID: id, Kind: KindError, Payload: mustMarshal(ErrorPayload{Message: err.Error()})}
}

func healthResponse(id uint64, filesProcessed int) Message {
	return Message{ID: id, Kind: KindHealth, Payload: mustMarshal(HealthPayload{
		RSSBytes:                 sampleRSS(),
		FilesProcessedSinceSpawn: filesProcessed,
	})}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("embedworker: marshal %T: %v", v, err))
	}
	return b
}

// sampleRSS reads the process's resident set size. On Linux it reads
// /proc/self/status; elsewhere (or if that read fails) it falls back
// to the Go heap size from runtime.MemStats, which undercounts ONNX
// Runtime's off-heap allocations but still tracks growth trends.
func sampleRSS() uint64 {
	if v, ok := readProcStatusRSS(); ok {
		return v
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

func readProcStatusRSS() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	return parseVmRSS(data)
}
