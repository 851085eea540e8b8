package embedpool

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/meridian-search/meridian/internal/embedworker"
)

// This test drives a real subprocess via the standard
// TestMain-as-subprocess-helper pattern, but the subprocess speaks a
// fake embed-worker protocol (fixed-dimension zero vectors) instead of
// loading a real ONNX model — it exercises the pool's IPC plumbing
// (dispatch and active-batch tracking) independent of whether a model
// is installed.
func TestMain(m *testing.M) {
	if os.Getenv("MERIDIAN_FAKE_EMBED_WORKER") == "1" {
		runFakeWorker()
		return
	}
	os.Exit(m.Run())
}

func runFakeWorker() {
	r := embedworker.NewReader(os.Stdin)
	w := embedworker.NewWriter(os.Stdout)

	msg, err := r.Read()
	if err != nil || msg.Kind != embedworker.KindInit {
		os.Exit(1)
	}
	w.Write(embedworker.Message{Kind: embedworker.KindReady})

	exitAfterCrash := os.Getenv("MERIDIAN_FAKE_WORKER_CRASH_AFTER") != ""
	crashAfter := 0
	if exitAfterCrash {
		json.Unmarshal([]byte(os.Getenv("MERIDIAN_FAKE_WORKER_CRASH_AFTER")), &crashAfter)
	}
	served := 0

	for {
		msg, err := r.Read()
		if err != nil {
			return
		}
		switch msg.Kind {
		case embedworker.KindEmbed:
			var req embedworker.EmbedPayload
			json.Unmarshal(msg.Payload, &req)
			served++
			if exitAfterCrash && served > crashAfter {
				os.Exit(1)
			}
			vecs := make([][]float32, len(req.Texts))
			for i := range vecs {
				vecs[i] = []float32{1, 0, 0}
			}
			payload, _ := json.Marshal(embedworker.ResultPayload{Vectors: vecs})
			w.Write(embedworker.Message{ID: msg.ID, Kind: embedworker.KindResult, Payload: payload})
		case embedworker.KindShutdown:
			return
		}
	}
}

func newTestPool(t *testing.T, numWorkers int) *Pool {
	t.Helper()
	self, err := exec.LookPath(os.Args[0])
	if err != nil {
		self = os.Args[0]
	}

	p, err := New(context.Background(), Options{
		NumWorkers: numWorkers,
		WorkerArgs: []string{self, "-test.run=TestMain"},
		Logger:     nil,
	})
	if err != nil {
		t.Skipf("skipping: could not spawn fake worker subprocess: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolEmbedDispatchesRoundRobin(t *testing.T) {
	os.Setenv("MERIDIAN_FAKE_EMBED_WORKER", "1")
	defer os.Unsetenv("MERIDIAN_FAKE_EMBED_WORKER")

	p := newTestPool(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vecs, err := p.Embed(ctx, []string{"hello", "world"}, false)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}

	_, first, err := p.EmbedOn(ctx, []string{"a"}, false)
	if err != nil {
		t.Fatalf("EmbedOn: %v", err)
	}
	_, second, err := p.EmbedOn(ctx, []string{"b"}, false)
	if err != nil {
		t.Fatalf("EmbedOn: %v", err)
	}
	if first == second {
		t.Fatalf("expected consecutive requests on different workers, both went to worker %d", first)
	}
}

func TestPoolActiveBatchCountReturnsToZero(t *testing.T) {
	os.Setenv("MERIDIAN_FAKE_EMBED_WORKER", "1")
	defer os.Unsetenv("MERIDIAN_FAKE_EMBED_WORKER")

	p := newTestPool(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.Embed(ctx, []string{"a"}, false); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := p.ActiveBatchCount(); got != 0 {
		t.Fatalf("expected active batch count 0 after completion, got %d", got)
	}
}
