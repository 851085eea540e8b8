// Package embed provides BGE-small-en-v1.5 text embedding via ONNX
// Runtime. Vectors are L2-normalized so dot product == cosine
// similarity. It runs inside the embed-worker subprocess only — the
// pool and queue never call ONNX in-process (see internal/embedworker).
package embed

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/meridian-search/meridian/internal/apperr"
)

const (
	// maxSeqLen caps tokens per input. BGE-small supports 512 but 256
	// cuts the O(seqLen²) attention cost to a quarter; longer inputs are
	// truncated to their first 256 tokens.
	maxSeqLen = 256
	// Dim is the output dimension of BGE-small-en-v1.5.
	Dim = 384

	defaultBatchSize = 4

	// QueryPrefix is prepended to queries (never documents) per the
	// BGE-small-en-v1.5 asymmetric-retrieval recommendation.
	QueryPrefix = "Represent this sentence for searching relevant passages: "
)

// Embedder wraps an ONNX session and tokenizer. One Embedder lives per
// embed-worker subprocess.
type Embedder struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
	batchSize int
}

// New loads the ONNX model and tokenizer from modelDir, which must
// contain model.onnx and tokenizer.json. ortLibPath is the path to
// onnxruntime's shared library; pass "" for the system default.
// numThreads controls intra-op parallelism; 0 picks min(4, NumCPU).
func New(modelDir, ortLibPath string, numThreads int) (*Embedder, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, apperr.NewEmbedError(apperr.EmbedProtocolError, fmt.Errorf("model not found at %s", modelPath))
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, apperr.NewEmbedError(apperr.EmbedProtocolError, fmt.Errorf("tokenizer not found at %s", tokenPath))
	}

	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w", err)
	}

	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &Embedder{session: session, tokenizer: tk, batchSize: defaultBatchSize}, nil
}

// Close releases the ONNX session and tokenizer.
func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Embed embeds a batch of document chunk texts (no prefix). This is
// the only entry point the embed queue's batches call.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", i, end, err)
		}
		results = append(results, batch...)
	}
	return results, nil
}

// EmbedQuery embeds a single search query with the BGE instruction
// prefix applied. Never call this for document chunks.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	vecs, err := e.Embed([]string{QueryPrefix + query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, apperr.NewEmbedError(apperr.EmbedProtocolError, fmt.Errorf("empty result for query"))
	}
	return vecs[0], nil
}

type encoded struct {
	ids  []int64
	mask []int64
}

// embedBatch runs one ONNX inference call for up to batchSize texts.
// Set MERIDIAN_DEBUG=1 to print per-phase timing to stderr.
func (e *Embedder) embedBatch(texts []string) ([][]float32, error) {
	debug := os.Getenv("MERIDIAN_DEBUG") == "1"
	batchSize := len(texts)
	t0 := time.Now()

	all := make([]encoded, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(
			text,
			true,
			tokenizers.WithReturnAttentionMask(),
		)
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = encoded{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] tokenize(%d texts, maxLen=%d):   %v\n", batchSize, maxLen, time.Since(t0))
	}

	if maxLen == 0 {
		return nil, apperr.NewEmbedError(apperr.EmbedProtocolError, fmt.Errorf("all texts tokenized to zero length"))
	}

	t1 := time.Now()
	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, enc := range all {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] build tensors:                   %v\n", time.Since(t1))
	}

	t2 := time.Now()
	inputs := []ort.Value{inputIDs, attnMask, typeIDs}
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, apperr.NewEmbedError(apperr.EmbedWorkerCrash, fmt.Errorf("ort run: %w", err))
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] session.Run (batch=%d, seq=%d): %v\n", batchSize, maxLen, time.Since(t2))
	}

	t3 := time.Now()
	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, Dim)
		// [CLS] token at t=0 is the sentence embedding for BGE-small.
		base := i * seqLen * Dim
		for d := 0; d < Dim; d++ {
			vec[d] = hidden[base+d]
		}
		l2Normalize(vec)
		embeddings[i] = vec
	}
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] CLS pool + normalize:            %v  (total: %v)\n",
			time.Since(t3), time.Since(t0))
	}

	return embeddings, nil
}

func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
