package chunker

import (
	"strings"
	"testing"
)

func TestChunkTextSmall(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog. It was a fine morning."
	chunks := ChunkText(text, DefaultOptions())
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for short text, got %d", len(chunks))
	}
	if chunks[0].Offset != 0 {
		t.Fatalf("expected first chunk offset 0, got %d", chunks[0].Offset)
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if chunks := ChunkText("   \n\t", DefaultOptions()); chunks != nil {
		t.Fatalf("expected nil chunks for blank text, got %v", chunks)
	}
}

func TestChunkTextRespectsTargetTokens(t *testing.T) {
	// Each sentence is short; build enough of them to force multiple chunks.
	var b strings.Builder
	for i := 0; i < 400; i++ {
		b.WriteString("The system indexed another document today. ")
	}
	opts := Options{TargetTokens: 50, OverlapFloor: 10}
	chunks := ChunkText(b.String(), opts)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	maxSentenceTokens := estimateTokens("The system indexed another document today. ")
	for i, c := range chunks {
		tok := estimateTokens(c.Text)
		if tok > opts.TargetTokens+maxSentenceTokens {
			t.Errorf("chunk %d: %d tokens exceeds target+max-sentence bound", i, tok)
		}
	}
}

func TestChunkTextIndicesSequential(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("Sentence number present here for overlap testing purposes. ")
	}
	opts := Options{TargetTokens: 40, OverlapFloor: 15}
	chunks := ChunkText(b.String(), opts)
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d: expected Index %d, got %d", i, i, c.Index)
		}
	}
}

func TestChunkTextOverlapBetweenConsecutiveChunks(t *testing.T) {
	var b strings.Builder
	sentences := []string{
		"Alpha sentence one here.",
		"Bravo sentence two here.",
		"Charlie sentence three here.",
		"Delta sentence four here.",
		"Echo sentence five here.",
		"Foxtrot sentence six here.",
	}
	for i := 0; i < 20; i++ {
		for _, s := range sentences {
			b.WriteString(s)
			b.WriteString(" ")
		}
	}
	opts := Options{TargetTokens: 30, OverlapFloor: 12}
	chunks := ChunkText(b.String(), opts)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	// Consecutive chunks should share at least one trailing/leading sentence,
	// since the overlap floor keeps tail sentences across the boundary.
	for i := 1; i < len(chunks); i++ {
		prevWords := strings.Fields(chunks[i-1].Text)
		if len(prevWords) == 0 {
			continue
		}
		lastWord := prevWords[len(prevWords)-1]
		if !strings.Contains(chunks[i].Text, lastWord) {
			t.Errorf("chunk %d does not appear to overlap with chunk %d tail %q", i, i-1, lastWord)
		}
	}
}

func TestSplitSentencesPreservesText(t *testing.T) {
	text := "First one. Second one? Third one! Fourth without terminal punctuation"
	sentences := splitSentences(text)
	var rebuilt strings.Builder
	for _, s := range sentences {
		rebuilt.WriteString(s.text)
	}
	if rebuilt.String() != text {
		t.Fatalf("rebuilt text %q does not match original %q", rebuilt.String(), text)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", got)
	}
	if got := estimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1 token for 4 chars, got %d", got)
	}
	if got := estimateTokens("abcde"); got != 2 {
		t.Fatalf("expected 2 tokens for 5 chars (ceil), got %d", got)
	}
}
