package embed

import "testing"

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4, 0} // norm = 5
	l2Normalize(v)
	want := []float32{0.6, 0.8, 0}
	for i, got := range v {
		if diff := got - want[i]; diff < -1e-5 || diff > 1e-5 {
			t.Errorf("v[%d] = %f, want %f", i, got, want[i])
		}
	}
}

func TestL2NormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	l2Normalize(v)
	for i, got := range v {
		if got != 0 {
			t.Errorf("v[%d] = %f, want 0 for zero-norm input", i, got)
		}
	}
}

func TestNewMissingModelDir(t *testing.T) {
	_, err := New("/tmp/nonexistent-model-dir-meridian-test", "", 0)
	if err == nil {
		t.Fatal("expected error for missing model dir, got nil")
	}
}

// TestEmbedSemanticSimilarity exercises the real ONNX model, which isn't
// bundled in this tree and is not downloaded by any code here; it must
// already be present in ../../models. Skipped when the model directory
// is absent.
func TestEmbedSemanticSimilarity(t *testing.T) {
	e, err := New("../../models", "", 0)
	if err != nil {
		t.Skipf("skipping: model not found at ../../models: %v", err)
	}
	defer e.Close()

	vecs, err := e.Embed([]string{
		"a cute baby feline playing with yarn",
		"a tiny kitten swatting at a string",
	})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if dotProduct(vecs[0], vecs[1]) < 0.70 {
		t.Errorf("expected high similarity for synonyms")
	}
}

func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
