package embedworker

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	want := Message{ID: 7, Kind: KindEmbed, Payload: mustMarshal(EmbedPayload{Texts: []string{"hello"}, IsQuery: true})}
	if err := w.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.ID != want.ID || got.Kind != want.Kind {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	var payload EmbedPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.Texts) != 1 || payload.Texts[0] != "hello" || !payload.IsQuery {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReaderMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := uint64(0); i < 3; i++ {
		if err := w.Write(Message{ID: i, Kind: KindHealth}); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReader(&buf)
	for i := uint64(0); i < 3; i++ {
		m, err := r.Read()
		if err != nil {
			t.Fatalf("Read frame %d: %v", i, err)
		}
		if m.ID != i {
			t.Fatalf("frame %d: got ID %d", i, m.ID)
		}
	}
}

func TestParseVmRSS(t *testing.T) {
	status := []byte("Name:\tfoo\nVmRSS:\t  12345 kB\nVmSize:\t999 kB\n")
	got, ok := parseVmRSS(status)
	if !ok {
		t.Fatal("expected VmRSS to be found")
	}
	if got != 12345*1024 {
		t.Fatalf("got %d bytes, want %d", got, 12345*1024)
	}
}

func TestParseVmRSSMissing(t *testing.T) {
	if _, ok := parseVmRSS([]byte("Name:\tfoo\n")); ok {
		t.Fatal("expected not found for missing VmRSS line")
	}
}
