package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"github.com/meridian-search/meridian/internal/apperr"
)

func TestRegistryDispatchAndVersions(t *testing.T) {
	r := NewRegistry(Options{})

	for _, ext := range []string{"txt", "md", "pdf", "docx", "doc", "rtf", "xlsx", "xls", "csv", "tsv"} {
		d, ok := r.Get(ext)
		if !ok {
			t.Fatalf("expected parser registered for %q", ext)
		}
		if d.Version < 1 {
			t.Fatalf("%q: expected version >= 1, got %d", ext, d.Version)
		}
		if !r.Enabled(ext) {
			t.Fatalf("%q: expected enabled by default", ext)
		}
	}

	if _, ok := r.Get("exe"); ok {
		t.Fatalf("did not expect a parser for .exe")
	}
}

func TestParseFileUnsupportedExtension(t *testing.T) {
	r := NewRegistry(Options{})
	dir := t.TempDir()
	path := filepath.Join(dir, "a.exe")
	os.WriteFile(path, []byte("x"), 0o644)

	_, err := ParseFile(context.Background(), r, path)
	var unsup *ErrUnsupported
	if !errors.As(err, &unsup) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestTextParserUTF8(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "simple.txt")
	content := "The quick brown fox jumps over the lazy dog. This is a test document."
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewTextParser(defaultEncodingOptions())
	res, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pages[0].Text != content {
		t.Fatalf("got %q, want %q", res.Pages[0].Text, content)
	}
}

func TestTextParserWindows1252Fallback(t *testing.T) {
	// "café décembre" encoded as Windows-1252 (é = 0xE9), invalid UTF-8.
	raw, err := charmap.Windows1252.NewEncoder().String("café décembre")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.txt")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewTextParser(defaultEncodingOptions())
	res, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pages[0].Text != "café décembre" {
		t.Fatalf("got %q, want decoded café décembre", res.Pages[0].Text)
	}
}

func TestTextParserEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	os.WriteFile(path, []byte("   \n\t"), 0o644)

	p := NewTextParser(defaultEncodingOptions())
	_, err := p.Parse(context.Background(), path)
	var pe *apperr.ParseError
	if !errors.As(err, &pe) || pe.Kind != apperr.ParseEmpty {
		t.Fatalf("expected ParseEmpty, got %v", err)
	}
}

func TestMarkdownStrip(t *testing.T) {
	in := "# Heading\n\n- item one\n- item two\n\nSome **bold** and *italic* and `code`.\n"
	out := stripMarkdown(in)
	if out == in {
		t.Fatalf("expected markdown syntax to be stripped")
	}
	for _, marker := range []string{"#", "**", "`", "- "} {
		if containsMarker(out, marker) {
			t.Fatalf("expected %q to be stripped from %q", marker, out)
		}
	}
}

func containsMarker(s, marker string) bool {
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func TestRTFStripBasic(t *testing.T) {
	in := `{\rtf1\ansi {\fonttbl{\f0 Arial;}}\f0 Hello \b world\b0 !\par Second line.}`
	out, err := stripRTF(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !containsMarker(out, "Hello") || !containsMarker(out, "world") || !containsMarker(out, "Second line.") {
		t.Fatalf("expected visible text preserved, got %q", out)
	}
}

func TestRTFUnbalancedBraces(t *testing.T) {
	_, err := stripRTF(`{\rtf1 unterminated`)
	if err == nil {
		t.Fatalf("expected an error for unbalanced braces")
	}
}

func TestDelimitedParserRaggedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	content := "a,b,c\n1,2\n3,4,5,6\n"
	os.WriteFile(path, []byte(content), 0o644)

	p := NewDelimitedParser(',', defaultEncodingOptions())
	res, err := p.Parse(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pages[0].Text == "" {
		t.Fatalf("expected non-empty output for ragged CSV")
	}
}

func TestPDFSyntheticPaginate(t *testing.T) {
	text := ""
	for i := 0; i < 10000; i++ {
		text += "word "
	}
	pages := syntheticPaginate(text)
	if len(pages) < 2 {
		t.Fatalf("expected multiple synthetic pages, got %d", len(pages))
	}
	for i, pg := range pages {
		if pg.Number != i+1 {
			t.Fatalf("page %d: expected number %d, got %d", i, i+1, pg.Number)
		}
	}
}

func TestLegacyTextExtractionHeuristic(t *testing.T) {
	text, ok := extractLegacyText([]byte("Hello legacy doc world this is readable text"))
	if !ok || text == "" {
		t.Fatalf("expected printable ASCII to be recognized as text")
	}

	// Binary noise (control bytes only) should fail the printable-ratio
	// bar under both the single-byte and the UTF-16LE reading.
	noise := make([]byte, 200)
	for i := range noise {
		if i%2 == 0 {
			noise[i] = byte(i % 8)
		}
	}
	_, ok = extractLegacyText(noise)
	if ok {
		t.Fatalf("expected binary noise to fail the printable-ratio heuristic")
	}
}
