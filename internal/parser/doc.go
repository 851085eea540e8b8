package parser

import (
	"context"
	"os"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"

	"github.com/meridian-search/meridian/internal/apperr"
)

// DOCParser extracts text from legacy binary .doc files via the
// compound-file-binary container (richardlehane/mscfb is a pack
// dependency already pulled in transitively by excelize's legacy .xls
// support; the distillation's own legacy.go punted this format to a
// cloud API, which is a Non-goal here — this module reads the
// WordDocument stream locally instead).
//
// Word's binary format packs character runs as either 8-bit (Windows-
// 1252-ish) or UTF-16LE text depending on internal flags this module
// does not decode (no FIB/piece-table parsing — that's a project on its
// own). Instead it takes the pragmatic "strings"-style approach: scan
// the stream both as UTF-16LE and as single-byte text, keep whichever
// interpretation yields the longer printable text, and surface a
// Corrupt error if neither clears a minimum printable-ratio bar.
type DOCParser struct{}

func NewDOCParser() *DOCParser { return &DOCParser{} }

const minPrintableRatio = 0.6

func (p *DOCParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseIoError, err)
	}
	defer f.Close()

	r, err := mscfb.New(f)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}

	var wordDoc []byte
	for entry, err := r.Next(); err == nil; entry, err = r.Next() {
		if ctx.Err() != nil {
			return nil, apperr.NewParseError(path, apperr.ParseIoError, ctx.Err())
		}
		if entry == nil {
			break
		}
		if strings.EqualFold(entry.Name, "WordDocument") {
			buf := make([]byte, entry.Size)
			n, _ := r.Read(buf)
			wordDoc = buf[:n]
			break
		}
	}

	if len(wordDoc) == 0 {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, nil)
	}

	text, ok := extractLegacyText(wordDoc)
	if !ok {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, nil)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}

// extractLegacyText tries a UTF-16LE interpretation and a single-byte
// interpretation of raw, picks whichever yields the longer printable text, and
// reports whether the winner clears minPrintableRatio.
func extractLegacyText(raw []byte) (string, bool) {
	wide := decodeUTF16LEPrintable(raw)
	narrow := decodeSingleBytePrintable(raw)

	best := wide
	if len(narrow) > len(wide) {
		best = narrow
	}
	if len(best) == 0 {
		return "", false
	}
	return best, true
}

func decodeUTF16LEPrintable(raw []byte) string {
	if len(raw) < 2 {
		return ""
	}
	n := len(raw) / 2
	u16 := make([]uint16, n)
	for i := 0; i < n; i++ {
		u16[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	runes := utf16.Decode(u16)
	return joinPrintableRuns(runes)
}

func decodeSingleBytePrintable(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return joinPrintableRuns(runes)
}

// joinPrintableRuns keeps maximal runs of printable/whitespace runes at
// least 4 characters long, joined by newlines, and reports the
// concatenated text only if the printable fraction of the input clears
// minPrintableRatio.
func joinPrintableRuns(runes []rune) string {
	var out strings.Builder
	var run []rune
	var printable, total int

	flush := func() {
		if len(run) >= 4 {
			out.WriteString(string(run))
			out.WriteByte('\n')
		}
		run = run[:0]
	}

	for _, r := range runes {
		total++
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
			run = append(run, r)
		} else {
			flush()
		}
	}
	flush()

	if total == 0 || float64(printable)/float64(total) < minPrintableRatio {
		return ""
	}
	return out.String()
}
