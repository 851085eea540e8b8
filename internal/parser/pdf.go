package parser

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/meridian-search/meridian/internal/apperr"
)

// syntheticPageChars is the fallback page size (in characters) used when
// the extractor can only produce one monolithic string: every
// syntheticPageChars run of characters is labelled as a successive page
// for offset math.
const syntheticPageChars = 3000

// PDFParser extracts per-page text using a visual-line-ordered
// extraction over github.com/ledongthuc/pdf, with no image/vision or
// cloud-parsing fallback — documents that need those are out of scope.
type PDFParser struct{}

func NewPDFParser() *PDFParser { return &PDFParser{} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}
	defer f.Close()

	total := reader.NumPage()
	var pages []Page

	for i := 1; i <= total; i++ {
		if ctx.Err() != nil {
			return nil, apperr.NewParseError(path, apperr.ParseIoError, ctx.Err())
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := extractPageTextOrdered(page)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	// If every page collapsed to a single blob (some PDF producers emit
	// one giant content stream with no per-page structure visible to the
	// library), re-split by character count so offsets remain meaningful.
	if len(pages) == 1 && len(pages[0].Text) > syntheticPageChars*2 {
		pages = syntheticPaginate(pages[0].Text)
	}

	return &ParseResult{Pages: pages}, nil
}

// syntheticPaginate splits one monolithic string into successive pages of
// syntheticPageChars runes each, breaking at a following whitespace
// boundary so words are not split mid-token.
func syntheticPaginate(text string) []Page {
	var pages []Page
	runes := []rune(text)
	start := 0
	num := 1
	for start < len(runes) {
		end := start + syntheticPageChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			for end < len(runes) && !isBreakRune(runes[end]) {
				end++
			}
		}
		pages = append(pages, Page{Number: num, Text: string(runes[start:end])})
		start = end
		num++
	}
	return pages
}

func isBreakRune(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }

// extractPageTextOrdered reconstructs reading order from a page's raw
// text elements by grouping into visual lines (Y proximity) and sorting
// lines top-to-bottom, falling back to the library's own plain-text
// extraction when the content stream yields no positioned text runs.
func extractPageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0
	type visualLine struct {
		y   float64
		buf strings.Builder
	}

	var lines []*visualLine
	var cur *visualLine
	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	sort.SliceStable(lines, func(i, j int) bool { return lines[i].y > lines[j].y })

	var parts []string
	for _, l := range lines {
		if s := strings.TrimSpace(l.buf.String()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), nil
}
