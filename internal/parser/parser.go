// Package parser dispatches file extensions to format-specific text
// extractors and tracks the per-extension version table that drives
// re-indexing. The Parser interface and ParseResult shape reduce every
// format down to a plain "ordered pages of text" contract.
package parser

import "context"

// Page is one page of extracted text. Flat formats (txt, md, docx, rtf,
// csv) produce a single Page with Number 1; xlsx produces one Page per
// non-empty sheet, numbered from 1; PDF produces one Page
// per source page (or a synthetic page every K characters if the
// underlying extractor yields a single monolithic string).
type Page struct {
	Number int
	Text   string
}

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Pages []Page
}

// FullText concatenates all pages' text in order, for parsers/consumers
// that don't care about page boundaries (e.g. the chunker operates
// per-page so PDF offsets stay page-relative).
func (r *ParseResult) FullText() string {
	if len(r.Pages) == 1 {
		return r.Pages[0].Text
	}
	var out []byte
	for _, p := range r.Pages {
		out = append(out, p.Text...)
	}
	return string(out)
}

// Parser extracts plain text from a single regular file. Implementations
// never write to the source file. Errors are *apperr.ParseError values.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
}

// ParserFunc adapts a plain function to the Parser interface.
type ParserFunc func(ctx context.Context, path string) (*ParseResult, error)

func (f ParserFunc) Parse(ctx context.Context, path string) (*ParseResult, error) {
	return f(ctx, path)
}
