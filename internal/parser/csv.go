package parser

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/meridian-search/meridian/internal/apperr"
)

// DelimitedParser handles CSV/TSV: ragged rows and relaxed quoting,
// encoding-detected the same way as TextParser. Built on stdlib
// encoding/csv — its FieldsPerRecord=-1 / LazyQuotes options already
// cover the needed tolerance, so no third-party parser is justified
// here (see DESIGN.md).
type DelimitedParser struct {
	comma rune
	opts  EncodingOptions
}

func NewDelimitedParser(comma rune, opts EncodingOptions) *DelimitedParser {
	if opts.FallbackEncoding == nil {
		opts = defaultEncodingOptions()
	}
	return &DelimitedParser{comma: comma, opts: opts}
}

func (p *DelimitedParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseIoError, err)
	}

	text, err := decodeText(raw, p.opts)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseUnsupportedEncoding, err)
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = p.comma
	r.FieldsPerRecord = -1 // tolerate ragged rows
	r.LazyQuotes = true    // relaxed quoting

	var b strings.Builder
	rowCount := 0
	for {
		if ctx.Err() != nil {
			return nil, apperr.NewParseError(path, apperr.ParseIoError, ctx.Err())
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A single malformed row shouldn't sink the whole file —
			// relaxed mode already tolerates most cases; anything that
			// still errors is skipped and we keep reading.
			continue
		}
		b.WriteString(strings.Join(record, "\t"))
		b.WriteString("\n")
		rowCount++
	}

	if rowCount == 0 {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: b.String()}}}, nil
}
