package parser

import (
	"context"
	"os"
	"strings"

	"github.com/meridian-search/meridian/internal/apperr"
)

// TextParser handles plain .txt files with encoding detection, reading
// the whole file into memory before decoding.
type TextParser struct {
	opts EncodingOptions
}

func NewTextParser(opts EncodingOptions) *TextParser {
	if opts.FallbackEncoding == nil {
		opts = defaultEncodingOptions()
	}
	return &TextParser{opts: opts}
}

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseIoError, err)
	}

	text, err := decodeText(data, p.opts)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseUnsupportedEncoding, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}
