package parser

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/meridian-search/meridian/internal/apperr"
)

// MarkdownParser decodes a .md file the way TextParser does, then strips
// headings, list markers, emphasis and inline code while preserving the
// visible text. One small helper per syntax element it strips.
type MarkdownParser struct {
	opts EncodingOptions
}

func NewMarkdownParser(opts EncodingOptions) *MarkdownParser {
	if opts.FallbackEncoding == nil {
		opts = defaultEncodingOptions()
	}
	return &MarkdownParser{opts: opts}
}

var (
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdListMarker = regexp.MustCompile(`(?m)^\s*([-*+]|\d+\.)\s+`)
	mdBoldItalic = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)\1`)
	mdInlineCode = regexp.MustCompile("`([^`]*)`")
	mdLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdFence      = regexp.MustCompile("(?s)```.*?```")
)

// stripMarkdown removes markdown syntax, keeping the visible text.
func stripMarkdown(text string) string {
	text = mdFence.ReplaceAllStringFunc(text, func(block string) string {
		return strings.Trim(strings.TrimPrefix(strings.TrimSuffix(block, "```"), "```"), "\n")
	})
	text = mdHeading.ReplaceAllString(text, "")
	text = mdListMarker.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdBoldItalic.ReplaceAllString(text, "$2")
	text = mdInlineCode.ReplaceAllString(text, "$1")
	return text
}

func (p *MarkdownParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseIoError, err)
	}

	text, err := decodeText(data, p.opts)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseUnsupportedEncoding, err)
	}

	text = stripMarkdown(text)
	if strings.TrimSpace(text) == "" {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}
