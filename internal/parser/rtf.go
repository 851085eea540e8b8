package parser

import (
	"context"
	"os"
	"strings"

	"github.com/meridian-search/meridian/internal/apperr"
)

// RTFParser strips RTF control words/groups down to visible text. No
// dependency available here parses RTF, so this is a hand-rolled
// control-word stripper, one small parser per extension (see
// text.go/xlsx.go).
//
// A structurally malformed document (unbalanced braces) surfaces as a
// typed ParseError rather than a silent best-effort dump: returning
// whatever garbage text got scraped would hide corruption from the
// file-status ledger.
type RTFParser struct{}

func NewRTFParser() *RTFParser { return &RTFParser{} }

func (p *RTFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseIoError, err)
	}

	text, err := stripRTF(string(data))
	if err != nil {
		return nil, apperr.NewParseError(path, apperr.ParseCorrupt, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.NewParseError(path, apperr.ParseEmpty, nil)
	}

	return &ParseResult{Pages: []Page{{Number: 1, Text: text}}}, nil
}

// unbalancedGroupsErr reports malformed brace nesting.
type unbalancedGroupsErr struct{}

func (unbalancedGroupsErr) Error() string { return "unbalanced RTF group braces" }

// stripRTF walks an RTF byte stream, dropping control words/symbols and
// skipped destination groups (\*\<dest> ... and the fonttbl, colortbl,
// stylesheet, info and pict groups), keeping plain text runs.
// Escaped literals \{, \}, \\ and hex escapes \'xx pass through as text.
func stripRTF(src string) (string, error) {
	var out strings.Builder
	depth := 0
	skipDepth := -1 // group depth at which a \*-marked destination started; -1 = not skipping

	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch c {
		case '{':
			depth++
			i++
		case '}':
			depth--
			if depth < 0 {
				return "", unbalancedGroupsErr{}
			}
			if skipDepth != -1 && depth < skipDepth {
				skipDepth = -1
			}
			i++
		case '\\':
			i++
			if i >= n {
				break
			}
			switch {
			case src[i] == '\'':
				// Hex-escaped byte, e.g. \'e9 — treat as Windows-1252 byte.
				if i+2 < n {
					b, ok := parseHexByte(src[i+1], src[i+2])
					if ok && skipDepth == -1 {
						out.WriteByte(b)
					}
					i += 3
				} else {
					i++
				}
			case src[i] == '\\' || src[i] == '{' || src[i] == '}':
				if skipDepth == -1 {
					out.WriteByte(src[i])
				}
				i++
			case src[i] == '*':
				// Destination marker for the *next* control word in this group.
				skipDepth = depth
				i++
			default:
				// Control word: letters then optional signed digits, then one
				// optional space delimiter.
				start := i
				for i < n && isAlpha(src[i]) {
					i++
				}
				word := src[start:i]
				if i < n && (src[i] == '-' || isDigit(src[i])) {
					if src[i] == '-' {
						i++
					}
					for i < n && isDigit(src[i]) {
						i++
					}
				}
				if i < n && src[i] == ' ' {
					i++
				}
				if word == "par" || word == "line" {
					if skipDepth == -1 {
						out.WriteByte('\n')
					}
				} else if word == "tab" {
					if skipDepth == -1 {
						out.WriteByte('\t')
					}
				} else if skipDepth == -1 && (word == "fonttbl" || word == "colortbl" ||
					word == "stylesheet" || word == "info" || word == "pict") {
					// Known non-text destinations are skipped wholesale, the
					// same way \*-marked ones are, so font names and similar
					// table text never reach the output.
					skipDepth = depth
				}
			}
		default:
			if skipDepth == -1 && depth > 0 {
				out.WriteByte(c)
			}
			i++
		}
	}

	if depth != 0 {
		return "", unbalancedGroupsErr{}
	}

	return out.String(), nil
}

func isAlpha(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }
func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func parseHexByte(hi, lo byte) (byte, bool) {
	h, ok1 := hexVal(hi)
	l, ok2 := hexVal(lo)
	if !ok1 || !ok2 {
		return 0, false
	}
	return h<<4 | l, true
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}
