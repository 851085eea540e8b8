package parser

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// EncodingOptions tunes the byte-inspection decoder shared by the
// text/markdown/csv parsers: detect encoding by BOM first, then fall
// back to a statistical check for valid UTF-8.
type EncodingOptions struct {
	// FallbackEncoding is used when the statistical detector can't
	// confirm valid UTF-8 and no BOM is present. Defaults to
	// Windows-1252, the most common legacy encoding for office
	// documents.
	FallbackEncoding encoding.Encoding
}

func defaultEncodingOptions() EncodingOptions {
	return EncodingOptions{FallbackEncoding: charmap.Windows1252}
}

var bomDecoders = []struct {
	bom []byte
	enc encoding.Encoding
}{
	{[]byte{0xEF, 0xBB, 0xBF}, unicode.UTF8BOM},
	{[]byte{0xFF, 0xFE, 0x00, 0x00}, unicode.UTF32(unicode.LittleEndian, unicode.ExpectBOM)},
	{[]byte{0x00, 0x00, 0xFE, 0xFF}, unicode.UTF32(unicode.BigEndian, unicode.ExpectBOM)},
	{[]byte{0xFF, 0xFE}, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)},
	{[]byte{0xFE, 0xFF}, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)},
}

// decodeText converts raw bytes to a UTF-8 string, handling a BOM if
// present and otherwise falling back to a statistical check: valid UTF-8
// is passed through, anything else is decoded with opts.FallbackEncoding.
func decodeText(data []byte, opts EncodingOptions) (string, error) {
	for _, bd := range bomDecoders {
		if bytes.HasPrefix(data, bd.bom) {
			out, err := bd.enc.NewDecoder().Bytes(data)
			if err != nil {
				return "", err
			}
			return string(out), nil
		}
	}

	if utf8.Valid(data) {
		return string(data), nil
	}

	fallback := opts.FallbackEncoding
	if fallback == nil {
		fallback = charmap.Windows1252
	}
	out, err := fallback.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
