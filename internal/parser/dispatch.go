package parser

import (
	"context"
	"path/filepath"
)

// ParseFile looks up the parser registered for path's extension and
// invokes it. Returns *ErrUnsupported if no parser is registered.
func ParseFile(ctx context.Context, r *Registry, path string) (*ParseResult, error) {
	ext := normalizeExt(filepath.Ext(path))
	d, ok := r.Get(ext)
	if !ok {
		return nil, &ErrUnsupported{Ext: ext}
	}
	return d.Parser.Parse(ctx, path)
}
