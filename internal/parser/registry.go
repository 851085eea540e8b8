package parser

import (
	"fmt"
	"sort"
	"strings"
)

// Def is one registry entry: an extension family, its parser, and the
// version bookkeeping that drives re-indexing. Extends a plain
// map[ext]Parser with version/history/enabled-by-default fields so a
// parser rewrite can mark every file parsed by an older version as due
// for a re-parse.
type Def struct {
	Extensions       []string
	Label            string
	Parser           Parser
	Version          int
	History          []string
	EnabledByDefault bool
}

// Registry maps a lowercased file extension (without the leading dot) to
// its parser definition. One lookup yields the parser, its current
// version, and whether it is enabled by default — adding a new format
// requires exactly one registry entry.
type Registry struct {
	defs map[string]*Def
}

// NewRegistry builds the default registry covering every supported
// format: PDF, DOCX, DOC, RTF, TXT, MD, XLSX/XLS, CSV/TSV.
func NewRegistry(opts Options) *Registry {
	r := &Registry{defs: make(map[string]*Def)}

	r.register(&Def{
		Extensions:       []string{"txt"},
		Label:            "Plain text",
		Parser:           NewTextParser(opts.EncodingOptions),
		Version:          1,
		History:          []string{"v1: BOM + statistical encoding detection, decode to UTF-8"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"md", "markdown"},
		Label:            "Markdown",
		Parser:           NewMarkdownParser(opts.EncodingOptions),
		Version:          1,
		History:          []string{"v1: strip headings/list markers/emphasis/inline code, preserve visible text"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"pdf"},
		Label:            "PDF",
		Parser:           NewPDFParser(),
		Version:          1,
		History:          []string{"v1: per-page native text extraction, synthetic pagination fallback"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"docx"},
		Label:            "Word (docx)",
		Parser:           NewDOCXParser(),
		Version:          1,
		History:          []string{"v1: word/document.xml run-text extraction"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"doc"},
		Label:            "Word (legacy doc)",
		Parser:           NewDOCParser(),
		Version:          1,
		History:          []string{"v1: mscfb WordDocument stream text-run scan"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"rtf"},
		Label:            "Rich Text Format",
		Parser:           NewRTFParser(),
		Version:          1,
		History:          []string{"v1: control-word stripper; unbalanced braces reported as Corrupt"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"xlsx", "xls"},
		Label:            "Excel",
		Parser:           NewXLSXParser(),
		Version:          1,
		History:          []string{"v1: per-sheet tab-separated rows with sheet-name headers"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"csv"},
		Label:            "CSV",
		Parser:           NewDelimitedParser(',', opts.EncodingOptions),
		Version:          1,
		History:          []string{"v1: ragged-row tolerant, relaxed quoting"},
		EnabledByDefault: true,
	})
	r.register(&Def{
		Extensions:       []string{"tsv"},
		Label:            "TSV",
		Parser:           NewDelimitedParser('\t', opts.EncodingOptions),
		Version:          1,
		History:          []string{"v1: ragged-row tolerant, relaxed quoting"},
		EnabledByDefault: true,
	})

	return r
}

func (r *Registry) register(d *Def) {
	for _, ext := range d.Extensions {
		r.defs[ext] = d
	}
}

// Register overrides or adds a parser definition for one or more
// extensions. Used by tests and by callers wiring custom formats.
func (r *Registry) Register(d *Def) { r.register(d) }

// Get returns the parser definition for ext (case-insensitive, leading
// dot optional).
func (r *Registry) Get(ext string) (*Def, bool) {
	ext = normalizeExt(ext)
	d, ok := r.defs[ext]
	return d, ok
}

// CurrentVersion returns the registered parser version for ext, or 0 if
// the extension is unsupported.
func (r *Registry) CurrentVersion(ext string) int {
	if d, ok := r.Get(ext); ok {
		return d.Version
	}
	return 0
}

// Enabled reports whether ext is both supported and enabled — callers
// combine this with the user's per-extension enable-flag overrides from
// config.
func (r *Registry) Enabled(ext string) bool {
	d, ok := r.Get(ext)
	return ok && d.EnabledByDefault
}

// Extensions returns every registered extension, sorted for deterministic
// iteration in callers like the config UI.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.defs))
	for ext := range r.defs {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	return strings.TrimPrefix(ext, ".")
}

// Options configures registry construction.
type Options struct {
	EncodingOptions EncodingOptions
}

// ErrUnsupported is returned by dispatch helpers when no parser is
// registered for a file's extension.
type ErrUnsupported struct{ Ext string }

func (e *ErrUnsupported) Error() string { return fmt.Sprintf("no parser for extension %q", e.Ext) }
