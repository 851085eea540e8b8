// Package apperr defines the error taxonomy shared across the indexing and
// query pipeline: parse failures, embed failures, db failures, config
// failures, and cancellation. Components wrap these with context via
// fmt.Errorf("...: %w", err); callers use errors.As/errors.Is to branch
// on kind.
package apperr

import "fmt"

// ParseKind distinguishes the ways a document parser can fail.
type ParseKind int

const (
	ParseUnsupportedEncoding ParseKind = iota
	ParseCorrupt
	ParseEmpty
	ParseIoError
)

func (k ParseKind) String() string {
	switch k {
	case ParseUnsupportedEncoding:
		return "UnsupportedEncoding"
	case ParseCorrupt:
		return "Corrupt"
	case ParseEmpty:
		return "Empty"
	case ParseIoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// ParseError is returned by parser.Parser implementations.
type ParseError struct {
	Kind ParseKind
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

func NewParseError(path string, kind ParseKind, err error) *ParseError {
	return &ParseError{Kind: kind, Path: path, Err: err}
}

// EmbedKind distinguishes embedder-pool failure modes.
type EmbedKind int

const (
	EmbedTimeout EmbedKind = iota
	EmbedWorkerCrash
	EmbedProtocolError
)

func (k EmbedKind) String() string {
	switch k {
	case EmbedTimeout:
		return "Timeout"
	case EmbedWorkerCrash:
		return "WorkerCrash"
	case EmbedProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// EmbedError is returned by the embedder pool when a batch request fails.
type EmbedError struct {
	Kind EmbedKind
	Err  error
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("embed: %s: %v", e.Kind, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

func NewEmbedError(kind EmbedKind, err error) *EmbedError {
	return &EmbedError{Kind: kind, Err: err}
}

// DbKind distinguishes vector-store failure modes.
type DbKind int

const (
	DbTransient DbKind = iota
	DbSchema
	DbFatal
)

func (k DbKind) String() string {
	switch k {
	case DbTransient:
		return "Transient"
	case DbSchema:
		return "Schema"
	case DbFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// DbError is returned by the vector store's write queue and query path.
type DbError struct {
	Kind DbKind
	Err  error
}

func (e *DbError) Error() string {
	return fmt.Sprintf("db: %s: %v", e.Kind, e.Err)
}

func (e *DbError) Unwrap() error { return e.Err }

func NewDbError(kind DbKind, err error) *DbError {
	return &DbError{Kind: kind, Err: err}
}

// ConfigError wraps a configuration load/parse failure. Config errors
// never refuse startup — callers fall back to defaults and surface
// this as a warning.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(err error) *ConfigError { return &ConfigError{Err: err} }

// ErrCancelled is returned by long-running operations aborted by shutdown.
var ErrCancelled = fmt.Errorf("cancelled")
