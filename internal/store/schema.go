package store

// schemaSQL returns the DDL applied on first open. The HNSW graph lives
// in its own binary snapshot (internal/hnsw); chunks stores everything
// needed to reconstruct a search hit, keyed by the same sequential id
// the graph assigns on Insert.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	title TEXT NOT NULL,
	page INTEGER NOT NULL,
	offset_bytes INTEGER NOT NULL,
	text TEXT NOT NULL,
	mtime DATETIME NOT NULL,
	indexed_at DATETIME NOT NULL,
	deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
CREATE INDEX IF NOT EXISTS idx_chunks_deleted_at ON chunks(deleted_at);

CREATE TABLE IF NOT EXISTS file_status (
	path TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	parser_version INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	last_modified DATETIME,
	indexed_at DATETIME,
	last_retry DATETIME,
	file_hash TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_file_status_status ON file_status(status);
`
