// Package db provides the project audit database (.forge/forge.db), a
// SQLite event log used for timeline reconstruction and session history.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultPath is the audit database location relative to the project.
const DefaultPath = ".forge/forge.db"

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	phase      TEXT,
	stage      TEXT,
	iteration  INTEGER,
	event_type TEXT NOT NULL,
	data       TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_session ON event_log(session_id, id);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
`

// DB wraps the audit database connection.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens the audit database at path, creating the parent directory and
// schema as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; serialize through a single conn.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{db: conn, path: path}, nil
}

// OpenInMemory opens an isolated in-memory database, mainly for tests.
func OpenInMemory() (*DB, error) {
	return Open(":memory:")
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database path.
func (d *DB) Path() string {
	return d.path
}
