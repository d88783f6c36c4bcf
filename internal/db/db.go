// Package db provides SQLite persistence for the governance engine: the
// append-only audit trail and per-project autonomy levels.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the underlying SQLite handle.
type DB struct {
	*sql.DB
	path string
}

// schema is applied in full on open; CREATE IF NOT EXISTS keeps it idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	step_id           TEXT NOT NULL DEFAULT '',
	timestamp         TEXT NOT NULL,
	tool_name         TEXT NOT NULL,
	parameters        TEXT NOT NULL DEFAULT '',
	full_parameters   TEXT,
	result            TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	risk_level        TEXT NOT NULL,
	approval_required INTEGER NOT NULL DEFAULT 0,
	approval_decision TEXT NOT NULL DEFAULT '',
	approved_by       TEXT NOT NULL DEFAULT '',
	approval_time_ms  INTEGER NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL DEFAULT 0,
	parent_plan_id    TEXT NOT NULL DEFAULT '',
	yolo_mode         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_entries(tool_name);

CREATE TABLE IF NOT EXISTS autonomy_levels (
	project_path TEXT PRIMARY KEY,
	level        TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	agent_name     TEXT NOT NULL,
	project_path   TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	last_active_at TEXT NOT NULL,
	ended_at       TEXT,
	yolo_mode      INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
	ON sessions(agent_name, project_path) WHERE ended_at IS NULL;
`

// OpenAndMigrate opens (creating if needed) the database at path and applies
// the schema.
func OpenAndMigrate(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps concurrent readers from blocking the audit writer.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{DB: handle, path: path}, nil
}

// Path returns the filesystem path of the database.
func (db *DB) Path() string {
	return db.path
}
