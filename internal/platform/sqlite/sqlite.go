// Package sqlite opens the single-node claim database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Schema mirrors the Postgres claims and block_high_water tables.
const Schema = `
CREATE TABLE IF NOT EXISTS claims (
	claim BLOB PRIMARY KEY,
	owner TEXT NOT NULL,
	registered_at INTEGER NOT NULL CHECK (registered_at >= 0)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS block_high_water (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	registered_at INTEGER NOT NULL CHECK (registered_at >= 0)
);
`

// Open opens path and applies Schema. The pool is capped at one connection so
// every transaction is serialized by the driver. Use ":memory:" for an
// ephemeral database.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}
