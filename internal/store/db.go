// Package store is the durable local state of a chat session: the
// conversation directory, the message history, and the send outbox,
// all in one sqlite file under the session directory.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the session's sqlite handle.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the session database. WAL keeps readers and
// the ingest path from blocking each other; a single writer connection
// sidesteps sqlite's write-lock contention entirely.
func Open(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
