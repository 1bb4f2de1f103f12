// Package store persists the desktop agent's durable state: its device
// identity, the current room, session metadata, and compressed transcripts.
// Everything lives in a single SQLite file under the user's state directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB opens the SQLite database at path and configures it for this
// process: WAL mode, foreign keys on, a busy timeout, and a single writer.
// ":memory:" gives an in-memory database for tests.
func openDB(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite supports a single writer at a time.
	db.SetMaxOpenConns(1)

	return db, nil
}

// DefaultPath returns the state database location under the user's home
// directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codetether", "state.db"), nil
}
