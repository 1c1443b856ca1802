// Package store persists user settings and completed chat sessions in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the SQLite handle shared by the settings and session tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	// SQLite serializes writes anyway; a single connection avoids
	// SQLITE_BUSY churn from the pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		model TEXT NOT NULL,
		input_audio_tokens INTEGER DEFAULT 0,
		output_audio_tokens INTEGER DEFAULT 0,
		input_text_tokens INTEGER DEFAULT 0,
		output_text_tokens INTEGER DEFAULT 0,
		total_cost REAL DEFAULT 0,
		mic_device TEXT,
		speaker_device TEXT,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		speaker TEXT NOT NULL CHECK(speaker IN ('user', 'agent')),
		text TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	)`,
}
