package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row or runner record does not exist.
var ErrNotFound = errors.New("not found")

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			parents TEXT NOT NULL DEFAULT '[]',
			payload TEXT,
			run_spec TEXT,
			job_id TEXT NOT NULL DEFAULT '',
			log TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runners (
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			max_jobs INTEGER NOT NULL,
			cycle_time INTEGER NOT NULL,
			run_folder TEXT NOT NULL,
			keep_run INTEGER NOT NULL DEFAULT 0,
			on_parent_failure TEXT NOT NULL DEFAULT 'wait',
			defaults TEXT,
			running INTEGER NOT NULL DEFAULT 0,
			explicit_stop INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_status ON rows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_label ON rows(label)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
