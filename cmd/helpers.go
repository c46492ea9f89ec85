package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"spoolgo/scheduler/store"
)

// openStore opens the database named by SPOOLGO_DB, defaulting to
// data/spoolgo.db under the current directory.
func openStore() (*store.Store, error) {
	dbPath := os.Getenv("SPOOLGO_DB")
	if dbPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		dataDir := filepath.Join(cwd, "data")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "spoolgo.db")
	}

	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// getEnv gets environment variable or returns default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
