// Package db opens the SQLite history database.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open opens the database at path with statement tracing through logger.
// A single connection is kept: writes come from one recorder goroutine and
// an in-memory database must not be split across connections.
func Open(path string, logger *slog.Logger) (*sql.DB, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(NewTracingConnector(dsn, logger, 250*time.Millisecond))
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Validate connectivity early
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is empty")
	}

	// - foreign_keys=on: enforce FK constraints
	// - busy_timeout: the HTTP reader and the recorder share the file
	// - journal_mode=WAL: readers do not block the recorder
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
	}

	if path == MemoryPath {
		return "file::memory:?" + strings.Join(params, "&"), nil
	}
	params = append(params, "_journal_mode=WAL")

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
