// Package db provides the SQLite connection and schema management for the local queue.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/fieldcrm/fieldsync/internal/logging"
)

// DB wraps the sql.DB with queue-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the SQLite database at path and applies pending migrations.
// The database is opened with:
// - a single connection, so all writes are serialized
// - WAL journaling so readers never block the writer
// - a busy timeout for contention with other processes
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}

	m := NewMigrator(sqlDB)
	if err := m.Up(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	version, _ := m.CurrentVersion(ctx)
	logging.Debug("[DB] Database opened", map[string]interface{}{
		"path":           path,
		"schema_version": version,
	})

	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
