package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

type migrationFile struct {
	version     int
	description string
	content     []byte
}

// Migrator applies the versioned migrations shipped in migrations/.
// Files are named V<version>__<description>.up.sql.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator creates a Migrator over the embedded migrations.
func NewMigrator(db *sql.DB) *Migrator {
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return &Migrator{db: db, files: sub}
}

// newMigratorFS creates a Migrator over an arbitrary migration tree.
func newMigratorFS(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Applied returns all applied migrations.
func (m *Migrator) Applied(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations. An applied migration whose file no
// longer matches its recorded checksum is reported instead of silently
// skipped.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read applied migrations", err)
	}
	appliedSums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedSums[mig.Version] = mig.Checksum
	}

	files, err := m.load()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read migrations", err)
	}

	for _, f := range files {
		sum := checksum(f.content)
		if recorded, ok := appliedSums[f.version]; ok {
			if recorded != sum {
				return apperrors.Newf(apperrors.ErrMigration,
					"migration V%d (%s) was modified after it was applied", f.version, f.description)
			}
			continue
		}
		if err := m.apply(ctx, f, sum); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply migration V%d", f.version), err)
		}
	}
	return nil
}

// load lists migration files sorted by version.
func (m *Migrator) load() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".up.sql"), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}
		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, err
		}
		files = append(files, migrationFile{version: version, description: parts[1], content: content})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// apply runs one migration and records it in the same transaction.
func (m *Migrator) apply(ctx context.Context, f migrationFile, sum string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(f.content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, f.version, time.Now().Unix(), f.description, sum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
