package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

//go:embed migrations/*/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the embedded migrations for a dialect in version order
func Migrations(dialect string) ([]Migration, error) {
	dir := path.Join("migrations", dialectDir(dialect))
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, desc, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be <version>_<description>.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: invalid version: %w", name, err)
		}

		body, err := fs.ReadFile(migrationFiles, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(desc, "_", " "),
			SQL:         string(body),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

func dialectDir(name string) string {
	if name == "sqlite3" {
		return "sqlite"
	}
	return name
}

// Migrate applies every pending migration. Each migration and its
// schema_migrations row commit together in one exclusive transaction.
func Migrate(ctx context.Context, db *DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	migrations, err := Migrations(db.Dialect.Name())
	if err != nil {
		return err
	}

	exec := db.Executor(txn.WithLogger(logger))

	if err := exec.Run(ctx, txn.ExclusiveOptions("migrate_init"), func(ctx context.Context, tx *txn.Tx) error {
		_, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				description TEXT NOT NULL,
				applied_at TIMESTAMP NOT NULL
			)`)
		return err
	}); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := AppliedVersions(ctx, exec)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		})
		log.Info("Running migration")

		m := m
		err := exec.Run(ctx, txn.ExclusiveOptions("migrate"), func(ctx context.Context, tx *txn.Tx) error {
			// Skip if another process applied it while we waited for the lock.
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return nil
			}

			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Description, time.Now().UTC(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}

		log.Info("Migration completed")
	}

	return nil
}

// AppliedVersions returns the set of recorded migration versions
func AppliedVersions(ctx context.Context, exec *txn.Executor) (map[int]bool, error) {
	return txn.Query(ctx, exec, txn.Named("migrate_applied"), func(ctx context.Context, tx *txn.Tx) (map[int]bool, error) {
		rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
		if err != nil {
			return nil, fmt.Errorf("failed to query migrations: %w", err)
		}
		defer rows.Close()

		applied := make(map[int]bool)
		for rows.Next() {
			var version int
			if err := rows.Scan(&version); err != nil {
				return nil, fmt.Errorf("failed to scan migration version: %w", err)
			}
			applied[version] = true
		}
		return applied, rows.Err()
	})
}
