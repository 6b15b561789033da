package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// MigrateOptions control how RunMigrations applies the embedded SQL files.
type MigrateOptions struct {
	// DryRun lists unapplied migrations without executing them.
	DryRun bool
}

// SchemaVersion returns the highest applied migration version, or 0 when no
// migration has run yet. Versions are the numeric prefix of the filename
// (001_initial.sql → 1) and are strictly monotonic.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	if err := db.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var v int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	return v, nil
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in filename order. Each file runs at most once; applied versions
// are tracked in the schema_version table. Returns the list of files applied
// (or, under DryRun, the files that would be applied).
//
// There is no automatic down path: rollback is restore-from-backup. Operators
// take a backup before upgrading; DryRun exists so the pending set can be
// reviewed first.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS, opts MigrateOptions) ([]string, error) {
	if err := db.ensureVersionTable(ctx); err != nil {
		return nil, err
	}

	applied, err := db.loadAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var ran []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if applied[version] {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		if opts.DryRun {
			ran = append(ran, name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		db.logger.Info("running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return nil, fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_version (version, filename) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			version, name,
		); err != nil {
			return nil, fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		ran = append(ran, name)
	}

	return ran, nil
}

func (db *DB) ensureVersionTable(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: create schema_version: %w", err)
	}
	return nil
}

func (db *DB) loadAppliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// migrationVersion parses the numeric prefix of a migration filename.
func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("storage: migration %s has no numeric prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("storage: migration %s has invalid version prefix", name)
	}
	return v, nil
}
