package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaVersion is the version a freshly created database starts at
const schemaVersion = 2

// migration is one schema step; statements and the version bump commit in
// a single transaction, so a failed migration never advances the version
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		// stale flag for fingerprint-insensitive re-updates, added after
		// the initial release
		version: 2,
		statements: []string{
			`ALTER TABLE feeds ADD COLUMN stale INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// runMigrations brings an existing database up to schemaVersion, applying
// pending migrations in order, each exactly once. A fresh database is
// stamped with the current version and no migrations run.
func runMigrations(ctx context.Context, db *sqlx.DB, migs []migration) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	// fresh database, schema.sql already created everything at head
	if current == 0 {
		_, err := db.ExecContext(ctx, "INSERT INTO schema_version (id, version) VALUES (1, ?)", schemaVersion)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}

	if current > schemaVersion {
		return fmt.Errorf("database version %d is newer than supported %d", current, schemaVersion)
	}

	for _, m := range migs {
		if m.version <= current {
			continue
		}
		if m.version != current+1 {
			return fmt.Errorf("missing migration for version %d", current+1)
		}

		err := inTransaction(ctx, db, func(tx *sqlx.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration to %d: %w", m.version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = ? WHERE id = 1", m.version); err != nil {
				return fmt.Errorf("bump schema version to %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		current = m.version
	}

	return nil
}

// currentVersion returns the recorded schema version, 0 for a fresh database
func currentVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var version int
	err := db.GetContext(ctx, &version, "SELECT version FROM schema_version WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
