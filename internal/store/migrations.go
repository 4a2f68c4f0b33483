package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Migration is one numbered schema change with its inverse.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations must stay sorted by Version.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with tweak history and snapshots",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Track verification, update time, schema version and applied definition",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add events table for apply and revert outcomes",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
-- One row per apply attempt
CREATE TABLE IF NOT EXISTS tweak_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    tweak_id        TEXT NOT NULL,
    tweak_base      TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    reverted_at     INTEGER,
    status          TEXT NOT NULL DEFAULT 'defined',
    error_message   TEXT
);

CREATE INDEX IF NOT EXISTS idx_history_tweak ON tweak_history(tweak_id, id);
CREATE INDEX IF NOT EXISTS idx_history_base ON tweak_history(tweak_base, id);
CREATE INDEX IF NOT EXISTS idx_history_status ON tweak_history(status);

-- Pre-mutation state, one row per applied action
CREATE TABLE IF NOT EXISTS snapshots (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    history_id      INTEGER NOT NULL REFERENCES tweak_history(id),
    sequence        INTEGER NOT NULL,
    action_type     TEXT NOT NULL,
    metadata        BLOB NOT NULL,
    captured_at     INTEGER NOT NULL,
    UNIQUE(history_id, sequence)
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS snapshots;
DROP INDEX IF EXISTS idx_history_status;
DROP INDEX IF EXISTS idx_history_base;
DROP INDEX IF EXISTS idx_history_tweak;
DROP TABLE IF EXISTS tweak_history;
`

const migrationV2Up = `
ALTER TABLE tweak_history ADD COLUMN verified_at INTEGER;
ALTER TABLE tweak_history ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1;
ALTER TABLE tweak_history ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0;
ALTER TABLE tweak_history ADD COLUMN action_count INTEGER NOT NULL DEFAULT 0;
ALTER TABLE tweak_history ADD COLUMN definition_json BLOB;

UPDATE tweak_history SET updated_at = created_at WHERE updated_at = 0;
`

const migrationV2Down = `
ALTER TABLE tweak_history DROP COLUMN definition_json;
ALTER TABLE tweak_history DROP COLUMN action_count;
ALTER TABLE tweak_history DROP COLUMN updated_at;
ALTER TABLE tweak_history DROP COLUMN schema_version;
ALTER TABLE tweak_history DROP COLUMN verified_at;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    name            TEXT NOT NULL,
    tweak_id        TEXT NOT NULL,
    history_id      INTEGER,
    result          TEXT NOT NULL,
    error           TEXT,
    at              INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_tweak ON events(tweak_id, at);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_events_tweak;
DROP INDEX IF EXISTS idx_events_run;
DROP TABLE IF EXISTS events;
`

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// schemaTables must all exist once every migration has run.
var schemaTables = []string{"tweak_history", "snapshots", "events", "schema_migrations"}

// MigrateDB brings db up to the latest schema version. Each migration runs
// in its own transaction together with its schema_migrations row.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration undoes the most recent migration.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("schema is at version 0, nothing to roll back")
	}
	idx := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == current })
	if idx < 0 {
		return fmt.Errorf("schema version %d is unknown to this build", current)
	}
	m := migrations[idx]

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %d: %w", m.Version, err)
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	Description string
	AppliedAt   time.Time
}

// GetMigrationStatus compares schema_migrations against the migrations this
// build knows. A database that was never migrated reports everything pending.
func GetMigrationStatus(ctx context.Context, db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		status.Pending = slices.Clone(migrations)
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]struct{})
	for rows.Next() {
		var (
			am AppliedMigration
			at int64
			d  sql.NullString
		)
		if err := rows.Scan(&am.Version, &at, &d); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		am.AppliedAt = time.Unix(0, at)
		am.Description = d.String
		status.Applied = append(status.Applied, am)
		applied[am.Version] = struct{}{}
		status.CurrentVersion = max(status.CurrentVersion, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if _, ok := applied[m.Version]; !ok {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema fails unless every table of the latest schema exists.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range schemaTables {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("look up table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("table %s does not exist", table)
		}
	}
	return nil
}
