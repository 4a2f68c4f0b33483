package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func rawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "raw.db")+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateDB(t *testing.T) {
	db := rawDB(t)
	ctx := context.Background()

	before, err := GetMigrationStatus(ctx, db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if before.CurrentVersion != 0 || len(before.Pending) != len(migrations) {
		t.Errorf("fresh database should have all migrations pending: %+v", before)
	}

	if err := MigrateDB(ctx, db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := MigrateDB(ctx, db); err != nil {
		t.Fatalf("second MigrateDB failed: %v", err)
	}

	status, err := GetMigrationStatus(ctx, db)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("expected version %d, got %d", status.LatestVersion, status.CurrentVersion)
	}
	if len(status.Pending) != 0 || len(status.Applied) != len(migrations) {
		t.Errorf("unexpected status: %+v", status)
	}

	if err := ValidateSchema(ctx, db); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	db := rawDB(t)
	ctx := context.Background()

	if err := MigrateDB(ctx, db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := RollbackMigration(ctx, db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}

	if err := ValidateSchema(ctx, db); err == nil {
		t.Error("events table should be gone after rolling back v3")
	}

	status, _ := GetMigrationStatus(ctx, db)
	if status.CurrentVersion != 2 || len(status.Pending) != 1 {
		t.Errorf("unexpected status after rollback: %+v", status)
	}

	if err := MigrateDB(ctx, db); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := ValidateSchema(ctx, db); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
}

func TestRollbackAllMigrations(t *testing.T) {
	db := rawDB(t)
	ctx := context.Background()

	if err := MigrateDB(ctx, db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	for range migrations {
		if err := RollbackMigration(ctx, db); err != nil {
			t.Fatalf("RollbackMigration failed: %v", err)
		}
	}
	if err := RollbackMigration(ctx, db); err == nil {
		t.Error("expected error with nothing left to roll back")
	}
}

func TestMigrationV2BackfillsUpdatedAt(t *testing.T) {
	db := rawDB(t)
	ctx := context.Background()

	if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL, description TEXT)`); err != nil {
		t.Fatalf("create migrations table: %v", err)
	}
	if _, err := db.Exec(migrationV1Up); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations VALUES (1, 0, 'v1')"); err != nil {
		t.Fatalf("record v1: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO tweak_history (tweak_id, tweak_base, created_at, status) VALUES ('1234', '1234', 77, 'applied')`); err != nil {
		t.Fatalf("insert v1 row: %v", err)
	}

	if err := MigrateDB(ctx, db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}

	var updatedAt int64
	var schemaVersion int
	if err := db.QueryRow("SELECT updated_at, schema_version FROM tweak_history").Scan(&updatedAt, &schemaVersion); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if updatedAt != 77 || schemaVersion != 1 {
		t.Errorf("expected backfilled row, got updated_at=%d schema_version=%d", updatedAt, schemaVersion)
	}
}
