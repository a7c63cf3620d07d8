package migrate_test

import (
	"testing"

	"ledgerline/internal/db"
	"ledgerline/internal/migrate"
)

func TestMigrateFreshAndRepeat(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("fresh migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version < 1 {
		t.Fatalf("user_version = %d, want >= 1", version)
	}

	// Re-running must be a no-op, not a duplicate-table error.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("repeat migrate: %v", err)
	}
	var after int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if after != version {
		t.Fatalf("user_version changed on repeat: %d -> %d", version, after)
	}
}

func TestMigrateInstallsAuditGuards(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	var triggers int
	err = conn.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'audit_events'`,
	).Scan(&triggers)
	if err != nil {
		t.Fatal(err)
	}
	if triggers != 2 {
		t.Fatalf("audit_events triggers = %d, want 2", triggers)
	}
}
