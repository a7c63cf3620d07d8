// Package migrate applies the embedded schema migrations. The applied
// version lives in SQLite's user_version pragma, so the schema needs no
// bookkeeping table of its own.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

// versionOf parses the numeric prefix of a migration filename, e.g.
// "0001_init.sql" -> 1.
func versionOf(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %s: %w", name, err)
	}
	return v, nil
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]migration, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		v, err := versionOf(f.Name())
		if err != nil {
			return nil, err
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// Migrate applies pending migrations in one transaction and verifies the
// audit trail guards before committing. A second call is a no-op.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		current = m.version
		applied++
	}
	if applied > 0 {
		// Pragmas take no placeholders; the version is a parsed integer.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", current)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	if err := verifyAuditGuards(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// verifyAuditGuards checks the append-only triggers on audit_events exist.
// A schema without them would silently accept history rewrites.
func verifyAuditGuards(tx *sql.Tx) error {
	var n int
	err := tx.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'audit_events'`,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect audit triggers: %w", err)
	}
	if n < 2 {
		return fmt.Errorf("audit_events is missing its append-only triggers (found %d)", n)
	}
	return nil
}
