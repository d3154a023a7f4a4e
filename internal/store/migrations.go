package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// migration moves the schema from version-1 to version. down undoes it.
type migration struct {
	version int
	name    string
	up      string
	down    string
}

var schema = []migration{
	{
		version: 1,
		name:    "key events",
		up: `
CREATE TABLE IF NOT EXISTS key_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns INTEGER NOT NULL,
    tick         INTEGER NOT NULL,
    mask         INTEGER NOT NULL,
    label        TEXT    NOT NULL,
    is_repeat    INTEGER NOT NULL DEFAULT 0,
    is_long      INTEGER NOT NULL DEFAULT 0,
    overwrote    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_key_events_timestamp ON key_events(timestamp_ns);`,
		down: `
DROP INDEX IF EXISTS idx_key_events_timestamp;
DROP TABLE IF EXISTS key_events;`,
	},
	{
		version: 2,
		name:    "stack scans",
		up: `
CREATE TABLE IF NOT EXISTS stack_scans (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns INTEGER NOT NULL,
    warnings     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS stack_samples (
    scan_id INTEGER NOT NULL REFERENCES stack_scans(id) ON DELETE CASCADE,
    task_id INTEGER NOT NULL,
    name    TEXT    NOT NULL,
    base    INTEGER NOT NULL,
    size    INTEGER NOT NULL,
    free    INTEGER NOT NULL,
    low     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (scan_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_stack_scans_timestamp ON stack_scans(timestamp_ns);`,
		down: `
DROP INDEX IF EXISTS idx_stack_scans_timestamp;
DROP TABLE IF EXISTS stack_samples;
DROP TABLE IF EXISTS stack_scans;`,
	},
}

// requiredTables must exist once every migration is applied.
var requiredTables = []string{"key_events", "stack_scans", "stack_samples", "schema_migrations"}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL,
    name       TEXT
)`

func inTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrateDB brings the schema up to LatestVersion. Each migration commits
// on its own, so a failure leaves the earlier ones applied.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range schema {
		if m.version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.up); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, name) VALUES (?, ?, ?)`,
				m.version, time.Now().UnixNano(), m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// RollbackMigration undoes the newest applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}
	if current > len(schema) || schema[current-1].version != current {
		return fmt.Errorf("unknown schema version %d", current)
	}
	m := schema[current-1]

	err = inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.down); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %d: %w", m.version, err)
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// LatestVersion is the schema version MigrateDB migrates to.
func LatestVersion() int {
	return schema[len(schema)-1].version
}

// ValidateSchema fails if a table the store relies on is missing.
func ValidateSchema(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, t := range requiredTables {
		if !have[t] {
			return fmt.Errorf("missing required table: %s", t)
		}
	}
	return nil
}
