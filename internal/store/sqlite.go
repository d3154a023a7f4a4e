package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store keeps consumed key events and stack scans in SQLite.
type Store struct {
	db *sql.DB
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode()
}

// Open creates the database and its directory if needed and migrates the
// schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store closed")
	}
	return s.db.PingContext(ctx)
}

// Check pings the database and verifies every table is present. It backs the
// store health check.
func (s *Store) Check(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	return ValidateSchema(s.db)
}

// SchemaVersion returns the newest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

// Rollback undoes the newest migration. The next Open reapplies it on an
// empty table set.
func (s *Store) Rollback() error {
	return RollbackMigration(s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const keyColumns = `id, timestamp_ns, tick, mask, label, is_repeat, is_long, overwrote`

func scanKey(r rowScanner) (KeyEvent, error) {
	var e KeyEvent
	err := r.Scan(&e.ID, &e.TimestampNs, &e.Tick, &e.Mask, &e.Label, &e.Repeat, &e.Long, &e.Overwrote)
	return e, err
}

func scanSample(r rowScanner) (StackSample, error) {
	var smp StackSample
	var task, base int64
	err := r.Scan(&smp.ScanID, &task, &smp.Name, &base, &smp.Size, &smp.Free, &smp.Low)
	smp.TaskID, smp.Base = uint64(task), uint64(base)
	return smp, err
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordKey appends e and sets its ID.
func (s *Store) RecordKey(e *KeyEvent) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO key_events (timestamp_ns, tick, mask, label, is_repeat, is_long, overwrote)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TimestampNs, e.Tick, e.Mask, e.Label, e.Repeat, e.Long, e.Overwrote)
	if err != nil {
		return 0, fmt.Errorf("insert key event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("key event id: %w", err)
	}
	return e.ID, nil
}

// RecentKeys returns up to limit key events, newest first.
func (s *Store) RecentKeys(limit int) ([]KeyEvent, error) {
	rows, err := s.db.Query(`SELECT `+keyColumns+` FROM key_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query key events: %w", err)
	}
	defer rows.Close()

	var events []KeyEvent
	for rows.Next() {
		e, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("read key event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) CountKeys() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM key_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count key events: %w", err)
	}
	return n, nil
}

// PruneKeys keeps the newest keep key events and reports how many it
// deleted.
func (s *Store) PruneKeys(keep int) (int64, error) {
	n, err := affected(s.db.Exec(`DELETE FROM key_events
		WHERE id NOT IN (SELECT id FROM key_events ORDER BY id DESC LIMIT ?)`, keep))
	if err != nil {
		return 0, fmt.Errorf("prune key events: %w", err)
	}
	return n, nil
}

// RecordScan stores sc with all its samples atomically and sets the IDs.
func (s *Store) RecordScan(sc *Scan) (int64, error) {
	var id int64
	err := inTx(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO stack_scans (timestamp_ns, warnings) VALUES (?, ?)`,
			sc.TimestampNs, sc.Warnings)
		if err != nil {
			return fmt.Errorf("insert scan: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("scan id: %w", err)
		}

		stmt, err := tx.Prepare(`INSERT INTO stack_samples (scan_id, task_id, name, base, size, free, low)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sample insert: %w", err)
		}
		defer stmt.Close()
		for _, smp := range sc.Samples {
			if _, err := stmt.Exec(id, int64(smp.TaskID), smp.Name, int64(smp.Base), smp.Size, smp.Free, smp.Low); err != nil {
				return fmt.Errorf("insert sample for task %d: %w", smp.TaskID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sc.ID = id
	for i := range sc.Samples {
		sc.Samples[i].ScanID = id
	}
	return id, nil
}

// LatestScan returns the newest scan with its samples ordered by task ID,
// or nil when nothing has been recorded.
func (s *Store) LatestScan() (*Scan, error) {
	sc := &Scan{}
	err := s.db.QueryRow(`SELECT id, timestamp_ns, warnings FROM stack_scans ORDER BY id DESC LIMIT 1`).
		Scan(&sc.ID, &sc.TimestampNs, &sc.Warnings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query scan: %w", err)
	}

	rows, err := s.db.Query(`SELECT scan_id, task_id, name, base, size, free, low
		FROM stack_samples WHERE scan_id = ? ORDER BY task_id`, sc.ID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("read sample: %w", err)
		}
		sc.Samples = append(sc.Samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	return sc, nil
}

// PruneScans deletes scans taken before beforeNs. Their samples go with
// them through the foreign key cascade.
func (s *Store) PruneScans(beforeNs int64) (int64, error) {
	n, err := affected(s.db.Exec(`DELETE FROM stack_scans WHERE timestamp_ns < ?`, beforeNs))
	if err != nil {
		return 0, fmt.Errorf("prune scans: %w", err)
	}
	return n, nil
}
