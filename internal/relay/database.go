package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// TriggerRecord is one accepted trigger, kept for inspection only.
type TriggerRecord struct {
	ID         int64     `json:"id"`
	Key        string    `json:"key"`
	DurationMS int       `json:"duration_ms"`
	SentTo     int       `json:"sent_to"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists the counter and the trigger audit trail.
type Store interface {
	LoadCounter(ctx context.Context, name string) (int64, error)
	SaveCounter(ctx context.Context, name string, value int64) error
	RecordTrigger(ctx context.Context, rec TriggerRecord) error
	RecentTriggers(ctx context.Context, limit int) ([]TriggerRecord, error)
}

// Database is the SQLite-backed Store.
type Database struct {
	db *sql.DB
}

// InitDatabase opens (creating if needed) the database at path and its tables.
func InitDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between the counter and the audit log.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		sent_to INTEGER NOT NULL,
		remote_addr TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_created ON triggers(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// LoadCounter returns the stored value, or 0 if the counter was never saved.
func (d *Database) LoadCounter(ctx context.Context, name string) (int64, error) {
	var v int64
	err := d.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load counter %s: %w", name, err)
	}
	return v, nil
}

// SaveCounter upserts the counter value.
func (d *Database) SaveCounter(ctx context.Context, name string, value int64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO counters (name, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, name, value)
	if err != nil {
		return fmt.Errorf("save counter %s: %w", name, err)
	}
	return nil
}

// RecordTrigger appends an audit row.
func (d *Database) RecordTrigger(ctx context.Context, rec TriggerRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO triggers (key, duration_ms, sent_to, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Key, rec.DurationMS, rec.SentTo, rec.RemoteAddr, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	return nil
}

// RecentTriggers returns up to limit records, newest first.
func (d *Database) RecentTriggers(ctx context.Context, limit int) ([]TriggerRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, key, duration_ms, sent_to, COALESCE(remote_addr, ''), created_at
		FROM triggers ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TriggerRecord
	for rows.Next() {
		var rec TriggerRecord
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.DurationMS, &rec.SentTo, &rec.RemoteAddr, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
