// Package store is the persistence pipeline's backing relational
// store: SQLite via mattn/go-sqlite3, schema managed with
// golang-migrate, one transaction per ingested envelope -- the same
// "commit write, then notify" discipline the teacher's gamification
// persistence and session store both follow, generalized from an
// atomic-file-rename and an in-memory map to real SQL transactions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a *sql.DB. All mutating operations run inside a single
// transaction; partial commits are never observable.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// brings its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid SQLITE_BUSY storms
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying database connection is alive,
// used by the self-health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSessionStart inserts a new ACTIVE session row if one doesn't
// already exist for sessionID. Existing rows are left untouched --
// startedAt must never be overwritten by a later envelope.
func (s *Store) UpsertSessionStart(ctx context.Context, sessionID, orgID, siteID, machineID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, org_id, site_id, machine_id, started_at, status, device_ids)
		VALUES (?, ?, ?, ?, ?, 'ACTIVE', '[]')
		ON CONFLICT(session_id) DO NOTHING
	`, sessionID, orgID, siteID, machineID, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("store: upserting session start: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeStringSlice(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
