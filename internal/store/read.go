package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ListSessions returns summaries matching filter, newest-startedAt-first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionSummary, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.SiteID != "" {
		where = append(where, "site_id = ?")
		args = append(args, filter.SiteID)
	}
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT %s FROM sessions WHERE %s
		ORDER BY started_at DESC LIMIT ? OFFSET ?
	`, sessionColumns, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		summary, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// GetSession fetches a single session by id. Returns sql.ErrNoRows if
// absent -- callers translate that to HTTP 404.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE session_id = ?`, sessionColumns), sessionID)
	return scanSession(row)
}

const sessionColumns = `session_id, org_id, site_id, machine_id, started_at, ended_at, status,
	duration_seconds, fc_seconds, drop_seconds, max_bt_c, et_max_c, min_ambient_c,
	max_elapsed_seconds_seen, telemetry_points, verified_points, unsigned_points, failed_points, device_ids`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scannable) (SessionSummary, error) {
	var s SessionSummary
	var startedAt string
	var endedAt sql.NullString
	var status string
	var duration, fc, drop, maxBt, etMax, minAmbient sql.NullFloat64
	var deviceIDs string

	err := row.Scan(&s.SessionID, &s.OrgID, &s.SiteID, &s.MachineID,
		&startedAt, &endedAt, &status,
		&duration, &fc, &drop, &maxBt, &etMax, &minAmbient,
		&s.MaxElapsedSecondsSeen,
		&s.TelemetryPoints, &s.VerifiedPoints, &s.UnsignedPoints, &s.FailedPoints,
		&deviceIDs)
	if err != nil {
		return SessionSummary{}, err
	}

	s.Status = Status(status)
	if t, perr := parseTime(startedAt); perr == nil {
		s.StartedAt = t
	}
	if endedAt.Valid {
		if t, perr := parseTime(endedAt.String); perr == nil {
			s.EndedAt = &t
		}
	}
	s.DurationSeconds = nullableFloat(duration)
	s.FCSeconds = nullableFloat(fc)
	s.DropSeconds = nullableFloat(drop)
	s.MaxBtC = nullableFloat(maxBt)
	s.EtMaxC = nullableFloat(etMax)
	s.MinAmbientC = nullableFloat(minAmbient)
	s.DeviceIDs = decodeStringSlice(deviceIDs)
	return s, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// GetTelemetry returns a session's telemetry rows ordered by
// elapsedSeconds ascending, optionally windowed and limited.
func (s *Store) GetTelemetry(ctx context.Context, sessionID string, limit int, fromElapsed, toElapsed *float64) ([]TelemetryRow, error) {
	where := []string{"session_id = ?"}
	args := []interface{}{sessionID}
	if fromElapsed != nil {
		where = append(where, "elapsed_seconds >= ?")
		args = append(args, *fromElapsed)
	}
	if toElapsed != nil {
		where = append(where, "elapsed_seconds <= ?")
		args = append(args, *toElapsed)
	}
	if limit <= 0 {
		limit = 2000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, ts, elapsed_seconds, bt_c, et_c, ror_c_per_min, ambient_c, verified, trust_reason, raw_json
		FROM telemetry_points WHERE %s ORDER BY elapsed_seconds ASC LIMIT ?
	`, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying telemetry: %w", err)
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var t TelemetryRow
		var ts string
		var verified int
		if err := rows.Scan(&t.ID, &t.SessionID, &ts, &t.ElapsedSeconds, &t.BtC, &t.EtC, &t.RorCPerMin, &t.AmbientC, &verified, &t.TrustReason, &t.RawJSON); err != nil {
			return nil, err
		}
		if parsed, perr := parseTime(ts); perr == nil {
			t.TS = parsed
		}
		t.Verified = verified != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetEvents returns a session's events ordered by ts ascending.
func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ts, elapsed_seconds, type, raw_json
		FROM events WHERE session_id = ? ORDER BY ts ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: querying events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &ts, &e.ElapsedSeconds, &e.Type, &e.RawJSON); err != nil {
			return nil, err
		}
		if parsed, perr := parseTime(ts); perr == nil {
			e.TS = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClosureSignalsFor computes the signals C6 attaches to its closure
// payloads, from the session's persisted row.
func (s *Store) ClosureSignalsFor(ctx context.Context, sessionID string) (ClosureSignals, error) {
	summary, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return ClosureSignals{}, err
	}
	duration := 0.0
	if summary.DurationSeconds != nil {
		duration = *summary.DurationSeconds
	}
	delta := duration - summary.MaxElapsedSecondsSeen
	if delta < 0 {
		delta = 0
	}
	return ClosureSignals{
		TelemetryPoints:       summary.TelemetryPoints,
		HasBT:                 summary.MaxBtC != nil,
		HasET:                 summary.EtMaxC != nil,
		DurationSeconds:       duration,
		LastTelemetryDeltaSec: delta,
	}, nil
}

// GetMeta fetches a session's QC metadata, or an empty SessionMeta if
// none has been set yet.
func (s *Store) GetMeta(ctx context.Context, sessionID string) (SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data_json, updated_at FROM session_meta WHERE session_id = ?`, sessionID)
	var dataJSON, updatedAt string
	err := row.Scan(&dataJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return SessionMeta{SessionID: sessionID, Data: map[string]interface{}{}}, nil
	}
	if err != nil {
		return SessionMeta{}, err
	}
	meta := SessionMeta{SessionID: sessionID, Data: map[string]interface{}{}}
	_ = json.Unmarshal([]byte(dataJSON), &meta.Data)
	if t, perr := parseTime(updatedAt); perr == nil {
		meta.UpdatedAt = t
	}
	return meta, nil
}

// PutMeta upserts a session's QC metadata.
func (s *Store) PutMeta(ctx context.Context, sessionID string, data map[string]interface{}) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_meta (session_id, data_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET data_json = excluded.data_json, updated_at = excluded.updated_at
	`, sessionID, marshalJSON(data), formatTime(timeNow()))
	if err != nil {
		return fmt.Errorf("store: upserting session meta: %w", err)
	}
	return nil
}

// AddNote appends a timestamped note to a session.
func (s *Store) AddNote(ctx context.Context, sessionID, body string) (SessionNote, error) {
	now := timeNow()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_notes (session_id, body, created_at) VALUES (?, ?, ?)
	`, sessionID, body, formatTime(now))
	if err != nil {
		return SessionNote{}, fmt.Errorf("store: inserting note: %w", err)
	}
	id, _ := res.LastInsertId()
	return SessionNote{ID: id, SessionID: sessionID, Body: body, CreatedAt: now}, nil
}

// ListNotes returns a session's notes, oldest first.
func (s *Store) ListNotes(ctx context.Context, sessionID string, limit int) ([]SessionNote, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, body, created_at FROM session_notes
		WHERE session_id = ? ORDER BY created_at ASC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing notes: %w", err)
	}
	defer rows.Close()

	var out []SessionNote
	for rows.Next() {
		var n SessionNote
		var createdAt string
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Body, &createdAt); err != nil {
			return nil, err
		}
		if t, perr := parseTime(createdAt); perr == nil {
			n.CreatedAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PutEventOverride upserts an operator correction of a stored event.
func (s *Store) PutEventOverride(ctx context.Context, override EventOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_overrides (event_id, session_id, type, elapsed_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET type = excluded.type, elapsed_seconds = excluded.elapsed_seconds, updated_at = excluded.updated_at
	`, override.EventID, override.SessionID, override.Type, override.ElapsedSeconds, formatTime(timeNow()))
	if err != nil {
		return fmt.Errorf("store: upserting event override: %w", err)
	}
	return nil
}

// GetEventOverride fetches the override for a stored event, if any.
func (s *Store) GetEventOverride(ctx context.Context, eventID int64) (EventOverride, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, session_id, type, elapsed_seconds, updated_at FROM event_overrides WHERE event_id = ?
	`, eventID)
	var o EventOverride
	var updatedAt string
	err := row.Scan(&o.EventID, &o.SessionID, &o.Type, &o.ElapsedSeconds, &updatedAt)
	if err == sql.ErrNoRows {
		return EventOverride{}, false, nil
	}
	if err != nil {
		return EventOverride{}, false, err
	}
	if t, perr := parseTime(updatedAt); perr == nil {
		o.UpdatedAt = t
	}
	return o, true, nil
}

var timeNow = func() time.Time { return time.Now().UTC() }
