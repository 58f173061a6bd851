package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ErrReportExists is returned by CreateReport when a report of the
// same kind already exists for the session -- the caller (C8's POST
// /sessions/{id}/reports handler) must answer with the existing report
// and HTTP 200 rather than manufacturing a duplicate.
var ErrReportExists = fmt.Errorf("store: report already exists for session/kind")

// ReportExists checks the (sessionId, reportKind) idempotency key --
// step 1 of the C6 closure algorithm.
func (s *Store) ReportExists(ctx context.Context, sessionID, reportKind string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM session_reports WHERE session_id = ? AND report_kind = ?
	`, sessionID, reportKind)
	var probe int
	err := row.Scan(&probe)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: checking report existence: %w", err)
	}
	return true, nil
}

// CreateReport inserts a new report. Returns ErrReportExists (not a
// DB-level error) when the unique (sessionId, reportKind) index would
// be violated, so callers can distinguish "already there" from a real
// failure. The insert uses ON CONFLICT DO NOTHING rather than a
// check-then-insert so two concurrent POSTs for the same
// (sessionId, reportKind) can't both observe "absent" and race past
// the idempotency key.
func (s *Store) CreateReport(ctx context.Context, sessionID, reportKind string, body map[string]interface{}) (SessionReport, error) {
	now := timeNow()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_reports (session_id, report_kind, generated_at, body_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, report_kind) DO NOTHING
	`, sessionID, reportKind, formatTime(now), marshalJSON(body))
	if err != nil {
		return SessionReport{}, fmt.Errorf("store: inserting report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return SessionReport{}, fmt.Errorf("store: checking report insert result: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetLatestReport(ctx, sessionID, reportKind)
		if err != nil {
			return SessionReport{}, fmt.Errorf("store: fetching existing report: %w", err)
		}
		return existing, ErrReportExists
	}
	id, _ := res.LastInsertId()
	return SessionReport{ID: id, SessionID: sessionID, ReportKind: reportKind, GeneratedAt: now, Body: body}, nil
}

// ListReports returns a session's reports, newest first.
func (s *Store) ListReports(ctx context.Context, sessionID string, limit int) ([]SessionReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, report_kind, generated_at, body_json FROM session_reports
		WHERE session_id = ? ORDER BY generated_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing reports: %w", err)
	}
	defer rows.Close()

	var out []SessionReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestReport returns the newest report of reportKind for a session.
func (s *Store) GetLatestReport(ctx context.Context, sessionID, reportKind string) (SessionReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, report_kind, generated_at, body_json FROM session_reports
		WHERE session_id = ? AND report_kind = ? ORDER BY generated_at DESC LIMIT 1
	`, sessionID, reportKind)
	return scanReport(row)
}

// GetReportByID fetches a report regardless of its owning session.
func (s *Store) GetReportByID(ctx context.Context, reportID int64) (SessionReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, report_kind, generated_at, body_json FROM session_reports WHERE id = ?
	`, reportID)
	return scanReport(row)
}

func scanReport(row scannable) (SessionReport, error) {
	var r SessionReport
	var generatedAt, bodyJSON string
	if err := row.Scan(&r.ID, &r.SessionID, &r.ReportKind, &generatedAt, &bodyJSON); err != nil {
		return SessionReport{}, err
	}
	if t, perr := parseTime(generatedAt); perr == nil {
		r.GeneratedAt = t
	}
	r.Body = map[string]interface{}{}
	_ = json.Unmarshal([]byte(bodyJSON), &r.Body)
	return r, nil
}
