package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/trust"
)

// PersistTelemetry appends a telemetry row and updates the owning
// session's trust counters and monotonic running maxima, all inside
// one transaction -- step 3 of the C4 algorithm.
func (s *Store) PersistTelemetry(ctx context.Context, origin envelope.Origin, sessionID string, startedAt time.Time, sample envelope.TelemetrySample, ann trust.Annotation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSessionStartTx(ctx, tx, sessionID, origin, startedAt); err != nil {
			return err
		}

		raw := marshalJSON(sample)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO telemetry_points (session_id, ts, elapsed_seconds, bt_c, et_c, ror_c_per_min, ambient_c, verified, trust_reason, raw_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionID, formatTime(sample.TS), sample.ElapsedSeconds,
			sample.BtC, sample.EtC, sample.RorCPerMin, sample.AmbientC,
			boolToInt(ann.Verified), string(ann.Reason), raw); err != nil {
			return fmt.Errorf("store: inserting telemetry row: %w", err)
		}

		trustColumn := "unsigned_points"
		switch {
		case ann.Verified:
			trustColumn = "verified_points"
		case ann.Reason != trust.ReasonMissingSig && ann.Reason != trust.ReasonMissingKid:
			trustColumn = "failed_points"
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE sessions SET
				telemetry_points = telemetry_points + 1,
				%s = %s + 1,
				max_bt_c = CASE WHEN ? IS NULL THEN max_bt_c WHEN max_bt_c IS NULL THEN ? ELSE MAX(max_bt_c, ?) END,
				et_max_c = CASE WHEN ? IS NULL THEN et_max_c WHEN et_max_c IS NULL THEN ? ELSE MAX(et_max_c, ?) END,
				min_ambient_c = CASE WHEN ? IS NULL THEN min_ambient_c WHEN min_ambient_c IS NULL THEN ? ELSE MIN(min_ambient_c, ?) END,
				max_elapsed_seconds_seen = MAX(max_elapsed_seconds_seen, ?)
			WHERE session_id = ?
		`, trustColumn, trustColumn), sample.BtC, sample.BtC, sample.BtC,
			sample.EtC, sample.EtC, sample.EtC,
			sample.AmbientC, sample.AmbientC, sample.AmbientC,
			sample.ElapsedSeconds, sessionID); err != nil {
			return fmt.Errorf("store: updating session trust/running maxima: %w", err)
		}

		if ann.Kid != "" {
			if err := appendDeviceIDTx(ctx, tx, sessionID, ann.Kid); err != nil {
				return err
			}
		}
		return nil
	})
}

// PersistEvent appends an event row and, for FC/DROP markers, updates
// the owning session's progress/closure fields -- step 4 of the C4
// algorithm. It reports whether this call transitioned the session to
// CLOSED, so the caller can fire the closure hook after the
// transaction commits.
func (s *Store) PersistEvent(ctx context.Context, origin envelope.Origin, sessionID string, startedAt time.Time, event envelope.RoastEvent) (closedNow bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSessionStartTx(ctx, tx, sessionID, origin, startedAt); err != nil {
			return err
		}

		elapsed := event.ElapsedSeconds()
		raw := marshalJSON(event)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (session_id, ts, elapsed_seconds, type, raw_json)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, formatTime(event.TS), elapsed, string(event.Type), raw); err != nil {
			return fmt.Errorf("store: inserting event row: %w", err)
		}

		if elapsed != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET max_elapsed_seconds_seen = MAX(max_elapsed_seconds_seen, ?)
				WHERE session_id = ?
			`, *elapsed, sessionID); err != nil {
				return fmt.Errorf("store: updating max elapsed seconds: %w", err)
			}
		}

		switch event.Type {
		case envelope.EventFC:
			if elapsed != nil {
				if err := firstWriteWinsTx(ctx, tx, sessionID, "fc_seconds", *elapsed); err != nil {
					return err
				}
			}
		case envelope.EventDrop:
			duration := elapsed
			if elapsed != nil {
				if err := firstWriteWinsTx(ctx, tx, sessionID, "drop_seconds", *elapsed); err != nil {
					return err
				}
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE sessions SET
					duration_seconds = ?,
					ended_at = ?,
					status = 'CLOSED'
				WHERE session_id = ? AND status != 'CLOSED'
			`, duration, formatTime(event.TS), sessionID)
			if err != nil {
				return fmt.Errorf("store: closing session on DROP: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("store: checking DROP close result: %w", err)
			}
			closedNow = n > 0
		}
		return nil
	})
	return closedNow, err
}

// ApplySilenceClose performs the CLOSED-transition upsert C7's tick
// triggers for a session the sessionizer closed due to silence, not a
// DROP marker.
func (s *Store) ApplySilenceClose(ctx context.Context, sessionID string, startedAt, lastSeenAt time.Time) error {
	duration := lastSeenAt.Sub(startedAt).Seconds()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				duration_seconds = ?,
				ended_at = ?,
				status = 'CLOSED'
			WHERE session_id = ? AND status != 'CLOSED'
		`, duration, formatTime(lastSeenAt), sessionID)
		if err != nil {
			return fmt.Errorf("store: applying silence close: %w", err)
		}
		return nil
	})
}

func upsertSessionStartTx(ctx context.Context, tx *sql.Tx, sessionID string, origin envelope.Origin, startedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, org_id, site_id, machine_id, started_at, status, device_ids)
		VALUES (?, ?, ?, ?, ?, 'ACTIVE', '[]')
		ON CONFLICT(session_id) DO NOTHING
	`, sessionID, origin.OrgID, origin.SiteID, origin.MachineID, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("store: upserting session start: %w", err)
	}
	return nil
}

// firstWriteWinsTx implements invariant 3 of SessionSummary: a field
// is set once. Writing the same value again is a no-op; writing a
// different value is logged at error level and otherwise ignored --
// it must never roll back the rest of the transaction.
func firstWriteWinsTx(ctx context.Context, tx *sql.Tx, sessionID, column string, value float64) error {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE session_id = ?`, column), sessionID)
	var existing sql.NullFloat64
	if err := row.Scan(&existing); err != nil {
		return fmt.Errorf("store: reading %s: %w", column, err)
	}
	if !existing.Valid {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE sessions SET %s = ? WHERE session_id = ?`, column), value, sessionID)
		if err != nil {
			return fmt.Errorf("store: setting %s: %w", column, err)
		}
		return nil
	}
	if existing.Float64 != value {
		log.Printf("store: session %s: conflicting rewrite of %s (existing=%v new=%v), ignoring", sessionID, column, existing.Float64, value)
	}
	return nil
}

func appendDeviceIDTx(ctx context.Context, tx *sql.Tx, sessionID, kid string) error {
	row := tx.QueryRowContext(ctx, `SELECT device_ids FROM sessions WHERE session_id = ?`, sessionID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return fmt.Errorf("store: reading device_ids: %w", err)
	}
	ids := decodeStringSlice(raw)
	for _, id := range ids {
		if id == kid {
			return nil
		}
	}
	ids = append(ids, kid)
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET device_ids = ? WHERE session_id = ?`, marshalJSON(ids), sessionID); err != nil {
		return fmt.Errorf("store: appending device id: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
