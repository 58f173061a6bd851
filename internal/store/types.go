package store

import "time"

// Status is a session's lifecycle state. CLOSED is terminal: no row
// ever transitions back to ACTIVE.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// CloseReason distinguishes why a session closed, carried into the
// closure orchestrator's ops-event payload.
type CloseReason string

const (
	CloseReasonDrop         CloseReason = "DROP"
	CloseReasonSilenceClose CloseReason = "SILENCE_CLOSE"
)

// SessionSummary is the persisted, authoritative per-session record.
// JSON field names follow the camelCase the envelope wire format
// already uses, so API responses and inbound envelopes read the same.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`

	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	Status          Status     `json:"status"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`

	FCSeconds   *float64 `json:"fcSeconds,omitempty"`
	DropSeconds *float64 `json:"dropSeconds,omitempty"`
	MaxBtC      *float64 `json:"maxBtC,omitempty"`
	EtMaxC      *float64 `json:"etMaxC,omitempty"`
	MinAmbientC *float64 `json:"minAmbientC,omitempty"`

	MaxElapsedSecondsSeen float64 `json:"maxElapsedSecondsSeen"`

	TelemetryPoints int64    `json:"telemetryPoints"`
	VerifiedPoints  int64    `json:"verifiedPoints"`
	UnsignedPoints  int64    `json:"unsignedPoints"`
	FailedPoints    int64    `json:"failedPoints"`
	DeviceIDs       []string `json:"deviceIds"`
}

// TelemetryRow is an append-only stored telemetry sample.
type TelemetryRow struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"sessionId"`
	TS             time.Time `json:"ts"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	BtC            *float64  `json:"btC,omitempty"`
	EtC            *float64  `json:"etC,omitempty"`
	RorCPerMin     *float64  `json:"rorCPerMin,omitempty"`
	AmbientC       *float64  `json:"ambientC,omitempty"`
	Verified       bool      `json:"verified"`
	TrustReason    string    `json:"trustReason,omitempty"`
	RawJSON        string    `json:"rawJson"`
}

// EventRow is an append-only stored roast event.
type EventRow struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"sessionId"`
	TS             time.Time `json:"ts"`
	ElapsedSeconds *float64  `json:"elapsedSeconds,omitempty"`
	Type           string    `json:"type"`
	RawJSON        string    `json:"rawJson"`
}

// EventOverride is an operator correction of a stored event.
type EventOverride struct {
	EventID        int64     `json:"eventId"`
	SessionID      string    `json:"sessionId"`
	Type           *string   `json:"type,omitempty"`
	ElapsedSeconds *float64  `json:"elapsedSeconds,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionMeta is free-form operator-set QC metadata for a session.
type SessionMeta struct {
	SessionID string                 `json:"sessionId"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// SessionNote is a timestamped free-text note on a session.
type SessionNote struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionReport is a generated report body, unique per
// (sessionId, reportKind) to make closure idempotent.
type SessionReport struct {
	ID          int64                  `json:"id"`
	SessionID   string                 `json:"sessionId"`
	ReportKind  string                 `json:"reportKind"`
	GeneratedAt time.Time              `json:"generatedAt"`
	Body        map[string]interface{} `json:"body"`
}

// SessionFilter narrows a session list query.
type SessionFilter struct {
	OrgID     string
	SiteID    string
	MachineID string
	Status    Status
	Limit     int
	Offset    int
}

// ClosureSignals are the derived values the closure orchestrator
// attaches to its ops-event / kernel-enqueue payloads.
type ClosureSignals struct {
	TelemetryPoints       int64
	HasBT                 bool
	HasET                 bool
	DurationSeconds       float64
	LastTelemetryDeltaSec float64
}
