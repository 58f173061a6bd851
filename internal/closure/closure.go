// Package closure implements the closure orchestrator (C6): idempotent
// post-close side effects fired once a session transitions to CLOSED.
// The per-session rate-limited warning tracking is grounded directly
// in the teacher's sourceHealth pattern in internal/monitor/health.go,
// which logs a status change once and stays quiet until the state
// actually flips back.
package closure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/roastery/ingest/internal/broker"
	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/store"
)

const defaultReportKind = "POST_ROAST_V1"

// Config are the booleans spec.md §4.6 names, parsed from the
// environment at startup.
type Config struct {
	OpsEventsEnabled      bool
	KernelEnqueueFallback bool
	AutoReportEnabled     bool
	KernelURL             string
	KernelTimeout         time.Duration
}

// Orchestrator performs the C6 algorithm against a store, an optional
// ops-event publisher, and an optional kernel HTTP client.
type Orchestrator struct {
	cfg   Config
	store *store.Store
	pub   broker.Publisher // nil disables ops-event publishing regardless of cfg
	http  *http.Client

	mu      sync.Mutex
	warned  map[string]bool // sessionID -> already logged a failure once
}

// New builds an Orchestrator. pub may be nil (publishing disabled).
func New(cfg Config, st *store.Store, pub broker.Publisher) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		store:  st,
		pub:    pub,
		http:   &http.Client{Timeout: cfg.KernelTimeout},
		warned: make(map[string]bool),
	}
}

// sessionClosedEvent is the ops-event payload shape published on
// ops/{orgId}/{siteId}/{machineId}/session/closed.
type sessionClosedEvent struct {
	SessionID             string  `json:"sessionId"`
	Reason                string  `json:"reason"`
	TelemetryPoints       int64   `json:"telemetryPoints"`
	HasBT                 bool    `json:"hasBT"`
	HasET                 bool    `json:"hasET"`
	DurationSeconds       float64 `json:"durationSeconds"`
	LastTelemetryDeltaSec float64 `json:"lastTelemetryDeltaSec"`
}

type missionRequest struct {
	Goal          string                 `json:"goal"`
	IdempotencyKey string                `json:"idempotencyKey"`
	Params        map[string]interface{} `json:"params"`
	Context       map[string]interface{} `json:"context"`
	Signals       sessionClosedEvent     `json:"signals"`
}

// Handle runs the full C6 algorithm for a just-closed session. It is
// intended to be invoked from a detached goroutine by C4 -- it never
// panics, and every failure path is logged at most once per session.
func (o *Orchestrator) Handle(ctx context.Context, sessionID string, origin envelope.Origin, reason store.CloseReason) {
	exists, err := o.store.ReportExists(ctx, sessionID, defaultReportKind)
	if err != nil {
		o.warnOnce(sessionID, "checking report existence", err)
		return
	}
	if exists {
		return
	}

	signals, err := o.store.ClosureSignalsFor(ctx, sessionID)
	if err != nil {
		o.warnOnce(sessionID, "gathering closure signals", err)
		return
	}

	event := sessionClosedEvent{
		SessionID:             sessionID,
		Reason:                string(reason),
		TelemetryPoints:       signals.TelemetryPoints,
		HasBT:                 signals.HasBT,
		HasET:                 signals.HasET,
		DurationSeconds:       signals.DurationSeconds,
		LastTelemetryDeltaSec: signals.LastTelemetryDeltaSec,
	}

	// Behavior matrix (spec.md §4.6): publish attempt always happens
	// when ops-events are enabled, win or lose; the fallback flag alone
	// decides whether a kernel enqueue follows it. With ops-events off,
	// only the auto-report flag decides whether to enqueue directly.
	var shouldEnqueue bool
	if o.cfg.OpsEventsEnabled && o.pub != nil {
		o.publish(ctx, sessionID, origin, event)
		shouldEnqueue = o.cfg.KernelEnqueueFallback
	} else {
		shouldEnqueue = o.cfg.AutoReportEnabled
	}

	if shouldEnqueue {
		o.enqueueMission(ctx, sessionID, origin, event)
	}
}

func (o *Orchestrator) publish(ctx context.Context, sessionID string, origin envelope.Origin, event sessionClosedEvent) bool {
	body, err := json.Marshal(event)
	if err != nil {
		o.warnOnce(sessionID, "marshaling ops event", err)
		return false
	}
	topic := fmt.Sprintf("ops/%s/%s/%s/session/closed", origin.OrgID, origin.SiteID, origin.MachineID)
	if err := o.pub.Publish(ctx, topic, body); err != nil {
		o.warnOnce(sessionID, "publishing ops event", err)
		return false
	}
	return true
}

func (o *Orchestrator) enqueueMission(ctx context.Context, sessionID string, origin envelope.Origin, event sessionClosedEvent) {
	req := missionRequest{
		Goal:           "generate-roast-report",
		IdempotencyKey: fmt.Sprintf("generate-roast-report:%s:%s", defaultReportKind, sessionID),
		Params: map[string]interface{}{
			"sessionId":  sessionID,
			"reportKind": defaultReportKind,
		},
		Context: map[string]interface{}{
			"origin": origin,
		},
		Signals: event,
	}
	body, err := json.Marshal(req)
	if err != nil {
		o.warnOnce(sessionID, "marshaling mission request", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.KernelURL+"/missions", bytes.NewReader(body))
	if err != nil {
		o.warnOnce(sessionID, "building mission request", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(httpReq)
	if err != nil {
		o.warnOnce(sessionID, "POSTing to kernel", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		o.warnOnce(sessionID, fmt.Sprintf("kernel returned status %d", resp.StatusCode), nil)
	}
}

// warnOnce logs at most one message per session per distinct failure
// path, so a downed kernel or broker doesn't flood logs for every
// closing session.
func (o *Orchestrator) warnOnce(sessionID, step string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := sessionID + ":" + step
	if o.warned[key] {
		return
	}
	o.warned[key] = true
	if err != nil {
		log.Printf("closure: session %s: %s: %v", sessionID, step, err)
	} else {
		log.Printf("closure: session %s: %s", sessionID, step)
	}
}
