// Package ingest is the persistence pipeline (C4), the central
// orchestration step binding the signature verifier, sessionizer, and
// store into a single per-envelope transaction, then fanning the
// accepted item out to live subscribers and firing the closure hook
// exactly once per CLOSED transition. The overall shape -- receive,
// classify, commit, then notify -- mirrors the teacher's Monitor.poll()
// discover/parse/merge/commit cycle in internal/monitor/monitor.go.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/live"
	"github.com/roastery/ingest/internal/sessionize"
	"github.com/roastery/ingest/internal/store"
	"github.com/roastery/ingest/internal/trust"
)

// ClosureHook is invoked, detached from the write path, whenever a
// session transitions to CLOSED. A hook failure must never roll back
// or block persistence -- Pipeline always runs it in its own goroutine.
type ClosureHook func(sessionID string, origin envelope.Origin, reason store.CloseReason)

// Pipeline wires C2 (trust), C3 (sessionize), C4's own store writes,
// and C5 (live) together behind a single ProcessEnvelope/Tick surface.
type Pipeline struct {
	verifier    *trust.Verifier
	sessionizer *sessionize.Sessionizer
	store       *store.Store

	telemetryStream *live.Stream
	eventStream     *live.Stream
	envelopeStream  *live.Stream

	onClosed ClosureHook
}

// New builds a Pipeline. onClosed may be nil, in which case closure is
// persisted but no downstream hook fires (used in tests exercising C3/
// C4 in isolation).
func New(verifier *trust.Verifier, sessionizer *sessionize.Sessionizer, st *store.Store, telemetryStream, eventStream, envelopeStream *live.Stream, onClosed ClosureHook) *Pipeline {
	return &Pipeline{
		verifier:        verifier,
		sessionizer:     sessionizer,
		store:           st,
		telemetryStream: telemetryStream,
		eventStream:     eventStream,
		envelopeStream:  envelopeStream,
		onClosed:        onClosed,
	}
}

// AnnotatedEnvelope carries an Envelope alongside the trust verdict
// attached to it, the shape streamed on the /stream/envelopes/* SSE
// endpoints.
type AnnotatedEnvelope struct {
	Envelope envelope.Envelope
	Trust    trust.Annotation
}

// ProcessEnvelope runs the full C1(already decoded)->C2->C3->C4->C5
// chain for one envelope. It never panics and never returns an error
// the caller must retry: persistence failures are logged and the
// envelope is dropped, matching "no exception escapes this stage"
// from spec.md §4.1, extended here to the whole pipeline.
func (p *Pipeline) ProcessEnvelope(ctx context.Context, env envelope.Envelope) {
	ann := p.verifier.Annotate(env)
	env = p.sessionizer.AssignSession(env)

	origin := env.Origin

	switch env.Topic {
	case envelope.TopicTelemetry:
		if env.Telemetry == nil {
			return
		}
		if err := p.store.PersistTelemetry(ctx, origin, env.SessionID, env.TS, *env.Telemetry, ann); err != nil {
			log.Printf("ingest: persisting telemetry for session %s: %v", env.SessionID, err)
			return
		}
		if p.telemetryStream != nil {
			p.telemetryStream.Add(live.Item{Origin: origin, Payload: *env.Telemetry})
		}
		if p.envelopeStream != nil {
			p.envelopeStream.Add(live.Item{Origin: origin, Payload: AnnotatedEnvelope{Envelope: env, Trust: ann}})
		}

	case envelope.TopicEvent:
		if env.Event == nil {
			return
		}
		closedNow, err := p.store.PersistEvent(ctx, origin, env.SessionID, env.TS, *env.Event)
		if err != nil {
			log.Printf("ingest: persisting event for session %s: %v", env.SessionID, err)
			return
		}
		if p.eventStream != nil {
			p.eventStream.Add(live.Item{Origin: origin, Payload: *env.Event})
		}
		if p.envelopeStream != nil {
			p.envelopeStream.Add(live.Item{Origin: origin, Payload: AnnotatedEnvelope{Envelope: env, Trust: ann}})
		}
		if env.Event.Type == envelope.EventDrop {
			p.sessionizer.HandleEvent(env)
		}
		if closedNow {
			p.fireClosureHook(env.SessionID, origin, store.CloseReasonDrop)
		}
	}
}

// Tick runs C3's silence sweep and persists a CLOSED transition (plus
// closure hook) for every session it closes -- the periodic half of
// C4, invoked by the tick driver (C7).
func (p *Pipeline) Tick(ctx context.Context, now time.Time) {
	for _, closed := range p.sessionizer.Tick(now) {
		if err := p.store.ApplySilenceClose(ctx, closed.SessionID, closed.StartedAt, closed.LastSeenAt); err != nil {
			log.Printf("ingest: applying silence close for session %s: %v", closed.SessionID, err)
			continue
		}
		p.fireClosureHook(closed.SessionID, closed.Origin, store.CloseReasonSilenceClose)
	}
}

func (p *Pipeline) fireClosureHook(sessionID string, origin envelope.Origin, reason store.CloseReason) {
	if p.onClosed == nil {
		return
	}
	go p.onClosed(sessionID, origin, reason)
}
