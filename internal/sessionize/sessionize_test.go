package sessionize

import (
	"testing"
	"time"

	"github.com/roastery/ingest/internal/envelope"
)

func origin() envelope.Origin {
	return envelope.Origin{OrgID: "acme", SiteID: "main-st", MachineID: "r1"}
}

func telemetryEnv(ts time.Time) envelope.Envelope {
	return envelope.Envelope{TS: ts, Origin: origin(), Topic: envelope.TopicTelemetry}
}

func TestAssignSessionCreatesNewOnFirstSeen(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	env := s.AssignSession(telemetryEnv(time.Now()))
	if env.SessionID == "" {
		t.Fatal("expected session id to be assigned")
	}
}

func TestAssignSessionContinuesWithinGap(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Now()
	first := s.AssignSession(telemetryEnv(base))
	second := s.AssignSession(telemetryEnv(base.Add(10 * time.Second)))
	if first.SessionID != second.SessionID {
		t.Errorf("expected continuation, got new session %s vs %s", first.SessionID, second.SessionID)
	}
}

func TestAssignSessionStartsNewAfterGap(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Now()
	first := s.AssignSession(telemetryEnv(base))
	second := s.AssignSession(telemetryEnv(base.Add(45 * time.Second)))
	if first.SessionID == second.SessionID {
		t.Error("expected a new session after exceeding the gap")
	}
}

func TestAssignSessionOutOfOrderDoesNotRegressLastSeen(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Now()
	s.AssignSession(telemetryEnv(base))
	s.AssignSession(telemetryEnv(base.Add(20 * time.Second)))
	// An envelope arriving "late" (ts before current lastSeenAt) is still
	// a continuation, and must not regress lastSeenAt.
	third := s.AssignSession(telemetryEnv(base.Add(5 * time.Second)))
	closed := s.Tick(base.Add(20*time.Second + 15*time.Second - time.Millisecond))
	if len(closed) != 0 {
		t.Fatalf("lastSeenAt regressed: session closed early: %+v", closed)
	}
	if third.SessionID == "" {
		t.Fatal("expected continuation session id")
	}
}

func TestDeviceProvidedSessionIDForcesNewSession(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Now()
	first := s.AssignSession(telemetryEnv(base))

	forced := telemetryEnv(base.Add(time.Second))
	forced.SessionID = "device-assigned-123"
	second := s.AssignSession(forced)

	if second.SessionID != "device-assigned-123" {
		t.Errorf("expected device-assigned session id honored, got %s", second.SessionID)
	}
	if second.SessionID == first.SessionID {
		t.Error("expected forced new session to differ from prior session")
	}
}

func TestHandleEventDropClearsState(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Now()
	s.AssignSession(telemetryEnv(base))

	drop := envelope.Envelope{
		TS: base.Add(time.Second), Origin: origin(), Topic: envelope.TopicEvent,
		Event: &envelope.RoastEvent{Type: envelope.EventDrop},
	}
	s.HandleEvent(drop)

	if s.ActiveCount() != 0 {
		t.Error("expected DROP to remove tracked state")
	}
}

func TestHandleEventDropNoStateIsNoop(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	drop := envelope.Envelope{
		TS: time.Now(), Origin: origin(), Topic: envelope.TopicEvent,
		Event: &envelope.RoastEvent{Type: envelope.EventDrop},
	}
	s.HandleEvent(drop) // must not panic
}

func TestTickClosesSilentSessions(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Now()
	s.AssignSession(telemetryEnv(base))

	closed := s.Tick(base.Add(16 * time.Second))
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed session, got %d", len(closed))
	}
	if s.ActiveCount() != 0 {
		t.Error("expected closed session removed from active map")
	}
}
