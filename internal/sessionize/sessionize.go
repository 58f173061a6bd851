// Package sessionize implements the sessionizer (C3): it groups an
// unordered per-device message stream into coherent roasting sessions,
// using a gap timeout to detect new sessions and a silence timeout to
// close stale ones -- the same per-key tracked-state-map shape as a
// log-tailing poller that must notice when a source has gone quiet.
package sessionize

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roastery/ingest/internal/envelope"
)

// state is the sessionizer's private per-key tracked session.
type state struct {
	sessionID       string
	startedAt       time.Time
	lastSeenAt      time.Time
	lastTelemetryTs time.Time
}

// ClosedState is a session the silence sweep (tick) has just closed.
type ClosedState struct {
	Origin     envelope.Origin
	SessionID  string
	StartedAt  time.Time
	LastSeenAt time.Time
}

// Sessionizer holds one active session per (orgId, siteId, machineId)
// key and assigns/continues/closes sessions as envelopes and the
// periodic tick arrive.
type Sessionizer struct {
	sessionGap    time.Duration
	closeSilence  time.Duration

	mu     sync.Mutex
	active map[string]*state
}

// New builds a Sessionizer with the given gap and silence thresholds.
func New(sessionGap, closeSilence time.Duration) *Sessionizer {
	return &Sessionizer{
		sessionGap:   sessionGap,
		closeSilence: closeSilence,
		active:       make(map[string]*state),
	}
}

// AssignSession implements the C3 assignSession algorithm: it mutates
// env.SessionID in place and returns the (possibly unchanged) envelope.
func (s *Sessionizer) AssignSession(env envelope.Envelope) envelope.Envelope {
	key := env.Origin.Key()
	now := env.TS

	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.active[key]

	forcedNew := exists && env.SessionID != "" && env.SessionID != st.sessionID
	gapExceeded := exists && now.Sub(st.lastSeenAt) > s.sessionGap

	if !exists || gapExceeded || forcedNew {
		id := env.SessionID
		if id == "" {
			id = generateSessionID(env.Origin, now)
		}
		st = &state{sessionID: id, startedAt: now, lastSeenAt: now}
		if env.Topic == envelope.TopicTelemetry {
			st.lastTelemetryTs = now
		}
		s.active[key] = st
		env.SessionID = id
		return env
	}

	// Continuation. The monotonic invariant on lastSeenAt must never
	// regress even when this envelope arrived out of order.
	if now.After(st.lastSeenAt) {
		st.lastSeenAt = now
		if env.Topic == envelope.TopicTelemetry {
			st.lastTelemetryTs = now
		}
	}
	env.SessionID = st.sessionID
	return env
}

// HandleEvent implements handleEvent: a DROP event clears the tracked
// state for its key. A DROP for a key with no state is a legal no-op
// (happens after a crash restart).
func (s *Sessionizer) HandleEvent(env envelope.Envelope) {
	if env.Event == nil || env.Event.Type != envelope.EventDrop {
		return
	}
	s.mu.Lock()
	delete(s.active, env.Origin.Key())
	s.mu.Unlock()
}

// Tick scans all active states and closes (removes) any whose silence
// exceeds closeSilenceSeconds, returning them for the caller (C4) to
// persist as CLOSED.
func (s *Sessionizer) Tick(now time.Time) []ClosedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []ClosedState
	for key, st := range s.active {
		if now.Sub(st.lastSeenAt) > s.closeSilence {
			origin, err := originFromKey(key)
			if err == nil {
				closed = append(closed, ClosedState{
					Origin:     origin,
					SessionID:  st.sessionID,
					StartedAt:  st.startedAt,
					LastSeenAt: st.lastSeenAt,
				})
			}
			delete(s.active, key)
		}
	}
	return closed
}

// ActiveCount reports how many sessions are currently tracked, used by
// the health endpoint.
func (s *Sessionizer) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// generateSessionID builds the S-{org}-{site}-{machine}-{timestamp}-{suffix}
// id spec.md §4.3 mandates. The 6 hex char suffix is the first 6
// characters of a freshly generated random UUID, i.e. 24 random bits:
// two ids for the same origin within the same second collide with a
// probability of about 1 in 16.7 million.
func generateSessionID(o envelope.Origin, ts time.Time) string {
	id := uuid.New()
	suffix := id.String()[:6]
	return fmt.Sprintf("S-%s-%s-%s-%s-%s",
		o.OrgID, o.SiteID, o.MachineID,
		ts.UTC().Format("20060102T150405"),
		suffix)
}

func originFromKey(key string) (envelope.Origin, error) {
	parts := splitOriginKey(key)
	if len(parts) != 3 {
		return envelope.Origin{}, fmt.Errorf("sessionize: malformed key %q", key)
	}
	return envelope.Origin{OrgID: parts[0], SiteID: parts[1], MachineID: parts[2]}, nil
}

func splitOriginKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	return parts
}
