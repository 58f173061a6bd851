package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/roastery/ingest/internal/auth"
	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/ingest"
	"github.com/roastery/ingest/internal/live"
)

// handleStreamTelemetry serves GET /stream/telemetry as server-sent
// events, filtered to the caller's org unless the actor is SYSTEM. Each
// frame carries the decoded envelope.TelemetrySample as published to the
// live stream, not the stored TelemetryRow (no row id, session id or
// trust fields). Only samples added after the client connects are sent;
// no backlog is replayed.
func (s *Server) handleStreamTelemetry(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.serveStream(w, r, actor, s.telemetry, "telemetry", "")
}

// handleStreamEvents serves GET /stream/events the same way, over the
// decoded envelope.RoastEvent values (not the stored EventRow).
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.serveStream(w, r, actor, s.events, "event", "")
}

// handleStreamEnvelopes serves GET /stream/envelopes/{telemetry,events}
// over the raw trust-annotated envelope stream, passing on only the
// envelopes whose topic the path names.
func (s *Server) handleStreamEnvelopes(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	eventName := "envelope"
	var topic envelope.Topic
	if strings.HasSuffix(r.URL.Path, "/events") {
		eventName = "envelope.event"
		topic = envelope.TopicEvent
	} else if strings.HasSuffix(r.URL.Path, "/telemetry") {
		eventName = "envelope.telemetry"
		topic = envelope.TopicTelemetry
	}
	s.serveStream(w, r, actor, s.envelopes, eventName, topic)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, actor auth.Actor, stream *live.Stream, eventName string, topic envelope.Topic) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := live.Filter{
		OrgID:     r.URL.Query().Get("orgId"),
		SiteID:    r.URL.Query().Get("siteId"),
		MachineID: r.URL.Query().Get("machineId"),
	}
	if !actor.System {
		if filter.OrgID != "" && !actor.CheckOrg(filter.OrgID) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		filter.OrgID = actor.OrgID
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := stream.Subscribe(filter)
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-sub.C():
			if !ok {
				return
			}
			if topic != "" {
				if ae, isEnv := item.Payload.(ingest.AnnotatedEnvelope); isEnv && ae.Envelope.Topic != topic {
					continue
				}
			}
			payload, err := json.Marshal(item.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, payload)
			flusher.Flush()
		}
	}
}
