// Package api is the query surface (C8): REST endpoints over the
// store, SSE streaming endpoints over the live fanout, and a raw
// WebSocket mirror of the same fanout for operator tooling. Route
// parsing follows the teacher's hand-rolled TrimPrefix/SplitN style in
// internal/ws/server.go's handleSessionRoutes rather than adopting a
// router library the teacher itself doesn't use.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/roastery/ingest/internal/auth"
	"github.com/roastery/ingest/internal/health"
	"github.com/roastery/ingest/internal/live"
	"github.com/roastery/ingest/internal/store"
)

// Server wires the store, live streams, and auth gate into an
// http.Handler via SetupRoutes, mirroring the teacher's
// Server/SetupRoutes split in internal/ws/server.go.
type Server struct {
	store     *store.Store
	telemetry *live.Stream
	events    *live.Stream
	envelopes *live.Stream
	gate      *auth.Gate
	health    *health.Reporter
}

// New builds an api.Server. health may be nil, in which case /health
// reports only the bare spec.md "status":"ok" shape.
func New(st *store.Store, telemetry, events, envelopes *live.Stream, gate *auth.Gate, healthReporter *health.Reporter) *Server {
	return &Server{store: st, telemetry: telemetry, events: events, envelopes: envelopes, gate: gate, health: healthReporter}
}

// SetupRoutes registers every C8 endpoint on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("/sessions/", s.withAuth(s.handleSessionRoutes))
	mux.HandleFunc("/reports/", s.withAuth(s.handleReportByID))
	mux.HandleFunc("/stream/telemetry", s.withAuth(s.handleStreamTelemetry))
	mux.HandleFunc("/stream/events", s.withAuth(s.handleStreamEvents))
	mux.HandleFunc("/stream/envelopes/telemetry", s.withAuth(s.handleStreamEnvelopes))
	mux.HandleFunc("/stream/envelopes/events", s.withAuth(s.handleStreamEnvelopes))
	mux.HandleFunc("/stream/ws", s.withAuth(s.handleStreamWS))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Check(r.Context()))
}

func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, auth.Actor)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.gate.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, actor)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}

func parseLimit(r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseOffset(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("offset")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseOptionalFloat(r *http.Request, key string) (*float64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, false
	}
	return &f, true
}

func parseInt64(s string, out *int64) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	*out = n
	return n, nil
}
