package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/roastery/ingest/internal/auth"
	"github.com/roastery/ingest/internal/store"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	limit, ok := parseLimit(r, 50)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, ok := parseOffset(r)
	if !ok {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	filter := store.SessionFilter{
		OrgID:     q.Get("orgId"),
		SiteID:    q.Get("siteId"),
		MachineID: q.Get("machineId"),
		Status:    store.Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	if !actor.System && filter.OrgID != "" && !actor.CheckOrg(filter.OrgID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !actor.System && filter.OrgID == "" {
		filter.OrgID = actor.OrgID
	}

	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleSessionRoutes dispatches every /sessions/{id}/... sub-route by
// hand, following the teacher's TrimPrefix+SplitN parsing style rather
// than a path-parameter router.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		http.NotFound(w, r)
		return
	}

	summary, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !actor.CheckOrg(summary.OrgID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, summary)
		return
	}

	switch parts[1] {
	case "telemetry":
		s.handleSessionTelemetry(w, r, summary)
	case "events":
		s.handleSessionEvents(w, r, summary)
	case "meta":
		s.handleSessionMeta(w, r, summary)
	case "notes":
		s.handleSessionNotes(w, r, summary)
	case "events/overrides":
		s.handleEventOverrides(w, r, summary)
	case "reports":
		s.handleSessionReports(w, r, summary)
	case "reports/latest":
		s.handleLatestReport(w, r, summary)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionTelemetry(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	limit, ok := parseLimit(r, 2000)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	from, ok := parseOptionalFloat(r, "fromElapsedSeconds")
	if !ok {
		http.Error(w, "invalid fromElapsedSeconds", http.StatusBadRequest)
		return
	}
	to, ok := parseOptionalFloat(r, "toElapsedSeconds")
	if !ok {
		http.Error(w, "invalid toElapsedSeconds", http.StatusBadRequest)
		return
	}
	rows, err := s.store.GetTelemetry(r.Context(), summary.SessionID, limit, from, to)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	rows, err := s.store.GetEvents(r.Context(), summary.SessionID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSessionMeta(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	switch r.Method {
	case http.MethodGet:
		meta, err := s.store.GetMeta(r.Context(), summary.SessionID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	case http.MethodPut:
		var data map[string]interface{}
		if err := decodeBody(r, &data); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := s.store.PutMeta(r.Context(), summary.SessionID, data); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, data)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionNotes(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	switch r.Method {
	case http.MethodGet:
		limit, ok := parseLimit(r, 50)
		if !ok {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		notes, err := s.store.ListNotes(r.Context(), summary.SessionID, limit)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, notes)
	case http.MethodPost:
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil || body.Body == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		note, err := s.store.AddNote(r.Context(), summary.SessionID, body.Body)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, note)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEventOverrides(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodPut {
		var body struct {
			EventID        int64    `json:"eventId"`
			Type           *string  `json:"type"`
			ElapsedSeconds *float64 `json:"elapsedSeconds"`
		}
		if err := decodeBody(r, &body); err != nil || body.EventID == 0 {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		override := store.EventOverride{
			EventID:        body.EventID,
			SessionID:      summary.SessionID,
			Type:           body.Type,
			ElapsedSeconds: body.ElapsedSeconds,
		}
		if err := s.store.PutEventOverride(r.Context(), override); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, override)
		return
	}

	idStr := r.URL.Query().Get("eventId")
	if idStr == "" {
		http.Error(w, "eventId is required", http.StatusBadRequest)
		return
	}
	var eventID int64
	if _, err := parseInt64(idStr, &eventID); err != nil {
		http.Error(w, "invalid eventId", http.StatusBadRequest)
		return
	}
	override, found, err := s.store.GetEventOverride(r.Context(), eventID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, override)
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
