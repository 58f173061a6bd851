package api

import (
	"net/http"
	"strings"

	"github.com/roastery/ingest/internal/auth"
	"github.com/roastery/ingest/internal/store"
)

const defaultReportKind = "POST_ROAST_V1"

func (s *Server) handleSessionReports(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	switch r.Method {
	case http.MethodGet:
		limit, ok := parseLimit(r, 50)
		if !ok {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		reports, err := s.store.ListReports(r.Context(), summary.SessionID, limit)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	case http.MethodPost:
		var body struct {
			ReportKind string                 `json:"reportKind"`
			Body       map[string]interface{} `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		kind := body.ReportKind
		if kind == "" {
			kind = defaultReportKind
		}
		report, err := s.store.CreateReport(r.Context(), summary.SessionID, kind, body.Body)
		if err == store.ErrReportExists {
			writeJSON(w, http.StatusOK, report)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, report)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request, summary store.SessionSummary) {
	kind := r.URL.Query().Get("reportKind")
	if kind == "" {
		kind = defaultReportKind
	}
	report, err := s.store.GetLatestReport(r.Context(), summary.SessionID, kind)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleReportByID serves GET /reports/{id}, looking up a report
// regardless of which session it belongs to.
func (s *Server) handleReportByID(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	idStr := strings.TrimPrefix(r.URL.Path, "/reports/")
	var reportID int64
	if _, err := parseInt64(idStr, &reportID); err != nil {
		http.NotFound(w, r)
		return
	}
	report, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	summary, err := s.store.GetSession(r.Context(), report.SessionID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !actor.CheckOrg(summary.OrgID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
