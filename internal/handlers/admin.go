package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/session"
)

// ============================================================================
// ADMIN REPORTING VIEWS
// ============================================================================

func queryInt(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.NewValidationError(key, "must be a non-negative integer")
	}
	return n, nil
}

func sessionFilter(q url.Values) (session.SessionFilter, error) {
	var (
		f   session.SessionFilter
		err error
	)
	if raw := q.Get("risk"); raw != "" {
		if f.RiskLevel, err = core.ParseRiskLevel(raw); err != nil {
			return f, err
		}
	}
	f.Status = q.Get("status")
	f.AssessmentID = q.Get("assessment_id")
	if f.Page, err = queryInt(q, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = queryInt(q, "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

func violationFilter(q url.Values) (session.ViolationFilter, error) {
	var (
		f   session.ViolationFilter
		err error
	)
	if raw := q.Get("severity"); raw != "" {
		if f.Severity, err = core.ParseSeverity(raw); err != nil {
			return f, err
		}
	}
	if raw := q.Get("component"); raw != "" {
		c, err := core.ParseComponent(raw)
		if err != nil {
			return f, err
		}
		f.Component = &c
	}
	if raw := q.Get("handled"); raw != "" {
		h, err := strconv.ParseBool(raw)
		if err != nil {
			return f, core.NewValidationError("handled", "must be true or false")
		}
		f.Handled = &h
	}
	f.Type = q.Get("type")
	f.AssessmentID = q.Get("assessment_id")
	if f.Limit, err = queryInt(q, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

// HandleListSessions pages over sessions.
// GET /api/v1/admin/sessions?risk=&status=&assessment_id=&page=&page_size=
func HandleListSessions(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := sessionFilter(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, coord.ListSessions(r.Context(), f))
	}
}

// HandleViolationFeed returns violations across all monitors, newest first.
// GET /api/v1/admin/violations?severity=&type=&component=&handled=&assessment_id=&limit=
func HandleViolationFeed(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := violationFilter(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		feed := coord.ViolationFeed(r.Context(), f)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"violations": feed,
			"count":      len(feed),
		})
	}
}

// HandleAcknowledgeViolation marks a violation handled.
// POST /api/v1/admin/sessions/{id}/violations/{component}/{violationId}/ack
func HandleAcknowledgeViolation(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		component, err := core.ParseComponent(vars["component"])
		if err != nil {
			writeError(w, err)
			return
		}
		if err := coord.AcknowledgeViolation(r.Context(), vars["id"], component, vars["violationId"]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessionId":   vars["id"],
			"component":   component,
			"violationId": vars["violationId"],
			"handled":     true,
		})
	}
}

// ============================================================================
// CSV EXPORT
// ============================================================================

func csvHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}

// HandleExportSessions streams every session matching the filter as CSV.
// Paging parameters are ignored.
// GET /api/v1/admin/export/sessions.csv
func HandleExportSessions(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := sessionFilter(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		var rows []session.SessionRow
		f.PageSize = 100
		for f.Page = 1; ; f.Page++ {
			page := coord.ListSessions(r.Context(), f)
			rows = append(rows, page.Sessions...)
			if len(page.Sessions) == 0 || len(rows) >= page.Total {
				break
			}
		}

		csvHeaders(w, "sessions.csv")
		if err := session.WriteSessionsCSV(w, rows); err != nil {
			slog.Warn("sessions export failed", "error", err)
		}
	}
}

// HandleExportViolations writes the violation feed as CSV.
// GET /api/v1/admin/export/violations.csv
func HandleExportViolations(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := violationFilter(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		csvHeaders(w, "violations.csv")
		if err := session.WriteViolationsCSV(w, coord.ViolationFeed(r.Context(), f)); err != nil {
			slog.Warn("violations export failed", "error", err)
		}
	}
}

// HandleExportReport writes the violation timeline of a final report as CSV.
// GET /api/v1/admin/sessions/{id}/report.csv
func HandleExportReport(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		report, err := coord.GetReport(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		csvHeaders(w, id+"-report.csv")
		if err := session.WriteReportCSV(w, report); err != nil {
			slog.Warn("report export failed", "session_id", id, "error", err)
		}
	}
}
