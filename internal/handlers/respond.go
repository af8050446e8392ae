package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ocx/proctor/internal/core"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Field  string            `json:"field,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var (
		fe *fieldErrors
		ve *core.ValidationError
		de *core.IncompatibleDeviceError
	)
	switch {
	case errors.As(err, &fe):
		return http.StatusBadRequest, errorBody{
			Error:  fe.first.Error(),
			Code:   "validation_failed",
			Field:  fe.first.Field,
			Fields: fe.fields,
		}
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Error: ve.Error(), Code: "validation_failed", Field: ve.Field}
	case errors.As(err, &de):
		return http.StatusUnprocessableEntity, errorBody{Error: de.Error(), Code: "incompatible_device", Reason: de.Reason}
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "session_not_found"}
	case errors.Is(err, core.ErrMonitorNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "monitor_not_found"}
	case errors.Is(err, core.ErrViolationNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "violation_not_found"}
	case errors.Is(err, core.ErrReportNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "report_not_found"}
	case errors.Is(err, core.ErrUnsupportedComponent):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "unsupported_component"}
	case errors.Is(err, core.ErrSessionTerminated):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "session_terminated"}
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_transition"}
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Error: err.Error(), Code: "rate_limited"}
	case errors.Is(err, core.ErrAnalysisUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "analysis_unavailable"}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"}
}
