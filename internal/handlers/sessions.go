package handlers

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/proctor/internal/browser"
	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/detector"
	"github.com/ocx/proctor/internal/integrity"
	"github.com/ocx/proctor/internal/presence"
	"github.com/ocx/proctor/internal/security"
	"github.com/ocx/proctor/internal/session"
)

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

type initializeRequest struct {
	SessionID          string                       `json:"sessionId,omitempty"`
	UserID             string                       `json:"userId" validate:"notblank"`
	AssessmentID       string                       `json:"assessmentId" validate:"notblank"`
	UserAgent          string                       `json:"userAgent" validate:"notblank"`
	ScreenResolution   string                       `json:"screenResolution" validate:"notblank"`
	Incognito          bool                         `json:"incognito"`
	Platform           string                       `json:"platform,omitempty"`
	Language           string                       `json:"language,omitempty"`
	DeviceFingerprint  string                       `json:"deviceFingerprint,omitempty"`
	WebcamEnabled      bool                         `json:"webcamEnabled"`
	AIIntegrityEnabled bool                         `json:"aiIntegrityEnabled"`
	Configuration      session.SessionConfiguration `json:"configuration"`
}

// HandleInitialize starts a proctoring session.
// POST /api/v1/sessions
func HandleInitialize(coord *session.Coordinator, proxies security.TrustedProxies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req initializeRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}

		cs, err := coord.Initialize(r.Context(), session.InitRequest{
			SessionID:    req.SessionID,
			UserID:       req.UserID,
			AssessmentID: req.AssessmentID,
			DeviceInfo: security.DeviceInfo{
				UserAgent:        req.UserAgent,
				ScreenResolution: req.ScreenResolution,
				Incognito:        req.Incognito,
				Platform:         req.Platform,
				Language:         req.Language,
				Fingerprint:      req.DeviceFingerprint,
				ClientIP:         security.ClientIP(r, proxies),
			},
			DeviceFingerprint: req.DeviceFingerprint,
			EnableWebcam:      req.WebcamEnabled,
			EnableAI:          req.AIIntegrityEnabled,
			Configuration:     req.Configuration,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cs)
	}
}

// HandleStatus returns the aggregated status of a session.
// GET /api/v1/sessions/{id}
func HandleStatus(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := coord.GetStatus(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type completeRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=128"`
}

// HandleComplete ends a session and returns its final report. The body is
// optional.
// POST /api/v1/sessions/{id}/complete
func HandleComplete(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if err := decode(r, &req, true); err != nil {
			writeError(w, err)
			return
		}
		report, err := coord.Complete(r.Context(), mux.Vars(r)["id"], req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// HandleReport returns the stored report of a completed session.
// GET /api/v1/sessions/{id}/report
func HandleReport(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := coord.GetReport(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// ============================================================================
// BROWSER EVENTS
// ============================================================================

type eventRequest struct {
	EventID         string         `json:"eventId,omitempty" validate:"omitempty,max=128"`
	EventType       string         `json:"eventType" validate:"notblank"`
	EventData       map[string]any `json:"eventData,omitempty"`
	Component       string         `json:"component" validate:"notblank"`
	Severity        string         `json:"severity" validate:"severity"`
	ClientTimestamp *time.Time     `json:"timestamp,omitempty"`
}

// HandleEvent routes one event to the monitor named by component.
// POST /api/v1/sessions/{id}/events
func HandleEvent(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		component, err := core.ParseComponent(req.Component)
		if err != nil {
			writeError(w, err)
			return
		}
		sev, err := core.ParseSeverity(req.Severity)
		if err != nil {
			writeError(w, err)
			return
		}

		ack, err := coord.DispatchEvent(r.Context(), mux.Vars(r)["id"], component, session.EventInput{
			EventID:         req.EventID,
			Type:            req.EventType,
			Severity:        sev,
			Payload:         req.EventData,
			ClientTimestamp: req.ClientTimestamp,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

type windowRequest struct {
	Kind string         `json:"kind" validate:"notblank"`
	Data map[string]any `json:"data"`
}

// HandleWindowTracking appends a window telemetry sample.
// POST /api/v1/sessions/{id}/window
func HandleWindowTracking(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req windowRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		kind, err := browser.ParseWindowKind(req.Kind)
		if err != nil {
			writeError(w, err)
			return
		}
		ack, err := coord.UpdateWindowTracking(r.Context(), mux.Vars(r)["id"], kind, req.Data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

type performanceRequest struct {
	Metric string   `json:"metric" validate:"notblank"`
	Value  *float64 `json:"value" validate:"required"`
}

// HandlePerformance appends a performance metric sample.
// POST /api/v1/sessions/{id}/performance
func HandlePerformance(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req performanceRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		kind, err := browser.ParseMetricKind(req.Metric)
		if err != nil {
			writeError(w, err)
			return
		}
		ack, err := coord.UpdatePerformanceMetrics(r.Context(), mux.Vars(r)["id"], kind, *req.Value)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

// ============================================================================
// WEBCAM
// ============================================================================

type frameRequest struct {
	FrameData   string                  `json:"frameData"`
	Timestamp   time.Time               `json:"timestamp"`
	FrameNumber *int64                  `json:"frameNumber" validate:"required,gte=0"`
	Analysis    *detector.FrameAnalysis `json:"analysis,omitempty"`
}

// decodeFrameData accepts raw base64 or a data URL.
func decodeFrameData(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "data:") {
		if i := strings.Index(raw, ","); i >= 0 {
			raw = raw[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, core.NewValidationError("frameData", "must be base64 encoded")
	}
	return data, nil
}

// HandleFrame ingests one webcam frame. Queued frames are acknowledged
// with 202.
// POST /api/v1/sessions/{id}/frames
func HandleFrame(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req frameRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		data, err := decodeFrameData(req.FrameData)
		if err != nil {
			writeError(w, err)
			return
		}

		res, err := coord.IngestFrame(r.Context(), mux.Vars(r)["id"], presence.FrameInput{
			FrameNumber:    *req.FrameNumber,
			Timestamp:      req.Timestamp,
			Data:           data,
			ClientAnalysis: req.Analysis,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if res.Status == presence.FramePending {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

// HandlePrivacy replaces the webcam privacy settings of a session.
// PUT /api/v1/sessions/{id}/privacy
func HandlePrivacy(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req presence.PrivacySettings
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		if err := coord.UpdatePrivacy(r.Context(), mux.Vars(r)["id"], req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// ============================================================================
// AI INTEGRITY
// ============================================================================

type answerRequest struct {
	QuestionID string                   `json:"questionId" validate:"notblank"`
	Answer     string                   `json:"answer"`
	Metadata   integrity.AnswerMetadata `json:"metadata"`
}

// HandleAnswer runs the plagiarism check on a submitted answer.
// POST /api/v1/sessions/{id}/answers
func HandleAnswer(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		res, err := coord.AnalyzeAnswer(r.Context(), mux.Vars(r)["id"], req.QuestionID, req.Answer, req.Metadata)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type typingRequest struct {
	BatchID       string                `json:"batchId,omitempty"`
	KeystrokeData []integrity.Keystroke `json:"keystrokeData" validate:"required,min=1,max=5000,dive"`
}

// HandleTyping scores a keystroke batch.
// POST /api/v1/sessions/{id}/typing
func HandleTyping(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req typingRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		res, err := coord.AnalyzeTyping(r.Context(), mux.Vars(r)["id"], req.BatchID, req.KeystrokeData)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type responseTimeRequest struct {
	EventID      string                      `json:"eventId,omitempty"`
	QuestionID   string                      `json:"questionId" validate:"notblank"`
	ResponseData integrity.ResponseBreakdown `json:"responseData"`
}

// HandleResponseTime scores the timing of one answer.
// POST /api/v1/sessions/{id}/response-times
func HandleResponseTime(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req responseTimeRequest
		if err := decode(r, &req, false); err != nil {
			writeError(w, err)
			return
		}
		res, err := coord.AnalyzeResponseTime(r.Context(), mux.Vars(r)["id"], req.EventID, req.QuestionID, req.ResponseData)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
