// Package handlers exposes the proctoring core over HTTP.
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/events"
	"github.com/ocx/proctor/internal/middleware"
	"github.com/ocx/proctor/internal/security"
	"github.com/ocx/proctor/internal/session"
	"github.com/ocx/proctor/internal/websocket"
)

// Deps are the collaborators the routes are built from. Nil limiters,
// bus or streamer leave the corresponding routes unthrottled or unmounted.
type Deps struct {
	Coordinator    *session.Coordinator
	Config         *config.Config
	Bus            *events.EventBus
	Streamer       *websocket.RiskStreamer
	EventsLimiter  *middleware.RateLimiter
	FramesLimiter  *middleware.RateLimiter
	AdminAuth      *middleware.AdminAuth
	TrustedProxies security.TrustedProxies
	Version        string
}

func limited(rl *middleware.RateLimiter, h http.Handler) http.Handler {
	if rl == nil {
		return h
	}
	return rl.Middleware(middleware.SessionKey)(h)
}

// Register mounts the session, admin and streaming routes on r.
func Register(r *mux.Router, d Deps) {
	coord := d.Coordinator
	api := r.PathPrefix("/api/v1").Subrouter()

	// Session lifecycle
	api.HandleFunc("/sessions", HandleInitialize(coord, d.TrustedProxies)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", HandleStatus(coord)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/complete", HandleComplete(coord)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/report", HandleReport(coord)).Methods(http.MethodGet)

	// Browser
	api.Handle("/sessions/{id}/events", limited(d.EventsLimiter, HandleEvent(coord))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/window", limited(d.EventsLimiter, HandleWindowTracking(coord))).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/performance", limited(d.EventsLimiter, HandlePerformance(coord))).Methods(http.MethodPost)

	// Webcam
	api.Handle("/sessions/{id}/frames", limited(d.FramesLimiter, HandleFrame(coord))).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/privacy", HandlePrivacy(coord)).Methods(http.MethodPut)

	// AI integrity
	api.HandleFunc("/sessions/{id}/answers", HandleAnswer(coord)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/typing", HandleTyping(coord)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/response-times", HandleResponseTime(coord)).Methods(http.MethodPost)

	// Admin reporting views
	admin := api.PathPrefix("/admin").Subrouter()
	if d.AdminAuth != nil {
		admin.Use(d.AdminAuth.Middleware)
	}
	admin.HandleFunc("/sessions", HandleListSessions(coord)).Methods(http.MethodGet)
	admin.HandleFunc("/violations", HandleViolationFeed(coord)).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/{id}/violations/{component}/{violationId}/ack", HandleAcknowledgeViolation(coord)).Methods(http.MethodPost)
	admin.HandleFunc("/export/sessions.csv", HandleExportSessions(coord)).Methods(http.MethodGet)
	admin.HandleFunc("/export/violations.csv", HandleExportViolations(coord)).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/{id}/report.csv", HandleExportReport(coord)).Methods(http.MethodGet)

	// Streaming carries every session's violations, so it sits behind admin auth.
	if d.Streamer != nil {
		admin.HandleFunc("/stream", d.Streamer.HandleWebSocket)
	}
	if d.Bus != nil {
		admin.HandleFunc("/events/stream", HandleSSEStream(d.Bus)).Methods(http.MethodGet)
	}

	r.HandleFunc("/.well-known/proctor.json", HandleServiceCard(d.Version)).Methods(http.MethodGet)
}
