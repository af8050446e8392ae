package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/events"
)

// originMatcher decides which browser origins may call the API. Entries
// are exact origins, "*" or a single-wildcard host such as
// "https://*.example.edu".
type originMatcher struct {
	any      bool
	exact    map[string]struct{}
	patterns [][2]string // scheme+prefix, suffix
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			m.any = true
			continue
		}
		if before, after, ok := strings.Cut(o, "*"); ok {
			m.patterns = append(m.patterns, [2]string{before, after})
			continue
		}
		m.exact[o] = struct{}{}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, p := range m.patterns {
		if len(origin) > len(p[0])+len(p[1]) && strings.HasPrefix(origin, p[0]) && strings.HasSuffix(origin, p[1]) {
			return true
		}
	}
	return false
}

// MakeCORSMiddleware answers preflights and echoes allowed origins. It wraps
// the whole router so preflights for POST-only routes still get headers.
func MakeCORSMiddleware(cfg *config.Config) mux.MiddlewareFunc {
	origins := newOriginMatcher(cfg.Server.CORSAllowOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case origins.any:
				h.Set("Access-Control-Allow-Origin", "*")
			case origins.allows(origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Accept")
			h.Set("Access-Control-Expose-Headers", "Retry-After")
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const sseKeepAlive = 25 * time.Second

// HandleSSEStream streams proctoring events as Server-Sent Events for
// dashboards that cannot hold a websocket.
// GET /api/v1/admin/events/stream?events=<type,...>&session=<id>
func HandleSSEStream(bus *events.EventBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		var types []string
		if raw := q.Get("events"); raw != "" {
			types = strings.Split(raw, ",")
		}
		sessionID := q.Get("session")

		ch := bus.Subscribe(types...)
		defer bus.Unsubscribe(ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "retry: 3000\n\n")
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if sessionID != "" && ev.Subject != sessionID {
					continue
				}
				frame, err := ev.SSEFormat()
				if err != nil {
					continue
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// HandleServiceCard returns the service discovery card.
func HandleServiceCard(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name":    "Proctor",
			"version": version,
			"description": "Session-scoped assessment integrity monitoring: browser lockdown, " +
				"webcam presence and answer integrity correlated into one risk level.",
			"components": []string{"browser", "webcam", "ai"},
			"endpoints": map[string]string{
				"initialize": "/api/v1/sessions",
				"status":     "/api/v1/sessions/{id}",
				"events":     "/api/v1/sessions/{id}/events",
				"frames":     "/api/v1/sessions/{id}/frames",
				"answers":    "/api/v1/sessions/{id}/answers",
				"typing":     "/api/v1/sessions/{id}/typing",
				"response":   "/api/v1/sessions/{id}/response-times",
				"complete":   "/api/v1/sessions/{id}/complete",
				"report":     "/api/v1/sessions/{id}/report",
				"stream":     "/api/v1/admin/stream",
				"sse":        "/api/v1/admin/events/stream",
				"health":     "/health",
				"metrics":    "/metrics",
			},
			"authentication": "Bearer API key on /api/v1/admin routes",
		})
	}
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HandleHealth reports ok when every check passes and 503 otherwise.
func HandleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": results,
			"time":   time.Now().UTC(),
		})
	}
}
