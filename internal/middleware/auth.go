package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"
)

// AdminAuth guards the reviewer API. Requests must carry
// "Authorization: Bearer <key>" where key matches one of the configured
// bcrypt hashes. Keys that verified once are remembered by digest so that
// bcrypt runs once per key rather than once per request.
type AdminAuth struct {
	hashes   [][]byte
	mu       sync.RWMutex
	verified map[[32]byte]struct{}
}

// NewAdminAuth validates the configured hashes. With no hashes every admin
// request is rejected.
func NewAdminAuth(hashes []string) (*AdminAuth, error) {
	a := &AdminAuth{verified: make(map[[32]byte]struct{})}
	for i, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("admin api key hash %d: %w", i, err)
		}
		a.hashes = append(a.hashes, []byte(h))
	}
	if len(a.hashes) == 0 {
		slog.Warn("no admin api keys configured, admin routes will reject every request")
	}
	return a, nil
}

// Verify reports whether key matches a configured hash.
func (a *AdminAuth) Verify(key string) bool {
	if key == "" {
		return false
	}
	digest := blake2b.Sum256([]byte(key))

	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.mu.Lock()
			a.verified[digest] = struct{}{}
			a.mu.Unlock()
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Middleware rejects unauthenticated requests with 401.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(bearerToken(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="proctor-admin"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing or invalid admin api key","code":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
