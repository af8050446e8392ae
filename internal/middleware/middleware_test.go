package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(requests, windowSeconds, maxKeys int, clk *fakeClock) *RateLimiter {
	return NewRateLimiter(RateLimitOptions{
		Name:            "events",
		Limit:           config.LimitConfig{Requests: requests, WindowSeconds: windowSeconds},
		MaxKeysPerShard: maxKeys,
		Now:             clk.Now,
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := newLimiter(3, 3, 0, clk)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("ip:sess-1")
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, wait := rl.Allow("ip:sess-1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	ok, _ = rl.Allow("ip:sess-2")
	assert.True(t, ok, "keys are independent")

	clk.Advance(time.Second)
	ok, _ = rl.Allow("ip:sess-1")
	assert.True(t, ok, "one token refilled")
}

func TestRateLimiter_BoundedAndSwept(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := newLimiter(10, 60, 2, clk)

	for i := 0; i < 200; i++ {
		rl.Allow(fmt.Sprintf("key-%d", i))
		clk.Advance(time.Millisecond)
	}
	assert.LessOrEqual(t, rl.Len(), 2*limiterShards)

	clk.Advance(5 * time.Minute)
	rl.Allow("fresh")
	removed := rl.Sweep()
	assert.Greater(t, removed, 0)
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_Middleware(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rl := NewRateLimiter(RateLimitOptions{
		Name:    "frames",
		Limit:   config.LimitConfig{Requests: 1, WindowSeconds: 5},
		Metrics: m,
		Now:     clk.Now,
	})

	r := mux.NewRouter()
	r.Handle("/sessions/{id}/frames", rl.Middleware(SessionKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sessions/s1/frames", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("frames")))

	t.Run("client headers do not change the key", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodPost, "/sessions/s1/frames", nil)
			req.RemoteAddr = fmt.Sprintf("10.0.0.%d:5555", i)
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("8.8.8.%d", i))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	})
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	_, err = NewAdminAuth([]string{"not-a-hash"})
	assert.Error(t, err)

	auth, err := NewAdminAuth([]string{string(hash)})
	require.NoError(t, err)
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid key", "Bearer s3cret", http.StatusNoContent},
		{"case-insensitive scheme", "bearer s3cret", http.StatusNoContent},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminAuth_NoKeysRejectsAll(t *testing.T) {
	auth, err := NewAdminAuth(nil)
	require.NoError(t, err)
	assert.False(t, auth.Verify("anything"))
}

func TestRequestLoggerAndRecoverer(t *testing.T) {
	h := RequestLogger(slog.Default())(Recoverer(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
