package middleware

import (
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/metrics"
)

const limiterShards = 16

// RateLimiter enforces per-key token buckets. Keys are spread over
// independently locked shards; each shard holds at most maxKeys buckets and
// evicts the least recently used one when full. Idle buckets are swept.
type RateLimiter struct {
	name    string
	limit   rate.Limit
	burst   int
	maxKeys int
	idleTTL time.Duration
	shards  [limiterShards]*limiterShard
	metrics *metrics.Metrics
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
	logger  *log.Logger
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitOptions configures a RateLimiter.
type RateLimitOptions struct {
	Name            string
	Limit           config.LimitConfig
	MaxKeysPerShard int
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// NewRateLimiter creates a limiter allowing Limit.Requests per window with a
// burst of the same size.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	requests, window := opts.Limit.Requests, opts.Limit.Window()
	if requests <= 0 {
		requests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if opts.MaxKeysPerShard <= 0 {
		opts.MaxKeysPerShard = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rl := &RateLimiter{
		name:    opts.Name,
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		maxKeys: opts.MaxKeysPerShard,
		idleTTL: max(2*window, time.Minute),
		metrics: opts.Metrics,
		now:     opts.Now,
		stopCh:  make(chan struct{}),
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	for i := range rl.shards {
		rl.shards[i] = &limiterShard{buckets: make(map[string]*bucket)}
	}
	return rl
}

func (rl *RateLimiter) shardFor(key string) *limiterShard {
	return rl.shards[xxhash.Sum64String(key)%limiterShards]
}

// Allow takes one token for key. When none is available it returns false
// and how long until one will be.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()
	sh := rl.shardFor(key)

	sh.mu.Lock()
	b, ok := sh.buckets[key]
	if !ok {
		if len(sh.buckets) >= rl.maxKeys {
			sh.evictOldest()
		}
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		sh.buckets[key] = b
	}
	b.lastSeen = now
	res := b.limiter.ReserveN(now, 1)
	sh.mu.Unlock()

	if !res.OK() {
		return false, time.Duration(math.MaxInt64)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// evictOldest drops the least recently seen bucket. Callers hold mu.
func (sh *limiterShard) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, b := range sh.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = k, b.lastSeen
		}
	}
	delete(sh.buckets, oldestKey)
}

// Sweep removes buckets idle for longer than the idle TTL and returns how
// many were removed.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	removed := 0
	for _, sh := range rl.shards {
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int {
	n := 0
	for _, sh := range rl.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// StartSweeper sweeps idle buckets every interval until Stop.
func (rl *RateLimiter) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rl.Sweep(); n > 0 {
					rl.logger.Printf("%s: swept %d idle buckets", rl.name, n)
				}
			case <-rl.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// SessionKey keys a request by the {id} route variable alone. Client
// headers never take part, so rotating them cannot buy a fresh bucket.
func SessionKey(r *http.Request) string {
	return "session:" + mux.Vars(r)["id"]
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (rl *RateLimiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := rl.Allow(key(r))
			if !ok {
				rl.metrics.RecordRateLimited(rl.name)
				retry := int(math.Ceil(wait.Seconds()))
				if retry < 1 || wait == time.Duration(math.MaxInt64) {
					retry = 1
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited","retryAfterSeconds":` + strconv.Itoa(retry) + `}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns current limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"name":         rl.name,
		"buckets":      rl.Len(),
		"rate_per_sec": float64(rl.limit),
		"burst":        rl.burst,
	}
}
