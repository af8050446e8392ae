// Package circuitbreaker isolates calls to external detectors so that a
// failing frame analyzer or similarity service degrades analysis instead of
// stalling every session that depends on it.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocx/proctor/internal/config"
)

// State of a detector circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	ErrCircuitOpen = errors.New("detector circuit open")
	ErrProbeBusy   = errors.New("detector circuit probing")
)

// IsRejection reports whether err came from the breaker rather than the detector.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrProbeBusy)
}

// ============================================================================
// SETTINGS
// ============================================================================

// Settings tune one breaker.
type Settings struct {
	Name string

	// MinRequests calls must be observed in the current window before the
	// failure ratio can trip the circuit.
	MinRequests  int
	FailureRatio float64

	// Window is how long closed-state outcomes are kept before they reset.
	Window time.Duration

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration

	// Probes is the number of concurrent trial calls allowed while half
	// open, and the number of successes needed to close again.
	Probes int

	OnTransition func(name string, from, to State)
	Now          func() time.Time
}

// SettingsFor derives breaker settings from the detectors.breaker section.
func SettingsFor(name string, bc config.BreakerConfig) Settings {
	s := Settings{
		Name:         name,
		MinRequests:  max(bc.MinRequests, 1),
		FailureRatio: bc.FailureRatio,
		Window:       time.Minute,
		Cooldown:     time.Duration(bc.OpenSeconds) * time.Second,
		Probes:       1,
		OnTransition: logTransition,
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = 0.5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

func logTransition(name string, from, to State) {
	slog.Warn("detector circuit changed state", "detector", name, "from", from.String(), "to", to.String())
}

// ============================================================================
// BREAKER
// ============================================================================

// Outcomes counts calls in the current window.
type Outcomes struct {
	Requests  int `json:"requests"`
	Failures  int `json:"failures"`
	Successes int `json:"successes"`
}

func (o Outcomes) failureRatio() float64 {
	if o.Requests == 0 {
		return 0
	}
	return float64(o.Failures) / float64(o.Requests)
}

// CircuitBreaker guards one detector.
type CircuitBreaker struct {
	s Settings

	mu       sync.Mutex
	state    State
	epoch    uint64 // bumped on every transition so late results are dropped
	outcomes Outcomes
	probing  int
	until    time.Time // window end while closed, cooldown end while open
}

// New creates a closed breaker.
func New(s Settings) *CircuitBreaker {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Probes <= 0 {
		s.Probes = 1
	}
	if s.MinRequests <= 0 {
		s.MinRequests = 1
	}
	cb := &CircuitBreaker{s: s}
	cb.reset(s.Now())
	return cb
}

// Name returns the detector name.
func (cb *CircuitBreaker) Name() string { return cb.s.Name }

// State returns the state, advancing expired windows and cooldowns.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick(cb.s.Now())
	return cb.state
}

// Outcomes returns the counts of the current window.
func (cb *CircuitBreaker) Outcomes() Outcomes {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.outcomes
}

func (cb *CircuitBreaker) String() string {
	o := cb.Outcomes()
	return fmt.Sprintf("%s[%s %d/%d failed]", cb.s.Name, cb.State(), o.Failures, o.Requests)
}

// Execute runs call if the circuit admits it and records the outcome.
// Cancellation by the caller is not held against the detector.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, call func(context.Context) (T, error)) (T, error) {
	var zero T
	epoch, err := cb.admit()
	if err != nil {
		return zero, err
	}

	done := false
	defer func() {
		if !done {
			cb.record(epoch, false)
		}
	}()

	result, err := call(ctx)
	done = true
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		cb.forget(epoch)
		return result, err
	}
	cb.record(epoch, err == nil)
	return result, err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tick(cb.s.Now())
	switch cb.state {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing+cb.outcomes.Successes >= cb.s.Probes {
			return cb.epoch, ErrProbeBusy
		}
		cb.probing++
	}
	return cb.epoch, nil
}

func (cb *CircuitBreaker) forget(epoch uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if epoch == cb.epoch && cb.probing > 0 {
		cb.probing--
	}
}

func (cb *CircuitBreaker) record(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.s.Now()
	cb.tick(now)
	if epoch != cb.epoch {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.outcomes.Requests++
		if ok {
			cb.outcomes.Successes++
			return
		}
		cb.outcomes.Failures++
		if cb.outcomes.Requests >= cb.s.MinRequests && cb.outcomes.failureRatio() >= cb.s.FailureRatio {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if cb.probing > 0 {
			cb.probing--
		}
		if !ok {
			cb.transition(StateOpen, now)
			return
		}
		cb.outcomes.Requests++
		cb.outcomes.Successes++
		if cb.outcomes.Successes >= cb.s.Probes {
			cb.transition(StateClosed, now)
		}
	}
}

// tick must be called with mu held.
func (cb *CircuitBreaker) tick(now time.Time) {
	switch cb.state {
	case StateClosed:
		if cb.s.Window > 0 && now.After(cb.until) {
			cb.reset(now)
		}
	case StateOpen:
		if now.After(cb.until) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.reset(now)
	if cb.s.OnTransition != nil {
		cb.s.OnTransition(cb.s.Name, from, to)
	}
}

func (cb *CircuitBreaker) reset(now time.Time) {
	cb.epoch++
	cb.outcomes = Outcomes{}
	cb.probing = 0
	switch cb.state {
	case StateClosed:
		cb.until = now.Add(cb.s.Window)
	case StateOpen:
		cb.until = now.Add(cb.s.Cooldown)
	default:
		cb.until = time.Time{}
	}
}

// ============================================================================
// DETECTOR BREAKERS
// ============================================================================

// Breaker names for the pluggable detectors.
const (
	FrameAnalysis = "frame-analysis"
	Similarity    = "similarity"
)

// Manager hands out one breaker per detector.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	settings func(name string) Settings
}

// NewManager configures every breaker it creates from bc.
func NewManager(bc config.BreakerConfig) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		settings: func(name string) Settings { return SettingsFor(name, bc) },
	}
}

// Get returns the breaker for a detector, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cb = New(m.settings(name))
	m.breakers[name] = cb
	return cb
}

// Stats describes one detector circuit.
type Stats struct {
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Outcomes Outcomes `json:"outcomes"`
}

// Stats lists every detector circuit, sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.breakers))
	for name, cb := range m.breakers {
		out = append(out, Stats{Name: name, State: cb.State().String(), Outcomes: cb.Outcomes()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open returns the names of detectors whose circuit is open.
func (m *Manager) Open() []string {
	var open []string
	for _, s := range m.Stats() {
		if s.State == StateOpen.String() {
			open = append(open, s.Name)
		}
	}
	return open
}
