package browser

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/security"
)

// Options configures a Monitor.
type Options struct {
	SessionID           string
	UserID              string
	AssessmentID        string
	Policy              ViolationPolicy
	Device              security.DevicePolicy
	CPUAnomalyThreshold float64
	Now                 func() time.Time
	Logger              *slog.Logger
}

// EventInput is a client-reported security event.
type EventInput struct {
	EventID         string
	Type            string
	Severity        core.Severity
	Details         map[string]any
	ClientTimestamp *time.Time
}

// Summary is the scoring view of a State.
type Summary struct {
	Status         Status         `json:"status"`
	ViolationCount int            `json:"violationCount"`
	ViolationScore float64        `json:"violationScore"`
	IntegrityScore float64        `json:"integrityScore"`
	TrustScore     float64        `json:"trustScore"`
	RiskLevel      core.RiskLevel `json:"riskLevel"`
}

// Result reports the outcome of recording an event.
type Result struct {
	Event     SecurityEvent `json:"event"`
	Duplicate bool          `json:"duplicate"`
	Summary   Summary       `json:"summary"`
}

// Monitor owns the lockdown state of one session. All mutations go through
// its mutex, so events for one session are applied in a strict order.
type Monitor struct {
	mu    sync.Mutex
	state State
	seen  map[string]int // client event id -> index in SecurityEvents

	device       security.DevicePolicy
	cpuThreshold float64
	now          func() time.Time
	logger       *slog.Logger
}

// NewMonitor creates a monitor in the initializing state.
func NewMonitor(opts Options) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CPUAnomalyThreshold <= 0 {
		opts.CPUAnomalyThreshold = 80
	}
	return &Monitor{
		state:        NewState(opts.SessionID, opts.UserID, opts.AssessmentID, opts.Policy, opts.Now()),
		seen:         make(map[string]int),
		device:       opts.Device,
		cpuThreshold: opts.CPUAnomalyThreshold,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "browser", "session_id", opts.SessionID),
	}
}

// Activate validates the device and locks the environment.
func (m *Monitor) Activate(device security.DeviceInfo) error {
	if err := security.CheckDevice(device, m.device); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(StatusLocked); err != nil {
		return err
	}
	m.state.Device = device
	return nil
}

// StartMonitoring moves a locked session into monitoring.
func (m *Monitor) StartMonitoring() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusLocked {
		return fmt.Errorf("%w: start monitoring from %s", core.ErrInvalidTransition, m.state.Status)
	}
	return m.transition(StatusMonitoring)
}

// transition enforces forward-only moves. Callers hold mu.
func (m *Monitor) transition(to Status) error {
	from := m.state.Status
	if from == StatusTerminated {
		return core.ErrSessionTerminated
	}
	if to.rank() <= from.rank() {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}
	m.state.Status = to
	return nil
}

// writable reports why the monitor cannot accept a write. Callers hold mu.
func (m *Monitor) writable() error {
	switch m.state.Status {
	case StatusTerminated:
		return core.ErrSessionTerminated
	case StatusInitializing:
		return fmt.Errorf("%w: session is not activated", core.ErrInvalidTransition)
	}
	return nil
}

// stamp returns the server timestamp for the next event, never earlier than
// the last recorded one.
func (m *Monitor) stamp() time.Time {
	now := m.now()
	if n := len(m.state.SecurityEvents); n > 0 {
		if last := m.state.SecurityEvents[n-1].Timestamp; now.Before(last) {
			return last
		}
	}
	return now
}

// RecordEvent appends a client-reported security event. Resubmitting an
// event with the same EventID returns the original outcome unchanged.
func (m *Monitor) RecordEvent(in EventInput) (Result, error) {
	if strings.TrimSpace(in.Type) == "" {
		return Result{}, core.NewValidationError("eventType", "is required")
	}
	if !in.Severity.Valid() {
		return Result{}, core.NewValidationError("severity", "invalid severity %q", in.Severity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if in.EventID != "" {
		if idx, ok := m.seen[in.EventID]; ok {
			return Result{Event: m.state.SecurityEvents[idx], Duplicate: true, Summary: m.summary()}, nil
		}
	}
	if err := m.writable(); err != nil {
		return Result{}, err
	}

	details := make(map[string]any, len(in.Details)+1)
	for k, v := range in.Details {
		details[k] = v
	}
	if in.ClientTimestamp != nil {
		details["clientTimestamp"] = in.ClientTimestamp.UTC()
	}

	ev := SecurityEvent{
		ID:       in.EventID,
		Type:     in.Type,
		Severity: in.Severity,
		Details:  details,
	}
	res := m.record(ev)

	m.state.LastActivity = res.Event.Timestamp
	m.state.IdleFlagged = false
	return res, nil
}

// record stamps and applies an event. Callers hold mu.
func (m *Monitor) record(ev SecurityEvent) Result {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	} else {
		m.seen[ev.ID] = len(m.state.SecurityEvents)
	}
	ev.Timestamp = m.stamp()

	before := m.state.Status
	m.state = ApplyEvent(m.state, ev)

	if before != m.state.Status {
		m.logger.Warn("lockdown violated", "event_type", ev.Type, "severity", ev.Severity)
	}
	m.logger.Debug("security event recorded",
		"event_type", ev.Type,
		"severity", ev.Severity,
		"violation_count", m.state.ViolationCount,
		"violation_score", m.state.ViolationScore,
	)
	return Result{Event: ev, Summary: m.summary()}
}

// UpdateWindowTracking records window telemetry. A focus update with
// focused=false also records a window_blur event, returned as the result.
func (m *Monitor) UpdateWindowTracking(kind WindowKind, data map[string]any) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writable(); err != nil {
		return nil, err
	}

	next, blur := ApplyWindowSample(m.state, kind, WindowSample{Timestamp: m.now(), Data: data})
	m.state = next
	if blur == nil {
		return nil, nil
	}
	res := m.record(*blur)
	return &res, nil
}

// UpdatePerformanceMetrics records a performance sample. A cpu reading above
// the anomaly threshold records a suspicious_activity event.
func (m *Monitor) UpdatePerformanceMetrics(kind MetricKind, value float64) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writable(); err != nil {
		return nil, err
	}

	next, anomaly := ApplyMetricSample(m.state, kind, MetricSample{Timestamp: m.now(), Value: value}, m.cpuThreshold)
	m.state = next
	if anomaly == nil {
		return nil, nil
	}
	res := m.record(*anomaly)
	return &res, nil
}

// CheckViolationThresholds evaluates the violation policy. A terminate
// decision moves the monitor to terminated; a warning is remembered.
func (m *Monitor) CheckViolationThresholds() ThresholdDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := EvaluateThresholds(m.state, m.now())
	switch d.Action {
	case ActionTerminate:
		if m.state.Status != StatusTerminated {
			m.terminate(ReasonAutoTerminated + ": " + d.Reason)
			m.logger.Warn("session auto-terminated", "reason", d.Reason)
		}
	case ActionWarning:
		if !m.state.WarningIssued {
			m.logger.Info("violation warning issued", "reason", d.Reason)
		}
		m.state.WarningIssued = true
	}
	return d
}

// CheckIdle records one idle_detected event when nothing has happened for
// longer than maxIdle. It fires once per idle period.
func (m *Monitor) CheckIdle(maxIdle time.Duration) (*Result, bool) {
	if maxIdle <= 0 {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Status.Active() || m.state.IdleFlagged {
		return nil, false
	}
	idle := m.now().Sub(m.state.LastActivity)
	if idle <= maxIdle {
		return nil, false
	}

	m.state.IdleFlagged = true
	res := m.record(SecurityEvent{
		Type:     EventIdleDetected,
		Severity: core.SeverityLow,
		Details: map[string]any{
			"idleSeconds":    int(idle.Seconds()),
			"maxIdleSeconds": int(maxIdle.Seconds()),
		},
		Synthetic: true,
	})
	return &res, true
}

// Terminate ends the session. It reports false when already terminated.
func (m *Monitor) Terminate(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == StatusTerminated {
		return false
	}
	m.terminate(reason)
	return true
}

func (m *Monitor) terminate(reason string) {
	end := m.now()
	m.state.Status = StatusTerminated
	m.state.EndTime = &end
	m.state.TerminationReason = reason
}

// Acknowledge marks an event handled. It reports whether the event exists.
func (m *Monitor) Acknowledge(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.SecurityEvents {
		if m.state.SecurityEvents[i].ID == eventID {
			m.state.SecurityEvents[i].Handled = true
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the current state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Summary returns the current scores.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary()
}

func (m *Monitor) summary() Summary {
	return Summary{
		Status:         m.state.Status,
		ViolationCount: m.state.ViolationCount,
		ViolationScore: m.state.ViolationScore,
		IntegrityScore: m.state.IntegrityScore,
		TrustScore:     m.state.TrustScore,
		RiskLevel:      m.state.RiskLevel,
	}
}
