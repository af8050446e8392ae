package presence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/detector"
)

// Frame numbers more than this far behind the newest one are treated as
// already seen, so the dedup set stays bounded.
const frameWindow = 2048

// FrameStatus describes what happened to an ingested frame.
type FrameStatus string

const (
	FrameAnalyzed  FrameStatus = "analyzed"
	FrameDegraded  FrameStatus = "degraded"
	FrameDuplicate FrameStatus = "duplicate"
	FramePending   FrameStatus = "pending"
)

// FrameInput is one frame as submitted by the client.
type FrameInput struct {
	FrameNumber    int64
	Timestamp      time.Time
	Data           []byte
	ClientAnalysis *detector.FrameAnalysis
}

// FrameResult is the acknowledgement for a frame.
type FrameResult struct {
	FrameNumber  int64                   `json:"frameNumber"`
	Status       FrameStatus             `json:"status"`
	Analysis     *detector.FrameAnalysis `json:"analysis,omitempty"`
	Violations   []Violation             `json:"violations,omitempty"`
	Message      string                  `json:"message,omitempty"`
	ProcessingMs float64                 `json:"processingMs"`
}

// ViolationInput is a violation reported directly rather than derived from a frame.
type ViolationInput struct {
	ViolationID string
	Type        string
	Severity    core.Severity
	Description string
	Details     map[string]any
}

// Options configures a Monitor.
type Options struct {
	SessionID    string
	UserID       string
	AssessmentID string
	Policy       Policy
	Privacy      PrivacySettings
	Analyzer     detector.FrameAnalyzer
	Now          func() time.Time
	Logger       *slog.Logger
}

// Monitor owns the presence state of one session.
type Monitor struct {
	mu         sync.Mutex
	state      State
	frames     map[int64]struct{}
	maxFrame   int64
	violations map[string]int // client violation id -> index

	policy   Policy
	analyzer detector.FrameAnalyzer
	now      func() time.Time
	logger   *slog.Logger
}

// NewMonitor creates an active presence monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analyzer == nil {
		opts.Analyzer = detector.ClientReportedAnalyzer{}
	}
	return &Monitor{
		state:      newState(opts.SessionID, opts.UserID, opts.AssessmentID, opts.Privacy, opts.Now()),
		frames:     make(map[int64]struct{}),
		maxFrame:   -1,
		violations: make(map[string]int),
		policy:     opts.Policy,
		analyzer:   opts.Analyzer,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "webcam", "session_id", opts.SessionID),
	}
}

// claimFrame marks a frame number as seen. Callers hold mu.
func (m *Monitor) claimFrame(n int64) bool {
	if n <= m.maxFrame-frameWindow {
		return false
	}
	if _, ok := m.frames[n]; ok {
		return false
	}
	m.frames[n] = struct{}{}
	if n > m.maxFrame {
		m.maxFrame = n
		if len(m.frames) > 2*frameWindow {
			for k := range m.frames {
				if k <= m.maxFrame-frameWindow {
					delete(m.frames, k)
				}
			}
		}
	}
	return true
}

// IngestFrame analyzes a frame and records any violations it implies. The
// detector runs without holding the session lock. A detector failure yields
// a degraded result and leaves the violation record untouched.
func (m *Monitor) IngestFrame(ctx context.Context, in FrameInput) (FrameResult, error) {
	if in.FrameNumber < 0 {
		return FrameResult{}, core.NewValidationError("frameNumber", "must be non-negative")
	}

	m.mu.Lock()
	if m.state.Status == StatusTerminated {
		m.mu.Unlock()
		return FrameResult{}, core.ErrSessionTerminated
	}
	if !m.claimFrame(in.FrameNumber) {
		m.state.PerformanceMetrics.DuplicateFrames++
		m.mu.Unlock()
		return FrameResult{FrameNumber: in.FrameNumber, Status: FrameDuplicate}, nil
	}
	sessionID := m.state.SessionID
	m.mu.Unlock()

	start := time.Now()
	analysis, err := m.analyzer.AnalyzeFrame(ctx, detector.Frame{
		SessionID:      sessionID,
		FrameNumber:    in.FrameNumber,
		Timestamp:      in.Timestamp,
		Data:           in.Data,
		ClientAnalysis: in.ClientAnalysis,
	})
	elapsed := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == StatusTerminated {
		return FrameResult{}, core.ErrSessionTerminated
	}

	now := m.now()
	res := FrameResult{FrameNumber: in.FrameNumber, ProcessingMs: float64(elapsed) / float64(time.Millisecond)}
	m.state.PerformanceMetrics = recordTiming(m.state.PerformanceMetrics, now, elapsed, err != nil)

	if err != nil {
		res.Status = FrameDegraded
		res.Message = "analysis unavailable"
		if !errors.Is(err, detector.ErrNoAnalysis) {
			m.logger.Warn("frame analysis failed", "frame_number", in.FrameNumber, "error", err)
		}
		m.retainFrame(in, nil, now)
		return res, nil
	}

	m.state = applyAnalysis(m.state, analysis, now)
	res.Status = FrameAnalyzed
	res.Analysis = &analysis

	frameNumber := in.FrameNumber
	for _, v := range Evaluate(analysis, m.policy) {
		v.FrameNumber = &frameNumber
		res.Violations = append(res.Violations, m.appendLocked(v))
	}
	m.retainFrame(in, &analysis, now)
	return res, nil
}

func (m *Monitor) retainFrame(in FrameInput, a *detector.FrameAnalysis, now time.Time) {
	if m.policy.RetainFrames <= 0 {
		return
	}
	rf := retain(m.state.PrivacySettings, in.FrameNumber, now, in.Data, a)
	frames := m.state.RetainedFrames
	if len(frames) >= m.policy.RetainFrames {
		frames = frames[len(frames)-m.policy.RetainFrames+1:]
	}
	next := make([]RetainedFrame, 0, len(frames)+1)
	m.state.RetainedFrames = append(append(next, frames...), rf)
}

// appendLocked stamps and appends a violation. Callers hold mu.
func (m *Monitor) appendLocked(v Violation) Violation {
	if v.ViolationID == "" {
		v.ViolationID = uuid.New().String()
	} else {
		m.violations[v.ViolationID] = len(m.state.Violations)
	}
	v.Timestamp = m.now()
	if n := len(m.state.Violations); n > 0 {
		if last := m.state.Violations[n-1].Timestamp; v.Timestamp.Before(last) {
			v.Timestamp = last
		}
	}
	if v.Description == "" {
		v.Description = descriptions[v.Type]
	}
	m.state = appendViolation(m.state, v)
	m.logger.Info("presence violation recorded", "type", v.Type, "severity", v.Severity)
	return v
}

// RecordViolation appends a violation. Resubmitting the same ViolationID
// returns the original violation with duplicate=true.
func (m *Monitor) RecordViolation(in ViolationInput) (Violation, bool, error) {
	if strings.TrimSpace(in.Type) == "" {
		return Violation{}, false, core.NewValidationError("eventType", "is required")
	}
	if !in.Severity.Valid() {
		return Violation{}, false, core.NewValidationError("severity", "invalid severity %q", in.Severity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if in.ViolationID != "" {
		if idx, ok := m.violations[in.ViolationID]; ok {
			return m.state.Violations[idx], true, nil
		}
	}
	if m.state.Status == StatusTerminated {
		return Violation{}, false, core.ErrSessionTerminated
	}
	v := m.appendLocked(Violation{
		ViolationID: in.ViolationID,
		Type:        in.Type,
		Severity:    in.Severity,
		Description: in.Description,
		Details:     in.Details,
	})
	return v, false, nil
}

// UpdatePrivacy changes the privacy settings. Tightening them also scrubs
// frames already retained.
func (m *Monitor) UpdatePrivacy(p PrivacySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == StatusTerminated {
		return core.ErrSessionTerminated
	}
	m.state.PrivacySettings = p
	m.state.RetainedFrames = scrub(m.state.RetainedFrames, p)
	return nil
}

// Acknowledge marks a violation handled. It reports whether it exists.
func (m *Monitor) Acknowledge(violationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.Violations {
		if m.state.Violations[i].ViolationID == violationID {
			m.state.Violations[i].Handled = true
			return true
		}
	}
	return false
}

// Terminate stops the monitor. Raw frames are dropped when the session
// asked for anonymization or minimization.
func (m *Monitor) Terminate(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == StatusTerminated {
		return false
	}
	end := m.now()
	m.state.Status = StatusTerminated
	m.state.EndTime = &end
	m.state.TerminationReason = reason
	m.state.RetainedFrames = scrub(m.state.RetainedFrames, m.state.PrivacySettings)
	return true
}

// Snapshot returns a deep copy of the current state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}
