package browser

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/security"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
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

func newActiveMonitor(t *testing.T, policy ViolationPolicy, clock *fakeClock) *Monitor {
	t.Helper()
	m := NewMonitor(Options{
		SessionID:    "sess-1",
		UserID:       "user-1",
		AssessmentID: "quiz-1",
		Policy:       policy,
		Device:       security.DevicePolicy{AllowedBrowsers: []string{"chrome"}, MinWidth: 1024, MinHeight: 768},
		Now:          clock.Now,
	})
	require.NoError(t, m.Activate(security.DeviceInfo{UserAgent: testUA, ScreenResolution: "1920x1080"}))
	require.NoError(t, m.StartMonitoring())
	return m
}

// ============================================================================
// PURE SCORING
// ============================================================================

func TestApplyEvent_Monotonic(t *testing.T) {
	s := NewState("s", "u", "a", DefaultPolicy(), time.Now())
	s.Status = StatusMonitoring

	severities := []core.Severity{
		core.SeverityLow, core.SeverityCritical, core.SeverityMedium, core.SeverityHigh,
		core.SeverityCritical, core.SeverityCritical, core.SeverityCritical, core.SeverityCritical,
		core.SeverityCritical, core.SeverityLow,
	}

	prev := s
	for i, sev := range severities {
		next := ApplyEvent(prev, SecurityEvent{Type: "tab_switch", Severity: sev})

		assert.GreaterOrEqual(t, next.ViolationScore, prev.ViolationScore, "step %d", i)
		assert.LessOrEqual(t, next.TrustScore, prev.TrustScore, "step %d", i)
		assert.GreaterOrEqual(t, next.TrustScore, 0.0)
		assert.InDelta(t, max(0, 100-next.ViolationScore), next.IntegrityScore, 1e-9)
		assert.GreaterOrEqual(t, next.IntegrityScore, 0.0)
		assert.LessOrEqual(t, next.IntegrityScore, 100.0)
		assert.Equal(t, len(next.SecurityEvents), next.ViolationCount)
		assert.GreaterOrEqual(t, next.RiskLevel.Rank(), prev.RiskLevel.Rank())

		prev = next
	}
	assert.Equal(t, 0.0, prev.TrustScore)
	assert.Equal(t, 0.0, prev.IntegrityScore)
	assert.Equal(t, core.RiskCritical, prev.RiskLevel)
}

func TestApplyEvent_DoesNotMutateInput(t *testing.T) {
	s := NewState("s", "u", "a", DefaultPolicy(), time.Now())
	s = ApplyEvent(s, SecurityEvent{Type: "a", Severity: core.SeverityLow})

	// give the slice spare capacity so a naive append would write into it
	s.SecurityEvents = append(make([]SecurityEvent, 0, 8), s.SecurityEvents...)

	x := ApplyEvent(s, SecurityEvent{Type: "x", Severity: core.SeverityHigh})
	y := ApplyEvent(s, SecurityEvent{Type: "y", Severity: core.SeverityLow})

	assert.Len(t, s.SecurityEvents, 1)
	assert.Equal(t, 1.0, s.ViolationScore)
	assert.Equal(t, "x", x.SecurityEvents[1].Type)
	assert.Equal(t, "y", y.SecurityEvents[1].Type)
}

func TestApplyEvent_BandBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		events []core.Severity
		score  float64
		want   core.RiskLevel
	}{
		{"9 stays low", []core.Severity{"medium", "medium", "medium"}, 9, core.RiskLow},
		{"exactly 10 is medium", []core.Severity{"medium", "medium", "medium", "low"}, 10, core.RiskMedium},
		{"exactly 25 is high", []core.Severity{"critical", "high", "medium"}, 25, core.RiskHigh},
		{"exactly 50 is critical", []core.Severity{"critical", "critical", "critical", "low", "low", "medium"}, 50, core.RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState("s", "u", "a", DefaultPolicy(), time.Now())
			for _, sev := range tt.events {
				s = ApplyEvent(s, SecurityEvent{Type: "t", Severity: sev})
			}
			assert.Equal(t, tt.score, s.ViolationScore)
			assert.Equal(t, tt.want, s.RiskLevel)
		})
	}
}

func TestApplyEvent_CriticalMarksViolated(t *testing.T) {
	s := NewState("s", "u", "a", DefaultPolicy(), time.Now())
	s.Status = StatusMonitoring
	s = ApplyEvent(s, SecurityEvent{Type: "devtools_opened", Severity: core.SeverityCritical})
	assert.Equal(t, StatusViolated, s.Status)

	s = ApplyEvent(s, SecurityEvent{Type: "tab_switch", Severity: core.SeverityLow})
	assert.Equal(t, StatusViolated, s.Status)
	assert.Equal(t, 2, s.ViolationCount)
}

// ============================================================================
// BUFFERS
// ============================================================================

func TestMouseBuffer_EvictionArithmetic(t *testing.T) {
	s := NewState("s", "u", "a", DefaultPolicy(), time.Now())
	for i := 0; i < MouseBufferCap; i++ {
		s, _ = ApplyWindowSample(s, WindowMouse, WindowSample{Data: map[string]any{"i": i}})
	}
	require.Len(t, s.WindowTracking.Mouse, 1000)

	s, _ = ApplyWindowSample(s, WindowMouse, WindowSample{Data: map[string]any{"i": 1000}})
	require.Len(t, s.WindowTracking.Mouse, 501)
	assert.Equal(t, 500, s.WindowTracking.Mouse[0].Data["i"])
	assert.Equal(t, 1000, s.WindowTracking.Mouse[500].Data["i"])

	for i := 0; i < 5000; i++ {
		s, _ = ApplyWindowSample(s, WindowMouse, WindowSample{})
		require.LessOrEqual(t, len(s.WindowTracking.Mouse), MouseBufferCap)
	}
}

func TestPerformanceBuffer_EvictionArithmetic(t *testing.T) {
	s := NewState("s", "u", "a", DefaultPolicy(), time.Now())
	for i := 0; i < BufferCap; i++ {
		s, _ = ApplyMetricSample(s, MetricMemory, MetricSample{Value: float64(i)}, 80)
	}
	require.Len(t, s.PerformanceMetrics.Memory, 100)

	s, _ = ApplyMetricSample(s, MetricMemory, MetricSample{Value: 100}, 80)
	require.Len(t, s.PerformanceMetrics.Memory, 51)
	assert.Equal(t, 50.0, s.PerformanceMetrics.Memory[0].Value)
}

func TestParseKinds(t *testing.T) {
	k, err := ParseWindowKind("Focus")
	require.NoError(t, err)
	assert.Equal(t, WindowFocus, k)

	_, err = ParseWindowKind("scroll")
	assert.True(t, core.IsValidation(err))

	mk, err := ParseMetricKind("fps")
	require.NoError(t, err)
	assert.Equal(t, MetricFrameRate, mk)

	_, err = ParseMetricKind("disk")
	assert.True(t, core.IsValidation(err))
}

// ============================================================================
// MONITOR
// ============================================================================

func TestMonitor_ActivateRejectsDevice(t *testing.T) {
	m := NewMonitor(Options{
		SessionID: "s",
		Device:    security.DevicePolicy{AllowedBrowsers: []string{"firefox"}},
	})
	err := m.Activate(security.DeviceInfo{UserAgent: testUA})
	require.Error(t, err)
	assert.True(t, core.IsIncompatibleDevice(err))
	assert.Equal(t, StatusInitializing, m.Snapshot().Status)
}

func TestMonitor_StateMachine(t *testing.T) {
	m := NewMonitor(Options{SessionID: "s"})

	_, err := m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	assert.ErrorIs(t, m.StartMonitoring(), core.ErrInvalidTransition)
	require.NoError(t, m.Activate(security.DeviceInfo{}))
	assert.ErrorIs(t, m.Activate(security.DeviceInfo{}), core.ErrInvalidTransition)
	require.NoError(t, m.StartMonitoring())
	assert.Equal(t, StatusMonitoring, m.Summary().Status)

	assert.True(t, m.Terminate("completed"))
	assert.False(t, m.Terminate("again"))

	_, err = m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow})
	assert.ErrorIs(t, err, core.ErrSessionTerminated)
	_, err = m.UpdateWindowTracking(WindowMouse, nil)
	assert.ErrorIs(t, err, core.ErrSessionTerminated)

	snap := m.Snapshot()
	assert.Equal(t, StatusTerminated, snap.Status)
	require.NotNil(t, snap.EndTime)
	assert.Equal(t, "completed", snap.TerminationReason)
}

func TestMonitor_RecordEventValidation(t *testing.T) {
	m := newActiveMonitor(t, DefaultPolicy(), newFakeClock())

	_, err := m.RecordEvent(EventInput{Severity: core.SeverityLow})
	assert.True(t, core.IsValidation(err))

	_, err = m.RecordEvent(EventInput{Type: "tab_switch", Severity: "severe"})
	assert.True(t, core.IsValidation(err))

	assert.Equal(t, 0, m.Summary().ViolationCount)
}

func TestMonitor_RecordEventIdempotent(t *testing.T) {
	m := newActiveMonitor(t, DefaultPolicy(), newFakeClock())

	first, err := m.RecordEvent(EventInput{EventID: "evt-1", Type: "tab_switch", Severity: core.SeverityHigh})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := m.RecordEvent(EventInput{EventID: "evt-1", Type: "tab_switch", Severity: core.SeverityHigh})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Event.ID, again.Event.ID)

	sum := m.Summary()
	assert.Equal(t, 1, sum.ViolationCount)
	assert.Equal(t, 7.0, sum.ViolationScore)
}

func TestMonitor_ConcurrentEventsApplyOnce(t *testing.T) {
	m := newActiveMonitor(t, ViolationPolicy{}, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for retry := 0; retry < 3; retry++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.RecordEvent(EventInput{EventID: fmt.Sprintf("evt-%d", i), Type: "blocked_shortcut", Severity: core.SeverityLow})
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, 50, snap.ViolationCount)
	assert.Equal(t, 50.0, snap.ViolationScore)
	assert.Len(t, snap.SecurityEvents, 50)
	for i := 1; i < len(snap.SecurityEvents); i++ {
		assert.False(t, snap.SecurityEvents[i].Timestamp.Before(snap.SecurityEvents[i-1].Timestamp))
	}
}

func TestMonitor_FocusLossSynthesizesBlur(t *testing.T) {
	m := newActiveMonitor(t, DefaultPolicy(), newFakeClock())

	res, err := m.UpdateWindowTracking(WindowFocus, map[string]any{"focused": true})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = m.UpdateWindowTracking(WindowFocus, map[string]any{"focused": false})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, EventWindowBlur, res.Event.Type)
	assert.Equal(t, core.SeverityMedium, res.Event.Severity)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.ViolationCount)
	assert.Equal(t, 1, snap.WindowTracking.FocusLossCount)
	assert.Len(t, snap.WindowTracking.Focus, 2)
	assert.False(t, snap.WindowTracking.CurrentlyFocused)
}

func TestMonitor_HighCPUSynthesizesSuspiciousActivity(t *testing.T) {
	m := newActiveMonitor(t, DefaultPolicy(), newFakeClock())

	res, err := m.UpdatePerformanceMetrics(MetricCPU, 80)
	require.NoError(t, err)
	assert.Nil(t, res, "80 is not above the threshold")

	res, err = m.UpdatePerformanceMetrics(MetricCPU, 93.5)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, EventSuspiciousActivity, res.Event.Type)
	assert.Equal(t, core.SeverityMedium, res.Event.Severity)

	res, err = m.UpdatePerformanceMetrics(MetricMemory, 99)
	require.NoError(t, err)
	assert.Nil(t, res)

	snap := m.Snapshot()
	assert.Len(t, snap.PerformanceMetrics.CPU, 2)
	assert.Equal(t, 3.0, snap.ViolationScore)
}

func TestMonitor_CheckViolationThresholds(t *testing.T) {
	clock := newFakeClock()
	m := newActiveMonitor(t, ViolationPolicy{AutoTerminate: true, WarningThreshold: 2, TerminationThreshold: 3}, clock)

	assert.Equal(t, ActionContinue, m.CheckViolationThresholds().Action)

	for i := 0; i < 2; i++ {
		_, err := m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow})
		require.NoError(t, err)
	}
	d := m.CheckViolationThresholds()
	assert.Equal(t, ActionWarning, d.Action)
	assert.True(t, m.Snapshot().WarningIssued)

	_, err := m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow})
	require.NoError(t, err)
	d = m.CheckViolationThresholds()
	assert.Equal(t, ActionTerminate, d.Action)
	assert.Equal(t, 3, d.ViolationCount)

	snap := m.Snapshot()
	assert.Equal(t, StatusTerminated, snap.Status)
	assert.NotNil(t, snap.EndTime)

	// terminated is absorbing and reported consistently
	assert.Equal(t, ActionTerminate, m.CheckViolationThresholds().Action)
}

func TestMonitor_NoAutoTerminateOnlyWarns(t *testing.T) {
	m := newActiveMonitor(t, ViolationPolicy{AutoTerminate: false, WarningThreshold: 1, TerminationThreshold: 2}, newFakeClock())
	for i := 0; i < 4; i++ {
		_, err := m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow})
		require.NoError(t, err)
	}
	assert.Equal(t, ActionWarning, m.CheckViolationThresholds().Action)
	assert.Equal(t, StatusMonitoring, m.Summary().Status)
}

func TestMonitor_GracePeriod(t *testing.T) {
	clock := newFakeClock()
	m := newActiveMonitor(t, ViolationPolicy{AutoTerminate: true, WarningThreshold: 1, TerminationThreshold: 1, GracePeriodSeconds: 60}, clock)

	_, err := m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow})
	require.NoError(t, err)

	assert.Equal(t, ActionWarning, m.CheckViolationThresholds().Action)

	clock.Advance(61 * time.Second)
	assert.Equal(t, ActionTerminate, m.CheckViolationThresholds().Action)
}

func TestMonitor_IdleDetectedOncePerPeriod(t *testing.T) {
	clock := newFakeClock()
	m := newActiveMonitor(t, DefaultPolicy(), clock)

	_, fired := m.CheckIdle(5 * time.Minute)
	assert.False(t, fired)

	clock.Advance(6 * time.Minute)
	res, fired := m.CheckIdle(5 * time.Minute)
	require.True(t, fired)
	assert.Equal(t, EventIdleDetected, res.Event.Type)
	assert.Equal(t, core.SeverityLow, res.Event.Severity)

	clock.Advance(10 * time.Minute)
	_, fired = m.CheckIdle(5 * time.Minute)
	assert.False(t, fired, "still the same idle period")

	_, err := m.UpdateWindowTracking(WindowMouse, map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)
	_, fired = m.CheckIdle(5 * time.Minute)
	assert.True(t, fired)

	assert.Equal(t, 2, m.Summary().ViolationCount)
}

func TestMonitor_Acknowledge(t *testing.T) {
	m := newActiveMonitor(t, DefaultPolicy(), newFakeClock())
	res, err := m.RecordEvent(EventInput{EventID: "e1", Type: "copy_paste", Severity: core.SeverityMedium})
	require.NoError(t, err)

	before := m.Snapshot()
	assert.True(t, m.Acknowledge(res.Event.ID))
	assert.False(t, m.Acknowledge("missing"))

	assert.False(t, before.SecurityEvents[0].Handled, "snapshots are independent copies")
	assert.True(t, m.Snapshot().SecurityEvents[0].Handled)
	assert.Equal(t, 0, m.Snapshot().UnhandledCount())
}

func TestMonitor_ClientTimestampKeptInDetails(t *testing.T) {
	clock := newFakeClock()
	m := newActiveMonitor(t, DefaultPolicy(), clock)

	skewed := clock.Now().Add(-time.Hour)
	res, err := m.RecordEvent(EventInput{Type: "tab_switch", Severity: core.SeverityLow, ClientTimestamp: &skewed})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), res.Event.Timestamp)
	assert.Equal(t, skewed, res.Event.Details["clientTimestamp"])
}

func TestMonitor_ErrorsAreSentinels(t *testing.T) {
	m := NewMonitor(Options{SessionID: "s"})
	m.Terminate("x")
	err := m.Activate(security.DeviceInfo{})
	assert.True(t, errors.Is(err, core.ErrSessionTerminated))
}
