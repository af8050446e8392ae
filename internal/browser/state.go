// Package browser implements the lockdown monitor: security events,
// window and performance telemetry, and the violation policy that can end
// a session.
package browser

import (
	"math"
	"slices"
	"time"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/security"
)

// Status is the lockdown lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusLocked       Status = "locked"
	StatusMonitoring   Status = "monitoring"
	StatusViolated     Status = "violated"
	StatusTerminated   Status = "terminated"
)

func (s Status) rank() int {
	switch s {
	case StatusLocked:
		return 1
	case StatusMonitoring:
		return 2
	case StatusViolated:
		return 3
	case StatusTerminated:
		return 4
	default:
		return 0
	}
}

// Active reports whether the monitor is past activation and not terminated.
func (s Status) Active() bool {
	return s == StatusLocked || s == StatusMonitoring || s == StatusViolated
}

// Well-known security event types. Clients may report others.
const (
	EventWindowBlur         = "window_blur"
	EventFocusLost          = "focus_lost"
	EventTabSwitch          = "tab_switch"
	EventBlockedShortcut    = "blocked_shortcut"
	EventDevToolsOpened     = "devtools_opened"
	EventFullscreenExit     = "fullscreen_exit"
	EventCopyPaste          = "copy_paste"
	EventRightClick         = "right_click"
	EventIdleDetected       = "idle_detected"
	EventSuspiciousActivity = "suspicious_activity"
)

// SecurityEvent is one recorded violation.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  core.Severity  `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Handled   bool           `json:"handled"`
	Synthetic bool           `json:"synthetic,omitempty"`
}

// ViolationPolicy controls warnings and auto-termination.
type ViolationPolicy struct {
	AutoTerminate        bool `json:"autoTerminate"`
	WarningThreshold     int  `json:"warningThreshold"`
	TerminationThreshold int  `json:"terminationThreshold"`
	GracePeriodSeconds   int  `json:"gracePeriodSeconds"`
}

// DefaultPolicy is used when a session does not supply its own.
func DefaultPolicy() ViolationPolicy {
	return ViolationPolicy{AutoTerminate: true, WarningThreshold: 5, TerminationThreshold: 10}
}

// State is the full lockdown state of one session.
type State struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	AssessmentID string `json:"assessmentId"`
	Status       Status `json:"status"`

	SecurityEvents []SecurityEvent `json:"securityEvents"`
	ViolationCount int             `json:"violationCount"`
	ViolationScore float64         `json:"violationScore"`
	IntegrityScore float64         `json:"integrityScore"`
	TrustScore     float64         `json:"trustScore"`
	RiskLevel      core.RiskLevel  `json:"riskLevel"`

	WindowTracking     WindowTracking      `json:"windowTracking"`
	PerformanceMetrics PerformanceMetrics  `json:"performanceMetrics"`
	ViolationPolicy    ViolationPolicy     `json:"violationPolicy"`
	Device             security.DeviceInfo `json:"device"`

	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	LastActivity      time.Time  `json:"lastActivity"`
	IdleFlagged       bool       `json:"idleFlagged"`
	WarningIssued     bool       `json:"warningIssued"`
	TerminationReason string     `json:"terminationReason,omitempty"`
}

// NewState returns a fresh initializing state with perfect scores.
func NewState(sessionID, userID, assessmentID string, policy ViolationPolicy, now time.Time) State {
	return State{
		SessionID:       sessionID,
		UserID:          userID,
		AssessmentID:    assessmentID,
		Status:          StatusInitializing,
		SecurityEvents:  []SecurityEvent{},
		IntegrityScore:  100,
		TrustScore:      100,
		RiskLevel:       core.RiskLow,
		ViolationPolicy: policy,
		StartTime:       now,
		LastActivity:    now,
	}
}

// ApplyEvent returns the state that results from recording ev. The input
// state is never modified; its event slice is clipped so the append always
// copies.
func ApplyEvent(s State, ev SecurityEvent) State {
	next := s
	next.SecurityEvents = append(slices.Clip(s.SecurityEvents), ev)
	next.ViolationCount = s.ViolationCount + 1

	w := ev.Severity.Weight()
	next.ViolationScore = s.ViolationScore + w
	next.IntegrityScore = math.Max(0, 100-next.ViolationScore)
	next.TrustScore = math.Max(0, s.TrustScore-w)
	next.RiskLevel = core.MaxRisk(s.RiskLevel, core.RiskFromViolationScore(next.ViolationScore))

	if ev.Severity == core.SeverityCritical && s.Status == StatusMonitoring {
		next.Status = StatusViolated
	}
	return next
}

// Clone returns a deep copy safe to hand to readers.
func (s State) Clone() State {
	out := s
	out.SecurityEvents = slices.Clone(s.SecurityEvents)
	out.WindowTracking = s.WindowTracking.clone()
	out.PerformanceMetrics = s.PerformanceMetrics.clone()
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

// UnhandledCount counts events nobody has acknowledged yet.
func (s State) UnhandledCount() int {
	n := 0
	for _, ev := range s.SecurityEvents {
		if !ev.Handled {
			n++
		}
	}
	return n
}
