// Package session correlates the browser, presence and integrity monitors of
// one assessment attempt under a single session id.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/proctor/internal/browser"
	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/integrity"
	"github.com/ocx/proctor/internal/presence"
	"github.com/ocx/proctor/internal/security"
)

// Session lifecycle as seen by callers.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// ReasonCompleted is the completion reason when the caller gives none.
const ReasonCompleted = "completed"

// Session is the correlated triple of monitors for one attempt. Webcam and
// AI are nil when the session was created without them. Each monitor
// serializes its own writes; mu only guards completion.
type Session struct {
	ID            string
	UserID        string
	AssessmentID  string
	ProfileID     string
	SecurityLevel core.SecurityLevel
	CreatedAt     time.Time
	Device        security.DeviceInfo

	Browser *browser.Monitor
	Webcam  *presence.Monitor
	AI      *integrity.Engine

	maxIdle time.Duration
	warned  atomic.Bool

	riskMu   sync.Mutex
	lastRisk core.RiskLevel

	mu          sync.Mutex
	completedAt *time.Time
	report      *Report
}

// Completed reports whether the session has a final report.
func (s *Session) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report != nil
}

// CompletedAt returns the completion time, or nil while active.
func (s *Session) CompletedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completedAt == nil {
		return nil
	}
	t := *s.completedAt
	return &t
}

func (s *Session) status() string {
	if s.Completed() {
		return StatusCompleted
	}
	return StatusActive
}

// has reports whether the session runs the given monitor.
func (s *Session) has(c core.Component) bool {
	switch c {
	case core.ComponentBrowser:
		return s.Browser != nil
	case core.ComponentWebcam:
		return s.Webcam != nil
	case core.ComponentAI:
		return s.AI != nil
	}
	return false
}

// states takes a consistent-per-monitor snapshot of every present monitor.
func (s *Session) states() (*browser.State, *presence.State, *integrity.State) {
	var (
		b *browser.State
		w *presence.State
		a *integrity.State
	)
	if s.Browser != nil {
		st := s.Browser.Snapshot()
		b = &st
	}
	if s.Webcam != nil {
		st := s.Webcam.Snapshot()
		w = &st
	}
	if s.AI != nil {
		st := s.AI.Snapshot()
		a = &st
	}
	return b, w, a
}

// swapRisk records level and returns the previous one.
func (s *Session) swapRisk(level core.RiskLevel) core.RiskLevel {
	s.riskMu.Lock()
	defer s.riskMu.Unlock()
	prev := s.lastRisk
	s.lastRisk = level
	return prev
}

// Components is the per-monitor part of the composite view. Disabled
// monitors serialize as null.
type Components struct {
	BrowserLockdown  *browser.State   `json:"browserLockdown"`
	WebcamMonitoring *presence.State  `json:"webcamMonitoring"`
	AIIntegrity      *integrity.State `json:"aiIntegrity"`
}

// CompositeSession is returned by Initialize.
type CompositeSession struct {
	SessionID     string             `json:"sessionId"`
	UserID        string             `json:"userId"`
	AssessmentID  string             `json:"assessmentId"`
	Components    Components         `json:"components"`
	Status        string             `json:"status"`
	SecurityLevel core.SecurityLevel `json:"securityLevel"`
	CreatedAt     time.Time          `json:"createdAt"`
}

func (s *Session) composite() *CompositeSession {
	b, w, a := s.states()
	return &CompositeSession{
		SessionID:     s.ID,
		UserID:        s.UserID,
		AssessmentID:  s.AssessmentID,
		Components:    Components{BrowserLockdown: b, WebcamMonitoring: w, AIIntegrity: a},
		Status:        s.status(),
		SecurityLevel: s.SecurityLevel,
		CreatedAt:     s.CreatedAt,
	}
}
