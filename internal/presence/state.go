// Package presence implements webcam presence and attention tracking.
// Frame analysis is delegated to a detector; this package turns verdicts
// into violations and enforces the session's privacy settings.
package presence

import (
	"encoding/hex"
	"maps"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/detector"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Violation types raised from frame analysis.
const (
	ViolationFaceNotDetected = "face_not_detected"
	ViolationMultipleFaces   = "multiple_faces"
	ViolationLowConfidence   = "low_confidence_detection"
	ViolationLookingAway     = "looking_away"
)

// DefaultSeverities is the severity policy for detector-raised violations.
var DefaultSeverities = map[string]core.Severity{
	ViolationFaceNotDetected: core.SeverityHigh,
	ViolationMultipleFaces:   core.SeverityCritical,
	ViolationLowConfidence:   core.SeverityMedium,
	ViolationLookingAway:     core.SeverityMedium,
}

var descriptions = map[string]string{
	ViolationFaceNotDetected: "No face detected in frame",
	ViolationMultipleFaces:   "Multiple faces detected in frame",
	ViolationLowConfidence:   "Face detection confidence below threshold",
	ViolationLookingAway:     "Candidate looking away from the screen",
}

// Violation is one recorded presence violation.
type Violation struct {
	ViolationID string         `json:"violationId"`
	Type        string         `json:"type"`
	Severity    core.Severity  `json:"severity"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Handled     bool           `json:"handled"`
	Details     map[string]any `json:"details,omitempty"`
	FrameNumber *int64         `json:"frameNumber,omitempty"`
}

type FaceDetection struct {
	CurrentDetection   *detector.FrameAnalysis `json:"currentDetection"`
	TotalDetections    int                     `json:"totalDetections"`
	FramesWithoutFace  int                     `json:"framesWithoutFace"`
	MultipleFaceFrames int                     `json:"multipleFaceFrames"`
	LastFaceSeen       *time.Time              `json:"lastFaceSeen,omitempty"`
}

type EyeTracking struct {
	IsActive         bool  `json:"isActive"`
	LastGazeOnScreen *bool `json:"lastGazeOnScreen,omitempty"`
	LookAwayCount    int   `json:"lookAwayCount"`
}

type PerformanceMetrics struct {
	FramesProcessed     int        `json:"framesProcessed"`
	DuplicateFrames     int        `json:"duplicateFrames"`
	FailedAnalyses      int        `json:"failedAnalyses"`
	FrameProcessingRate float64    `json:"frameProcessingRate"` // frames per second
	AvgProcessingMs     float64    `json:"avgProcessingMs"`
	FirstFrameAt        *time.Time `json:"firstFrameAt,omitempty"`
	LastFrameAt         *time.Time `json:"lastFrameAt,omitempty"`
}

// PrivacySettings gate what is kept of each frame.
type PrivacySettings struct {
	DataMinimization bool `json:"dataMinimization"`
	AnonymizeFrames  bool `json:"anonymizeFrames"`
}

// RetainedFrame is what survives of a frame after privacy rules apply.
type RetainedFrame struct {
	FrameNumber int64              `json:"frameNumber"`
	Timestamp   time.Time          `json:"timestamp"`
	Data        []byte             `json:"data,omitempty"`
	Digest      string             `json:"digest,omitempty"`
	Features    map[string]float64 `json:"features,omitempty"`
}

// State is the presence state of one session.
type State struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	AssessmentID string `json:"assessmentId"`
	Status       Status `json:"status"`

	Violations      []Violation           `json:"violations"`
	ViolationCounts map[core.Severity]int `json:"violationCounts"`

	FaceDetection      FaceDetection      `json:"faceDetection"`
	EyeTracking        EyeTracking        `json:"eyeTracking"`
	PerformanceMetrics PerformanceMetrics `json:"performanceMetrics"`
	PrivacySettings    PrivacySettings    `json:"privacySettings"`
	RetainedFrames     []RetainedFrame    `json:"retainedFrames,omitempty"`

	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	TerminationReason string     `json:"terminationReason,omitempty"`
}

// Policy decides which verdicts become violations.
type Policy struct {
	MinConfidence   float64
	FlagLookingAway bool
	RetainFrames    int
	// Severities overrides DefaultSeverities per violation type.
	Severities map[string]core.Severity
}

func (p Policy) severity(violationType string) core.Severity {
	if s, ok := p.Severities[violationType]; ok && s.Valid() {
		return s
	}
	return DefaultSeverities[violationType]
}

func newState(sessionID, userID, assessmentID string, privacy PrivacySettings, now time.Time) State {
	return State{
		SessionID:       sessionID,
		UserID:          userID,
		AssessmentID:    assessmentID,
		Status:          StatusActive,
		Violations:      []Violation{},
		ViolationCounts: make(map[core.Severity]int),
		PrivacySettings: privacy,
		StartTime:       now,
	}
}

// Evaluate turns a frame verdict into the violations the policy calls for.
func Evaluate(a detector.FrameAnalysis, p Policy) []Violation {
	var out []Violation
	add := func(t string, details map[string]any) {
		out = append(out, Violation{Type: t, Severity: p.severity(t), Description: descriptions[t], Details: details})
	}

	switch {
	case a.FacesDetected == 0:
		add(ViolationFaceNotDetected, nil)
	case a.FacesDetected > 1:
		add(ViolationMultipleFaces, map[string]any{"faceCount": a.FacesDetected})
	default:
		if a.Confidence < p.MinConfidence {
			add(ViolationLowConfidence, map[string]any{"confidence": a.Confidence, "threshold": p.MinConfidence})
		}
		if p.FlagLookingAway && a.GazeOnScreen != nil && !*a.GazeOnScreen {
			add(ViolationLookingAway, nil)
		}
	}
	return out
}

// appendViolation returns s with v appended and counts updated. The input
// state's slices and maps are not modified.
func appendViolation(s State, v Violation) State {
	next := s
	next.Violations = append(slices.Clip(s.Violations), v)
	next.ViolationCounts = maps.Clone(s.ViolationCounts)
	if next.ViolationCounts == nil {
		next.ViolationCounts = make(map[core.Severity]int)
	}
	next.ViolationCounts[v.Severity]++
	return next
}

// applyAnalysis records a successful verdict in the detection counters.
func applyAnalysis(s State, a detector.FrameAnalysis, at time.Time) State {
	next := s
	fd := s.FaceDetection
	current := a
	fd.CurrentDetection = &current
	fd.TotalDetections++
	switch {
	case a.FacesDetected == 0:
		fd.FramesWithoutFace++
	case a.FacesDetected > 1:
		fd.MultipleFaceFrames++
		fd.LastFaceSeen = &at
	default:
		fd.LastFaceSeen = &at
	}
	next.FaceDetection = fd

	et := s.EyeTracking
	et.IsActive = a.EyesDetected || a.GazeOnScreen != nil
	if a.GazeOnScreen != nil {
		g := *a.GazeOnScreen
		et.LastGazeOnScreen = &g
		if !g {
			et.LookAwayCount++
		}
	}
	next.EyeTracking = et
	return next
}

// recordTiming updates the frame throughput counters.
func recordTiming(pm PerformanceMetrics, at time.Time, elapsed time.Duration, failed bool) PerformanceMetrics {
	pm.FramesProcessed++
	if failed {
		pm.FailedAnalyses++
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	pm.AvgProcessingMs += (ms - pm.AvgProcessingMs) / float64(pm.FramesProcessed)

	if pm.FirstFrameAt == nil {
		first := at
		pm.FirstFrameAt = &first
	}
	last := at
	pm.LastFrameAt = &last
	if span := at.Sub(*pm.FirstFrameAt).Seconds(); span > 0 {
		pm.FrameProcessingRate = float64(pm.FramesProcessed-1) / span
	}
	return pm
}

// retain builds the privacy-filtered record of a frame. Raw bytes survive
// only when neither minimization nor anonymization is on.
func retain(p PrivacySettings, frameNumber int64, at time.Time, data []byte, a *detector.FrameAnalysis) RetainedFrame {
	rf := RetainedFrame{FrameNumber: frameNumber, Timestamp: at}
	if a != nil {
		rf.Features = derivedFeatures(*a)
	}
	switch {
	case p.DataMinimization:
	case p.AnonymizeFrames:
		if len(data) > 0 {
			sum := blake2b.Sum256(data)
			rf.Digest = hex.EncodeToString(sum[:])
		}
	default:
		rf.Data = slices.Clone(data)
	}
	return rf
}

func derivedFeatures(a detector.FrameAnalysis) map[string]float64 {
	f := make(map[string]float64, len(a.Features)+len(a.HeadPose)+2)
	for k, v := range a.Features {
		f[k] = v
	}
	for k, v := range a.HeadPose {
		f["headPose."+k] = v
	}
	f["faces"] = float64(a.FacesDetected)
	f["confidence"] = a.Confidence
	return f
}

// scrub applies tightened privacy settings to frames already retained.
func scrub(frames []RetainedFrame, p PrivacySettings) []RetainedFrame {
	out := make([]RetainedFrame, len(frames))
	for i, rf := range frames {
		switch {
		case p.DataMinimization:
			rf.Data, rf.Digest = nil, ""
		case p.AnonymizeFrames && len(rf.Data) > 0:
			sum := blake2b.Sum256(rf.Data)
			rf.Digest = hex.EncodeToString(sum[:])
			rf.Data = nil
		}
		out[i] = rf
	}
	return out
}

// Clone returns a deep copy safe to hand to readers.
func (s State) Clone() State {
	out := s
	out.Violations = slices.Clone(s.Violations)
	out.ViolationCounts = maps.Clone(s.ViolationCounts)
	out.RetainedFrames = slices.Clone(s.RetainedFrames)
	if s.FaceDetection.CurrentDetection != nil {
		cd := *s.FaceDetection.CurrentDetection
		out.FaceDetection.CurrentDetection = &cd
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

// HasCritical reports whether any recorded violation is critical.
func (s State) HasCritical() bool {
	return s.ViolationCounts[core.SeverityCritical] > 0
}
