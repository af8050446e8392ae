package session

import (
	"sort"
	"time"

	"github.com/ocx/proctor/internal/browser"
	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/integrity"
	"github.com/ocx/proctor/internal/presence"
	"github.com/ocx/proctor/internal/risk"
)

// BrowserSummary is the lockdown part of a final report.
type BrowserSummary struct {
	Status            browser.Status `json:"status"`
	ViolationCount    int            `json:"violationCount"`
	ViolationScore    float64        `json:"violationScore"`
	IntegrityScore    float64        `json:"integrityScore"`
	TrustScore        float64        `json:"trustScore"`
	RiskLevel         core.RiskLevel `json:"riskLevel"`
	EventsByType      map[string]int `json:"eventsByType"`
	TerminationReason string         `json:"terminationReason,omitempty"`
}

// WebcamSummary is the presence part of a final report.
type WebcamSummary struct {
	Status            presence.Status          `json:"status"`
	TotalViolations   int                      `json:"totalViolations"`
	ViolationCounts   map[core.Severity]int    `json:"violationCounts"`
	FramesProcessed   int                      `json:"framesProcessed"`
	FailedAnalyses    int                      `json:"failedAnalyses"`
	FramesWithoutFace int                      `json:"framesWithoutFace"`
	LookAwayCount     int                      `json:"lookAwayCount"`
	PrivacySettings   presence.PrivacySettings `json:"privacySettings"`
}

// AISummary is the integrity part of a final report.
type AISummary struct {
	Status            integrity.Status            `json:"status"`
	Scores            integrity.IntegrityScores   `json:"integrityScores"`
	RiskLevel         core.RiskLevel              `json:"riskLevel"`
	Factors           []string                    `json:"factors,omitempty"`
	AlertCount        int                         `json:"alertCount"`
	AlertsByType      map[string]int              `json:"alertsByType"`
	ProcessingMetrics integrity.ProcessingMetrics `json:"processingMetrics"`
}

// TimelineEntry is one violation from any monitor, flattened for review.
type TimelineEntry struct {
	SessionID    string         `json:"sessionId"`
	AssessmentID string         `json:"assessmentId"`
	Component    core.Component `json:"component"`
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Severity     core.Severity  `json:"severity"`
	Timestamp    time.Time      `json:"timestamp"`
	Handled      bool           `json:"handled"`
}

// ComprehensiveReport is the reviewer-facing section of a final report.
type ComprehensiveReport struct {
	GeneratedAt       time.Time          `json:"generatedAt"`
	SecurityLevel     core.SecurityLevel `json:"securityLevel"`
	OverallRisk       core.RiskLevel     `json:"overallRisk"`
	Recommendations   []string           `json:"recommendations"`
	ViolationTimeline []TimelineEntry    `json:"violationTimeline"`
}

// Report is the final report of a completed session.
type Report struct {
	SessionID           string              `json:"sessionId"`
	UserID              string              `json:"userId"`
	AssessmentID        string              `json:"assessmentId"`
	Reason              string              `json:"reason"`
	StartTime           time.Time           `json:"startTime"`
	EndTime             time.Time           `json:"endTime"`
	DurationSeconds     float64             `json:"durationSeconds"`
	BrowserLockdown     *BrowserSummary     `json:"browserLockdown"`
	WebcamMonitoring    *WebcamSummary      `json:"webcamMonitoring"`
	AIIntegrity         *AISummary          `json:"aiIntegrity"`
	RiskAssessment      risk.Assessment     `json:"riskAssessment"`
	ComprehensiveReport ComprehensiveReport `json:"comprehensiveReport"`
}

func summarizeBrowser(b *browser.State) *BrowserSummary {
	if b == nil {
		return nil
	}
	byType := make(map[string]int)
	for _, ev := range b.SecurityEvents {
		byType[ev.Type]++
	}
	return &BrowserSummary{
		Status:            b.Status,
		ViolationCount:    b.ViolationCount,
		ViolationScore:    b.ViolationScore,
		IntegrityScore:    b.IntegrityScore,
		TrustScore:        b.TrustScore,
		RiskLevel:         b.RiskLevel,
		EventsByType:      byType,
		TerminationReason: b.TerminationReason,
	}
}

func summarizeWebcam(w *presence.State) *WebcamSummary {
	if w == nil {
		return nil
	}
	counts := make(map[core.Severity]int, len(w.ViolationCounts))
	for k, v := range w.ViolationCounts {
		counts[k] = v
	}
	return &WebcamSummary{
		Status:            w.Status,
		TotalViolations:   len(w.Violations),
		ViolationCounts:   counts,
		FramesProcessed:   w.PerformanceMetrics.FramesProcessed,
		FailedAnalyses:    w.PerformanceMetrics.FailedAnalyses,
		FramesWithoutFace: w.FaceDetection.FramesWithoutFace,
		LookAwayCount:     w.EyeTracking.LookAwayCount,
		PrivacySettings:   w.PrivacySettings,
	}
}

func summarizeAI(a *integrity.State) *AISummary {
	if a == nil {
		return nil
	}
	byType := make(map[string]int)
	for _, al := range a.RealTimeAlerts {
		byType[al.Type]++
	}
	return &AISummary{
		Status:            a.Status,
		Scores:            a.IntegrityScores,
		RiskLevel:         a.RiskAssessment.RiskLevel,
		Factors:           append([]string(nil), a.RiskAssessment.Factors...),
		AlertCount:        len(a.RealTimeAlerts),
		AlertsByType:      byType,
		ProcessingMetrics: a.ProcessingMetrics,
	}
}

// timeline flattens the violations of all present monitors, oldest first.
// Ties keep browser, webcam, ai order.
func timeline(sessionID, assessmentID string, b *browser.State, w *presence.State, a *integrity.State) []TimelineEntry {
	out := []TimelineEntry{}
	if b != nil {
		for _, ev := range b.SecurityEvents {
			out = append(out, TimelineEntry{
				SessionID: sessionID, AssessmentID: assessmentID, Component: core.ComponentBrowser,
				ID: ev.ID, Type: ev.Type, Severity: ev.Severity, Timestamp: ev.Timestamp, Handled: ev.Handled,
			})
		}
	}
	if w != nil {
		for _, v := range w.Violations {
			out = append(out, TimelineEntry{
				SessionID: sessionID, AssessmentID: assessmentID, Component: core.ComponentWebcam,
				ID: v.ViolationID, Type: v.Type, Severity: v.Severity, Timestamp: v.Timestamp, Handled: v.Handled,
			})
		}
	}
	if a != nil {
		for _, al := range a.RealTimeAlerts {
			out = append(out, TimelineEntry{
				SessionID: sessionID, AssessmentID: assessmentID, Component: core.ComponentAI,
				ID: al.ID, Type: al.Type, Severity: al.Severity, Timestamp: al.Timestamp, Handled: al.Handled,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func buildReport(s *Session, reason string, end time.Time) *Report {
	b, w, a := s.states()
	assessment := risk.Aggregate(b, w, a)

	start := s.CreatedAt
	return &Report{
		SessionID:        s.ID,
		UserID:           s.UserID,
		AssessmentID:     s.AssessmentID,
		Reason:           reason,
		StartTime:        start,
		EndTime:          end,
		DurationSeconds:  end.Sub(start).Seconds(),
		BrowserLockdown:  summarizeBrowser(b),
		WebcamMonitoring: summarizeWebcam(w),
		AIIntegrity:      summarizeAI(a),
		RiskAssessment:   assessment,
		ComprehensiveReport: ComprehensiveReport{
			GeneratedAt:       end,
			SecurityLevel:     s.SecurityLevel,
			OverallRisk:       assessment.RiskLevel,
			Recommendations:   assessment.Recommendations,
			ViolationTimeline: timeline(s.ID, s.AssessmentID, b, w, a),
		},
	}
}
