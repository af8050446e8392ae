// Package integrity scores the authenticity of a candidate's work: answer
// similarity, typing rhythm and response timing, combined into one
// weighted integrity score.
package integrity

import (
	"maps"
	"slices"
	"time"

	"github.com/ocx/proctor/internal/core"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Alert types raised by the analyze operations.
const (
	AlertPlagiarism = "plagiarism_detected"
	AlertPaste      = "paste_detected"
	AlertTyping     = "typing_anomaly"
	AlertResponse   = "response_time_anomaly"
)

type IntegrityScores struct {
	Plagiarism float64 `json:"plagiarism"`
	Typing     float64 `json:"typing"`
	Response   float64 `json:"response"`
	Overall    float64 `json:"overall"`
}

type RiskAssessment struct {
	RiskLevel   core.RiskLevel `json:"riskLevel"`
	Factors     []string       `json:"factors"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Alert is a real-time integrity alert.
type Alert struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   core.Severity  `json:"severity"`
	Confidence float64        `json:"confidence"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Handled    bool           `json:"handled"`
}

type ProcessingMetrics struct {
	AnswersAnalyzed    int     `json:"answersAnalyzed"`
	KeystrokesAnalyzed int     `json:"keystrokesAnalyzed"`
	ResponsesAnalyzed  int     `json:"responsesAnalyzed"`
	FailedAnalyses     int     `json:"failedAnalyses"`
	AvgProcessingMs    float64 `json:"avgProcessingMs"`
	operations         int
}

func (pm *ProcessingMetrics) observe(elapsed time.Duration) {
	pm.operations++
	ms := float64(elapsed) / float64(time.Millisecond)
	pm.AvgProcessingMs += (ms - pm.AvgProcessingMs) / float64(pm.operations)
}

// Weights set how much each sub-score contributes to Overall.
type Weights struct {
	Plagiarism float64
	Typing     float64
	Response   float64
}

// DefaultWeights favours answer similarity over behavioural signals.
var DefaultWeights = Weights{Plagiarism: 0.5, Typing: 0.25, Response: 0.25}

// Overall returns the weighted mean of the three sub-scores. Non-positive
// weights fall back to DefaultWeights so that every sub-score contributes.
func (w Weights) Overall(s IntegrityScores) float64 {
	if w.Plagiarism <= 0 || w.Typing <= 0 || w.Response <= 0 {
		w = DefaultWeights
	}
	total := w.Plagiarism + w.Typing + w.Response
	v := (s.Plagiarism*w.Plagiarism + s.Typing*w.Typing + s.Response*w.Response) / total
	return core.ClampScore(v)
}

// State is the integrity-analysis state of one session.
type State struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	AssessmentID string `json:"assessmentId"`
	Status       Status `json:"status"`

	IntegrityScores   IntegrityScores   `json:"integrityScores"`
	RiskAssessment    RiskAssessment    `json:"riskAssessment"`
	RealTimeAlerts    []Alert           `json:"realTimeAlerts"`
	ProcessingMetrics ProcessingMetrics `json:"processingMetrics"`

	// Per-question sub-scores feeding Plagiarism and Response.
	QuestionPlagiarism map[string]float64 `json:"questionPlagiarism,omitempty"`
	QuestionResponse   map[string]float64 `json:"questionResponse,omitempty"`
	TypingSamples      int                `json:"typingSamples"`

	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	TerminationReason string     `json:"terminationReason,omitempty"`
}

func newState(sessionID, userID, assessmentID string, now time.Time) State {
	return State{
		SessionID:    sessionID,
		UserID:       userID,
		AssessmentID: assessmentID,
		Status:       StatusActive,
		IntegrityScores: IntegrityScores{
			Plagiarism: 100, Typing: 100, Response: 100, Overall: 100,
		},
		RiskAssessment:     RiskAssessment{RiskLevel: core.RiskLow, Factors: []string{}, LastUpdated: now},
		RealTimeAlerts:     []Alert{},
		QuestionPlagiarism: make(map[string]float64),
		QuestionResponse:   make(map[string]float64),
		StartTime:          now,
	}
}

// rescore recomputes the aggregate sub-scores, Overall and the risk band.
// Plagiarism takes the worst question; Response averages questions.
func rescore(s State, w Weights, factors []string, now time.Time) State {
	next := s
	if len(s.QuestionPlagiarism) > 0 {
		worst := 100.0
		for _, v := range s.QuestionPlagiarism {
			worst = min(worst, v)
		}
		next.IntegrityScores.Plagiarism = worst
	}
	if len(s.QuestionResponse) > 0 {
		var sum float64
		for _, v := range s.QuestionResponse {
			sum += v
		}
		next.IntegrityScores.Response = core.ClampScore(sum / float64(len(s.QuestionResponse)))
	}
	next.IntegrityScores.Overall = w.Overall(next.IntegrityScores)

	ra := RiskAssessment{
		RiskLevel:   core.RiskFromIntegrityScore(next.IntegrityScores.Overall),
		Factors:     slices.Clone(s.RiskAssessment.Factors),
		LastUpdated: now,
	}
	for _, f := range factors {
		if !slices.Contains(ra.Factors, f) {
			ra.Factors = append(ra.Factors, f)
		}
	}
	if ra.Factors == nil {
		ra.Factors = []string{}
	}
	next.RiskAssessment = ra
	return next
}

// Clone returns a deep copy safe to hand to readers.
func (s State) Clone() State {
	out := s
	out.RealTimeAlerts = slices.Clone(s.RealTimeAlerts)
	out.RiskAssessment.Factors = slices.Clone(s.RiskAssessment.Factors)
	out.QuestionPlagiarism = maps.Clone(s.QuestionPlagiarism)
	out.QuestionResponse = maps.Clone(s.QuestionResponse)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}
