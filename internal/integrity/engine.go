package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/detector"
)

// Settings holds the thresholds the engine scores against.
type Settings struct {
	Weights             Weights
	PlagiarismThreshold float64
	Response            ResponseExpectations
}

// DefaultSettings are used for zero-valued fields.
var DefaultSettings = Settings{
	Weights:             DefaultWeights,
	PlagiarismThreshold: 0.8,
	Response:            ResponseExpectations{MinThinkTimeMs: 3000, MaxCharsPerSecond: 15, MinReviewTimeMs: 1000},
}

// AnswerMetadata accompanies a submitted answer.
type AnswerMetadata struct {
	EventID     string  `json:"eventId,omitempty"`
	PasteCount  int     `json:"pasteCount" validate:"gte=0"`
	PastedChars int     `json:"pastedChars" validate:"gte=0"`
	TimeSpentMs float64 `json:"timeSpentMs" validate:"gte=0"`
}

// PlagiarismResult is returned by AnalyzeAnswer.
type PlagiarismResult struct {
	QuestionID string                     `json:"questionId"`
	Similarity float64                    `json:"similarity"`
	Score      float64                    `json:"score"`
	Flagged    bool                       `json:"flagged"`
	Matches    []detector.SimilarityMatch `json:"matches,omitempty"`
	Degraded   bool                       `json:"degraded,omitempty"`
	Message    string                     `json:"message,omitempty"`
}

// AnswerResult bundles the plagiarism verdict with the updated totals.
type AnswerResult struct {
	Plagiarism     PlagiarismResult `json:"plagiarismResult"`
	IntegrityScore float64          `json:"integrityScore"`
	RiskLevel      core.RiskLevel   `json:"riskLevel"`
	Alerts         []Alert          `json:"alerts,omitempty"`
}

// TypingResult is returned by AnalyzeTyping.
type TypingResult struct {
	BatchScore           float64        `json:"batchScore"`
	TypingIntegrityScore float64        `json:"typingIntegrityScore"`
	Features             TypingFeatures `json:"features"`
	Flags                []string       `json:"flags,omitempty"`
}

// ResponseResult is returned by AnalyzeResponseTime.
type ResponseResult struct {
	QuestionID             string   `json:"questionId"`
	QuestionScore          float64  `json:"questionScore"`
	ResponseIntegrityScore float64  `json:"responseIntegrityScore"`
	Flags                  []string `json:"flags,omitempty"`
}

// AlertInput is an alert reported from outside the analyze operations.
type AlertInput struct {
	AlertID    string
	Type       string
	Severity   core.Severity
	Confidence float64
	Details    map[string]any
}

// Options configures an Engine.
type Options struct {
	SessionID    string
	UserID       string
	AssessmentID string
	Settings     Settings
	Checker      detector.SimilarityChecker
	Now          func() time.Time
	Logger       *slog.Logger
}

// Engine owns the integrity state of one session. Similarity checks run
// without holding the session lock.
type Engine struct {
	mu      sync.Mutex
	state   State
	alerts  map[string]int // alert id -> index
	answers map[string]AnswerResult
	typing  map[string]TypingResult
	replies map[string]ResponseResult

	settings Settings
	checker  detector.SimilarityChecker
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an active integrity engine.
func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := opts.Settings
	if s.Weights == (Weights{}) {
		s.Weights = DefaultSettings.Weights
	}
	if s.PlagiarismThreshold <= 0 {
		s.PlagiarismThreshold = DefaultSettings.PlagiarismThreshold
	}
	if s.Response == (ResponseExpectations{}) {
		s.Response = DefaultSettings.Response
	}
	return &Engine{
		state:    newState(opts.SessionID, opts.UserID, opts.AssessmentID, opts.Now()),
		alerts:   make(map[string]int),
		answers:  make(map[string]AnswerResult),
		typing:   make(map[string]TypingResult),
		replies:  make(map[string]ResponseResult),
		settings: s,
		checker:  opts.Checker,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "ai", "session_id", opts.SessionID),
	}
}

// AnalyzeAnswer checks an answer for similarity to the assessment corpus and
// updates the plagiarism score. A checker failure yields a degraded result
// and leaves the scores unchanged. Resubmitting the same EventID returns the
// first result.
func (e *Engine) AnalyzeAnswer(ctx context.Context, questionID, answer string, meta AnswerMetadata) (AnswerResult, error) {
	if strings.TrimSpace(questionID) == "" {
		return AnswerResult{}, core.NewValidationError("questionId", "is required")
	}
	if meta.PasteCount < 0 || meta.PastedChars < 0 {
		return AnswerResult{}, core.NewValidationError("metadata", "paste counters must be non-negative")
	}

	e.mu.Lock()
	if e.state.Status == StatusTerminated {
		e.mu.Unlock()
		return AnswerResult{}, core.ErrSessionTerminated
	}
	if prev, ok := e.answers[meta.EventID]; ok && meta.EventID != "" {
		e.mu.Unlock()
		return prev, nil
	}
	sessionID, assessmentID := e.state.SessionID, e.state.AssessmentID
	e.mu.Unlock()

	start := time.Now()
	var (
		sim      detector.SimilarityResult
		checkErr error
	)
	if e.checker != nil && strings.TrimSpace(answer) != "" {
		sim, checkErr = e.checker.Check(ctx, detector.SimilarityQuery{
			AssessmentID: assessmentID,
			QuestionID:   questionID,
			SessionID:    sessionID,
			Text:         answer,
		})
		if checkErr == nil {
			if c, ok := e.checker.(detector.Corpus); ok {
				c.Add(assessmentID, questionID, sessionID, answer)
			}
		}
	}
	elapsed := time.Since(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == StatusTerminated {
		return AnswerResult{}, core.ErrSessionTerminated
	}
	if meta.EventID != "" {
		if prev, ok := e.answers[meta.EventID]; ok {
			return prev, nil
		}
	}

	now := e.now()
	e.state.ProcessingMetrics.observe(elapsed)
	res := AnswerResult{Plagiarism: PlagiarismResult{QuestionID: questionID}}

	if checkErr != nil {
		e.state.ProcessingMetrics.FailedAnalyses++
		e.logger.Warn("similarity check failed", "question_id", questionID, "error", checkErr)
		res.Plagiarism.Degraded = true
		res.Plagiarism.Message = "analysis unavailable"
		res.Plagiarism.Score = e.state.IntegrityScores.Plagiarism
		res.IntegrityScore = e.state.IntegrityScores.Overall
		res.RiskLevel = e.state.RiskAssessment.RiskLevel
		return res, nil
	}

	e.state.ProcessingMetrics.AnswersAnalyzed++
	similarity := min(max(sim.MaxSimilarity, 0), 1)
	score := core.ClampScore(100 - similarity*100)
	res.Plagiarism.Similarity = similarity
	res.Plagiarism.Score = score
	res.Plagiarism.Matches = sim.Matches

	next := e.state
	next.QuestionPlagiarism = cloneScores(e.state.QuestionPlagiarism)
	next.QuestionPlagiarism[questionID] = score

	var factors []string
	if similarity >= e.settings.PlagiarismThreshold {
		res.Plagiarism.Flagged = true
		factors = append(factors, AlertPlagiarism)
		res.Alerts = append(res.Alerts, e.appendAlertLocked(&next, Alert{
			Type:       AlertPlagiarism,
			Severity:   core.SeverityCritical,
			Confidence: similarity,
			Details:    map[string]any{"questionId": questionID, "similarity": similarity, "matches": len(sim.Matches)},
		}, now))
	}
	if meta.PasteCount > 0 || meta.PastedChars > 0 {
		factors = append(factors, AlertPaste)
		conf := 0.5
		if n := len(answer); n > 0 && meta.PastedChars > 0 {
			conf = min(1, float64(meta.PastedChars)/float64(n))
		}
		res.Alerts = append(res.Alerts, e.appendAlertLocked(&next, Alert{
			Type:       AlertPaste,
			Severity:   core.SeverityMedium,
			Confidence: conf,
			Details:    map[string]any{"questionId": questionID, "pasteCount": meta.PasteCount, "pastedChars": meta.PastedChars},
		}, now))
	}

	e.state = rescore(next, e.settings.Weights, factors, now)
	res.IntegrityScore = e.state.IntegrityScores.Overall
	res.RiskLevel = e.state.RiskAssessment.RiskLevel
	if meta.EventID != "" {
		e.answers[meta.EventID] = res
	}
	return res, nil
}

// AnalyzeTyping scores a keystroke batch and merges it into the typing
// score weighted by keystroke count. batchID makes retries idempotent.
func (e *Engine) AnalyzeTyping(ctx context.Context, batchID string, keystrokes []Keystroke) (TypingResult, error) {
	if len(keystrokes) == 0 {
		return TypingResult{}, core.NewValidationError("keystrokeData", "must not be empty")
	}
	for i, k := range keystrokes {
		if k.Type != "keydown" && k.Type != "keyup" {
			return TypingResult{}, core.NewValidationError(fmt.Sprintf("keystrokeData[%d].type", i), "must be keydown or keyup")
		}
	}

	start := time.Now()
	features := ExtractTypingFeatures(keystrokes)
	batchScore, flags := ScoreTyping(features, e.settings.Response.MaxCharsPerSecond)
	elapsed := time.Since(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == StatusTerminated {
		return TypingResult{}, core.ErrSessionTerminated
	}
	if batchID != "" {
		if prev, ok := e.typing[batchID]; ok {
			return prev, nil
		}
	}

	now := e.now()
	e.state.ProcessingMetrics.observe(elapsed)
	e.state.ProcessingMetrics.KeystrokesAnalyzed += len(keystrokes)

	next := e.state
	if features.Keystrokes >= 3 {
		n := float64(len(keystrokes))
		prev := float64(next.TypingSamples)
		next.IntegrityScores.Typing = core.ClampScore((next.IntegrityScores.Typing*prev + batchScore*n) / (prev + n))
		next.TypingSamples += len(keystrokes)
	}

	var factors []string
	if batchScore < 70 {
		factors = append(factors, AlertTyping)
		e.appendAlertLocked(&next, Alert{
			Type:       AlertTyping,
			Severity:   core.SeverityMedium,
			Confidence: (100 - batchScore) / 100,
			Details:    map[string]any{"flags": flags, "batchScore": batchScore},
		}, now)
	}
	e.state = rescore(next, e.settings.Weights, factors, now)

	res := TypingResult{
		BatchScore:           batchScore,
		TypingIntegrityScore: e.state.IntegrityScores.Typing,
		Features:             features,
		Flags:                flags,
	}
	if batchID != "" {
		e.typing[batchID] = res
	}
	return res, nil
}

// AnalyzeResponseTime scores one question's timing breakdown. A later
// breakdown for the same question replaces the earlier one.
func (e *Engine) AnalyzeResponseTime(ctx context.Context, eventID, questionID string, b ResponseBreakdown) (ResponseResult, error) {
	if strings.TrimSpace(questionID) == "" {
		return ResponseResult{}, core.NewValidationError("questionId", "is required")
	}
	if b.ThinkTimeMs < 0 || b.TypeTimeMs < 0 || b.ReviewTimeMs < 0 || b.AnswerLength < 0 {
		return ResponseResult{}, core.NewValidationError("responseData", "times and length must be non-negative")
	}

	score, flags := ScoreResponse(b, e.settings.Response)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == StatusTerminated {
		return ResponseResult{}, core.ErrSessionTerminated
	}
	if eventID != "" {
		if prev, ok := e.replies[eventID]; ok {
			return prev, nil
		}
	}

	now := e.now()
	e.state.ProcessingMetrics.ResponsesAnalyzed++

	next := e.state
	next.QuestionResponse = cloneScores(e.state.QuestionResponse)
	next.QuestionResponse[questionID] = score

	var factors []string
	if slices.Contains(flags, FlagImplausibleTypingRate) {
		factors = append(factors, AlertResponse)
		e.appendAlertLocked(&next, Alert{
			Type:       AlertResponse,
			Severity:   core.SeverityHigh,
			Confidence: (100 - score) / 100,
			Details:    map[string]any{"questionId": questionID, "flags": flags},
		}, now)
	}
	e.state = rescore(next, e.settings.Weights, factors, now)

	res := ResponseResult{
		QuestionID:             questionID,
		QuestionScore:          score,
		ResponseIntegrityScore: e.state.IntegrityScores.Response,
		Flags:                  flags,
	}
	if eventID != "" {
		e.replies[eventID] = res
	}
	return res, nil
}

// AddRealTimeAlert records an alert. Scores are not touched. Resubmitting
// the same AlertID returns the original alert with duplicate=true.
func (e *Engine) AddRealTimeAlert(in AlertInput) (Alert, bool, error) {
	if strings.TrimSpace(in.Type) == "" {
		return Alert{}, false, core.NewValidationError("eventType", "is required")
	}
	if !in.Severity.Valid() {
		return Alert{}, false, core.NewValidationError("severity", "invalid severity %q", in.Severity)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return Alert{}, false, core.NewValidationError("confidence", "must be within [0,1]")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if in.AlertID != "" {
		if idx, ok := e.alerts[in.AlertID]; ok {
			return e.state.RealTimeAlerts[idx], true, nil
		}
	}
	if e.state.Status == StatusTerminated {
		return Alert{}, false, core.ErrSessionTerminated
	}
	next := e.state
	a := e.appendAlertLocked(&next, Alert{
		ID:         in.AlertID,
		Type:       in.Type,
		Severity:   in.Severity,
		Confidence: in.Confidence,
		Details:    in.Details,
	}, e.now())
	e.state = next
	return a, false, nil
}

// appendAlertLocked stamps a and appends it to s. Callers hold mu.
func (e *Engine) appendAlertLocked(s *State, a Alert, now time.Time) Alert {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Timestamp = now
	if n := len(s.RealTimeAlerts); n > 0 {
		if last := s.RealTimeAlerts[n-1].Timestamp; a.Timestamp.Before(last) {
			a.Timestamp = last
		}
	}
	e.alerts[a.ID] = len(s.RealTimeAlerts)
	alerts := make([]Alert, 0, len(s.RealTimeAlerts)+1)
	s.RealTimeAlerts = append(append(alerts, s.RealTimeAlerts...), a)
	e.logger.Info("integrity alert raised", "type", a.Type, "severity", a.Severity, "confidence", a.Confidence)
	return a
}

// Acknowledge marks an alert handled. It reports whether it exists.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.alerts[alertID]
	if !ok {
		return false
	}
	e.state.RealTimeAlerts[idx].Handled = true
	return true
}

// Terminate stops the engine. It reports whether this call changed state.
func (e *Engine) Terminate(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == StatusTerminated {
		return false
	}
	end := e.now()
	e.state.Status = StatusTerminated
	e.state.EndTime = &end
	e.state.TerminationReason = reason
	return true
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

func cloneScores(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

