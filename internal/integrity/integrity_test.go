package integrity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/detector"
)

const referenceText = "the mitochondria is the powerhouse of the cell and produces most of its chemical energy"

func newEngine(opts Options) *Engine {
	if opts.SessionID == "" {
		opts.SessionID = "sess-1"
	}
	if opts.AssessmentID == "" {
		opts.AssessmentID = "exam-1"
	}
	return NewEngine(opts)
}

// typeSequence builds keydown/keyup pairs on distinct keys. intervals are
// the gaps between consecutive keydowns; holds are per-key dwell times.
func typeSequence(intervals, holds []float64) []Keystroke {
	var out []Keystroke
	t := 0.0
	for i, h := range holds {
		if i > 0 {
			t += intervals[i-1]
		}
		key := string(rune('a' + i))
		out = append(out,
			Keystroke{Key: key, Type: "keydown", Timestamp: t},
			Keystroke{Key: key, Type: "keyup", Timestamp: t + h},
		)
	}
	return out
}

func uniform(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func roboticTyping() []Keystroke {
	return typeSequence(uniform(19, 100), uniform(20, 50))
}

func humanTyping() []Keystroke {
	intervals := []float64{120, 180, 95, 240, 150, 300, 110, 170, 210, 130, 260, 140, 190, 105, 220}
	holds := []float64{80, 95, 110, 70, 130, 90, 105, 85, 120, 75, 100, 115, 88, 92, 125, 78}
	return typeSequence(intervals, holds)
}

func TestScoreTyping(t *testing.T) {
	tests := []struct {
		name      string
		events    []Keystroke
		wantScore float64
		wantFlags []string
	}{
		{"human rhythm", humanTyping(), 100, nil},
		{"robotic rhythm", roboticTyping(), 50, []string{FlagRoboticRhythm, FlagUniformKeyHold}},
		{"too short", humanTyping()[:2], 100, []string{FlagInsufficientKey}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, flags := ScoreTyping(ExtractTypingFeatures(tt.events), 15)
			assert.Equal(t, tt.wantScore, score)
			assert.Equal(t, tt.wantFlags, flags)
		})
	}
}

func TestScoreTyping_InjectedInput(t *testing.T) {
	f := ExtractTypingFeatures(typeSequence(uniform(19, 5), uniform(20, 50)))
	assert.Equal(t, 1.0, f.BurstRate)
	assert.Greater(t, f.CharsPerSecond, 15.0)

	score, flags := ScoreTyping(f, 15)
	assert.Equal(t, 0.0, score)
	assert.Contains(t, flags, FlagInjectedBursts)
	assert.Contains(t, flags, FlagInhumanSpeed)
}

func TestExtractTypingFeatures_Corrections(t *testing.T) {
	events := humanTyping()
	events = append(events,
		Keystroke{Key: "Backspace", Type: "keydown", Timestamp: 3000},
		Keystroke{Key: "Backspace", Type: "keyup", Timestamp: 3080},
	)
	f := ExtractTypingFeatures(events)
	assert.Equal(t, 16, f.ContentKeys)
	assert.InDelta(t, 1.0/16, f.CorrectionRate, 1e-9)
}

func TestAnalyzeTyping_SampleWeightedMerge(t *testing.T) {
	e := newEngine(Options{})
	ctx := context.Background()

	res, err := e.AnalyzeTyping(ctx, "batch-1", roboticTyping())
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.BatchScore)
	assert.Equal(t, 50.0, res.TypingIntegrityScore)

	s := e.Snapshot()
	require.Len(t, s.RealTimeAlerts, 1)
	assert.Equal(t, AlertTyping, s.RealTimeAlerts[0].Type)
	assert.Equal(t, 87.5, s.IntegrityScores.Overall)
	assert.Equal(t, core.RiskMedium, s.RiskAssessment.RiskLevel)
	assert.Contains(t, s.RiskAssessment.Factors, AlertTyping)

	res, err = e.AnalyzeTyping(ctx, "batch-2", humanTyping())
	require.NoError(t, err)
	assert.InDelta(t, (50.0*40+100.0*32)/72, res.TypingIntegrityScore, 1e-9)

	again, err := e.AnalyzeTyping(ctx, "batch-2", humanTyping())
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 72, e.Snapshot().ProcessingMetrics.KeystrokesAnalyzed)
}

func TestAnalyzeTyping_Validation(t *testing.T) {
	e := newEngine(Options{})
	_, err := e.AnalyzeTyping(context.Background(), "", nil)
	assert.True(t, core.IsValidation(err))

	_, err = e.AnalyzeTyping(context.Background(), "", []Keystroke{{Key: "a", Type: "keypress"}})
	assert.True(t, core.IsValidation(err))
}

func TestAnalyzeAnswer_PlagiarismRaisesCriticalAlert(t *testing.T) {
	checker := detector.NewShingleChecker(3)
	checker.Add("exam-1", "q1", "reference", referenceText)
	e := newEngine(Options{Checker: checker})

	res, err := e.AnalyzeAnswer(context.Background(), "q1", referenceText, AnswerMetadata{EventID: "ans-1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Plagiarism.Similarity)
	assert.Equal(t, 0.0, res.Plagiarism.Score)
	assert.True(t, res.Plagiarism.Flagged)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, AlertPlagiarism, res.Alerts[0].Type)
	assert.Equal(t, core.SeverityCritical, res.Alerts[0].Severity)
	assert.Equal(t, 50.0, res.IntegrityScore)
	assert.Equal(t, core.RiskCritical, res.RiskLevel)

	again, err := e.AnalyzeAnswer(context.Background(), "q1", referenceText, AnswerMetadata{EventID: "ans-1"})
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Len(t, e.Snapshot().RealTimeAlerts, 1)
}

func TestAnalyzeAnswer_WorstQuestionDrivesPlagiarism(t *testing.T) {
	checker := detector.NewShingleChecker(3)
	checker.Add("exam-1", "q1", "reference", referenceText)
	e := newEngine(Options{Checker: checker})
	ctx := context.Background()

	_, err := e.AnalyzeAnswer(ctx, "q2", "photosynthesis turns light into sugar inside chloroplasts", AnswerMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, e.Snapshot().IntegrityScores.Plagiarism)

	_, err = e.AnalyzeAnswer(ctx, "q1", referenceText, AnswerMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.Snapshot().IntegrityScores.Plagiarism)
}

func TestAnalyzeAnswer_CorpusSharedAcrossSessions(t *testing.T) {
	checker := detector.NewShingleChecker(3)
	first := newEngine(Options{SessionID: "sess-a", Checker: checker})
	second := newEngine(Options{SessionID: "sess-b", Checker: checker})
	ctx := context.Background()

	res, err := first.AnalyzeAnswer(ctx, "q1", referenceText, AnswerMetadata{})
	require.NoError(t, err)
	assert.False(t, res.Plagiarism.Flagged)

	res, err = second.AnalyzeAnswer(ctx, "q1", referenceText, AnswerMetadata{})
	require.NoError(t, err)
	assert.True(t, res.Plagiarism.Flagged)
	require.NotEmpty(t, res.Plagiarism.Matches)
	assert.Equal(t, "sess-a", res.Plagiarism.Matches[0].Source)
}

func TestAnalyzeAnswer_PasteActivity(t *testing.T) {
	e := newEngine(Options{})
	answer := "an answer that is exactly sixty characters long for the test"
	res, err := e.AnalyzeAnswer(context.Background(), "q1", answer, AnswerMetadata{PasteCount: 2, PastedChars: len(answer) / 2})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, AlertPaste, res.Alerts[0].Type)
	assert.Equal(t, core.SeverityMedium, res.Alerts[0].Severity)
	assert.InDelta(t, 0.5, res.Alerts[0].Confidence, 0.02)
	assert.Equal(t, 100.0, res.IntegrityScore)
}

type failingChecker struct{}

func (failingChecker) Check(ctx context.Context, q detector.SimilarityQuery) (detector.SimilarityResult, error) {
	return detector.SimilarityResult{}, errors.New("similarity backend down")
}

func TestAnalyzeAnswer_CheckerFailureIsDegraded(t *testing.T) {
	e := newEngine(Options{Checker: failingChecker{}})
	res, err := e.AnalyzeAnswer(context.Background(), "q1", referenceText, AnswerMetadata{})
	require.NoError(t, err)
	assert.True(t, res.Plagiarism.Degraded)
	assert.Equal(t, "analysis unavailable", res.Plagiarism.Message)
	assert.Equal(t, 100.0, res.IntegrityScore)

	s := e.Snapshot()
	assert.Equal(t, 1, s.ProcessingMetrics.FailedAnalyses)
	assert.Equal(t, 0, s.ProcessingMetrics.AnswersAnalyzed)
	assert.Empty(t, s.QuestionPlagiarism)
}

type blockingChecker struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingChecker) Check(ctx context.Context, q detector.SimilarityQuery) (detector.SimilarityResult, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-b.release
	}
	return detector.SimilarityResult{}, nil
}

func TestAnalyzeAnswer_CheckerRunsOutsideLock(t *testing.T) {
	c := &blockingChecker{started: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(Options{Checker: c})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.AnalyzeAnswer(context.Background(), "q1", referenceText, AnswerMetadata{})
		assert.NoError(t, err)
	}()
	<-c.started

	done := make(chan struct{})
	go func() {
		_, _, err := e.AddRealTimeAlert(AlertInput{Type: "tab_switch", Severity: core.SeverityLow, Confidence: 0.4})
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session lock held during similarity check")
	}
	close(c.release)
	wg.Wait()
}

func TestAnalyzeResponseTime_AveragesQuestions(t *testing.T) {
	e := newEngine(Options{})
	ctx := context.Background()
	good := ResponseBreakdown{ThinkTimeMs: 5000, TypeTimeMs: 20000, ReviewTimeMs: 2000, AnswerLength: 100}
	rushed := ResponseBreakdown{ThinkTimeMs: 500, TypeTimeMs: 20000, ReviewTimeMs: 2000, AnswerLength: 100}

	res, err := e.AnalyzeResponseTime(ctx, "", "q1", good)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.QuestionScore)

	res, err = e.AnalyzeResponseTime(ctx, "", "q2", rushed)
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.QuestionScore)
	assert.Equal(t, []string{FlagInsufficientThinkTime}, res.Flags)
	assert.Equal(t, 85.0, res.ResponseIntegrityScore)

	s := e.Snapshot()
	assert.Equal(t, 96.25, s.IntegrityScores.Overall)
	assert.Equal(t, core.RiskLow, s.RiskAssessment.RiskLevel)

	res, err = e.AnalyzeResponseTime(ctx, "", "q2", good)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.ResponseIntegrityScore)
}

func TestAnalyzeResponseTime_ImplausibleRateAlerts(t *testing.T) {
	e := newEngine(Options{})
	res, err := e.AnalyzeResponseTime(context.Background(), "rt-1", "q1", ResponseBreakdown{
		ThinkTimeMs: 5000, TypeTimeMs: 10000, ReviewTimeMs: 2000, AnswerLength: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, 60.0, res.QuestionScore)
	assert.Contains(t, res.Flags, FlagImplausibleTypingRate)

	s := e.Snapshot()
	require.Len(t, s.RealTimeAlerts, 1)
	assert.Equal(t, AlertResponse, s.RealTimeAlerts[0].Type)
	assert.Equal(t, core.SeverityHigh, s.RealTimeAlerts[0].Severity)

	_, err = e.AnalyzeResponseTime(context.Background(), "rt-1", "q1", ResponseBreakdown{AnswerLength: 500})
	require.NoError(t, err)
	assert.Len(t, e.Snapshot().RealTimeAlerts, 1)
}

func TestAddRealTimeAlert_DoesNotChangeScores(t *testing.T) {
	e := newEngine(Options{})
	before := e.Snapshot().IntegrityScores

	a, dup, err := e.AddRealTimeAlert(AlertInput{AlertID: "al-1", Type: "second_device", Severity: core.SeverityCritical, Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "al-1", a.ID)

	again, dup, err := e.AddRealTimeAlert(AlertInput{AlertID: "al-1", Type: "second_device", Severity: core.SeverityCritical, Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, a, again)

	s := e.Snapshot()
	assert.Equal(t, before, s.IntegrityScores)
	assert.Equal(t, core.RiskLow, s.RiskAssessment.RiskLevel)
	assert.Len(t, s.RealTimeAlerts, 1)

	assert.True(t, e.Acknowledge("al-1"))
	assert.False(t, e.Acknowledge("missing"))
	assert.True(t, e.Snapshot().RealTimeAlerts[0].Handled)
}

func TestAddRealTimeAlert_Validation(t *testing.T) {
	e := newEngine(Options{})
	tests := []AlertInput{
		{Severity: core.SeverityLow},
		{Type: "x", Severity: "severe"},
		{Type: "x", Severity: core.SeverityLow, Confidence: 1.5},
	}
	for _, in := range tests {
		_, _, err := e.AddRealTimeAlert(in)
		assert.True(t, core.IsValidation(err), "%+v", in)
	}
	assert.Empty(t, e.Snapshot().RealTimeAlerts)
}

func TestWeights_Overall(t *testing.T) {
	scores := IntegrityScores{Plagiarism: 40, Typing: 80, Response: 100}
	assert.Equal(t, 65.0, DefaultWeights.Overall(scores))
	assert.InDelta(t, 220.0/3, Weights{Plagiarism: 1, Typing: 1, Response: 1}.Overall(scores), 1e-9)
	assert.Equal(t, 65.0, Weights{Plagiarism: 1, Typing: 0, Response: 1}.Overall(scores))
}

func TestTerminate_IsAbsorbing(t *testing.T) {
	e := newEngine(Options{})
	assert.True(t, e.Terminate("completed"))
	assert.False(t, e.Terminate("completed"))

	_, err := e.AnalyzeAnswer(context.Background(), "q1", "text", AnswerMetadata{})
	assert.ErrorIs(t, err, core.ErrSessionTerminated)
	_, err = e.AnalyzeTyping(context.Background(), "", humanTyping())
	assert.ErrorIs(t, err, core.ErrSessionTerminated)
	_, _, err = e.AddRealTimeAlert(AlertInput{Type: "x", Severity: core.SeverityLow})
	assert.ErrorIs(t, err, core.ErrSessionTerminated)

	s := e.Snapshot()
	assert.Equal(t, StatusTerminated, s.Status)
	require.NotNil(t, s.EndTime)
}
