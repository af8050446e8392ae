package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/proctor/internal/circuitbreaker"
	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/core"
)

func TestClientReportedAnalyzer(t *testing.T) {
	var a ClientReportedAnalyzer

	_, err := a.AnalyzeFrame(context.Background(), Frame{FrameNumber: 1})
	assert.ErrorIs(t, err, ErrNoAnalysis)

	got, err := a.AnalyzeFrame(context.Background(), Frame{
		FrameNumber:    2,
		ClientAnalysis: &FrameAnalysis{FacesDetected: 1, Confidence: 1.4},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.FacesDetected)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestShingleChecker_Similarity(t *testing.T) {
	c := NewShingleChecker(3)
	ctx := context.Background()

	source := "Photosynthesis converts light energy into chemical energy stored in glucose molecules."
	c.Add("bio-101", "q1", "reference:textbook", source)

	res, err := c.Check(ctx, SimilarityQuery{AssessmentID: "bio-101", QuestionID: "q1", SessionID: "s1", Text: source})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.MaxSimilarity, 1e-9)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "reference:textbook", res.Matches[0].Source)

	res, err = c.Check(ctx, SimilarityQuery{AssessmentID: "bio-101", QuestionID: "q1", SessionID: "s1",
		Text: "Plants make their own food using sunlight, water and carbon dioxide."})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.MaxSimilarity)

	// other questions do not share a corpus
	res, err = c.Check(ctx, SimilarityQuery{AssessmentID: "bio-101", QuestionID: "q2", Text: source})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.MaxSimilarity)
}

func TestShingleChecker_IgnoresOwnSubmission(t *testing.T) {
	c := NewShingleChecker(3)
	text := "the quick brown fox jumps over the lazy dog"
	c.Add("a", "q", "s1", text)

	res, err := c.Check(context.Background(), SimilarityQuery{AssessmentID: "a", QuestionID: "q", SessionID: "s1", Text: text})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.MaxSimilarity)

	res, err = c.Check(context.Background(), SimilarityQuery{AssessmentID: "a", QuestionID: "q", SessionID: "s2", Text: text})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.MaxSimilarity, 1e-9)
}

func TestShingleChecker_ConcurrentUse(t *testing.T) {
	c := NewShingleChecker(2)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Add("a", "q", string(rune('a'+i)), "shared answer text about the topic")
		}(i)
		go func() {
			defer wg.Done()
			_, err := c.Check(context.Background(), SimilarityQuery{AssessmentID: "a", QuestionID: "q", Text: "answer text about"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

type failingAnalyzer struct{ calls int }

func (f *failingAnalyzer) AnalyzeFrame(ctx context.Context, frame Frame) (FrameAnalysis, error) {
	f.calls++
	return FrameAnalysis{}, errors.New("model crashed")
}

type slowChecker struct{}

func (slowChecker) Check(ctx context.Context, q SimilarityQuery) (SimilarityResult, error) {
	<-ctx.Done()
	return SimilarityResult{}, ctx.Err()
}

type recordingObserver struct {
	mu    sync.Mutex
	names []string
	errs  int
}

func (r *recordingObserver) ObserveDetector(name string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	if err != nil {
		r.errs++
	}
}

func TestGuard_DegradesAndTrips(t *testing.T) {
	obs := &recordingObserver{}
	guard := &Guard{
		Breakers: circuitbreaker.NewManager(config.BreakerConfig{MinRequests: 2, FailureRatio: 0.5, OpenSeconds: 60}),
		Timeout:  time.Second,
		Observer: obs,
	}
	inner := &failingAnalyzer{}
	g := GuardedFrameAnalyzer{Inner: inner, Guard: guard}

	for i := 0; i < 4; i++ {
		_, err := g.AnalyzeFrame(context.Background(), Frame{FrameNumber: int64(i)})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrAnalysisUnavailable)
	}
	assert.Equal(t, 2, inner.calls, "breaker stops calling the detector once open")
	assert.Equal(t, 4, obs.errs)
	assert.Equal(t, NameFrameAnalysis, obs.names[0])
}

func TestGuard_Timeout(t *testing.T) {
	g := GuardedSimilarityChecker{Inner: slowChecker{}, Guard: &Guard{Timeout: 20 * time.Millisecond}}
	_, err := g.Check(context.Background(), SimilarityQuery{Text: "x"})
	assert.ErrorIs(t, err, core.ErrAnalysisUnavailable)
}

func TestGuardedSimilarity_ForwardsCorpus(t *testing.T) {
	inner := NewShingleChecker(3)
	g := GuardedSimilarityChecker{Inner: inner, Guard: &Guard{}}
	g.Add("a", "q", "ref", "one two three four")

	res, err := g.Check(context.Background(), SimilarityQuery{AssessmentID: "a", QuestionID: "q", Text: "one two three four"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.MaxSimilarity, 1e-9)
}

func TestParseFrameAnalysis(t *testing.T) {
	a := parseFrameAnalysis(map[string]any{
		"facesDetected": 2.0,
		"confidence":    0.91,
		"gazeOnScreen":  false,
		"headPose":      map[string]any{"yaw": 31.5, "pitch": "n/a"},
	})
	assert.Equal(t, 2, a.FacesDetected)
	assert.Equal(t, 0.91, a.Confidence)
	require.NotNil(t, a.GazeOnScreen)
	assert.False(t, *a.GazeOnScreen)
	assert.Equal(t, map[string]float64{"yaw": 31.5}, a.HeadPose)
	assert.Nil(t, a.Features)
}
