package presence

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

func boolPtr(b bool) *bool { return &b }

var defaultPolicy = Policy{MinConfidence: 0.6, FlagLookingAway: true, RetainFrames: 3}

func newMonitor(opts Options) *Monitor {
	if opts.SessionID == "" {
		opts.SessionID = "sess-1"
	}
	if opts.Policy.MinConfidence == 0 {
		opts.Policy = defaultPolicy
	}
	return NewMonitor(opts)
}

func clientFrame(n int64, faces int, conf float64, gaze *bool) FrameInput {
	return FrameInput{
		FrameNumber:    n,
		Timestamp:      time.Now(),
		Data:           []byte("jpeg-bytes"),
		ClientAnalysis: &detector.FrameAnalysis{FacesDetected: faces, Confidence: conf, GazeOnScreen: gaze, EyesDetected: gaze != nil},
	}
}

func TestEvaluate_Policy(t *testing.T) {
	tests := []struct {
		name     string
		analysis detector.FrameAnalysis
		want     []string
		severity core.Severity
	}{
		{"clean frame", detector.FrameAnalysis{FacesDetected: 1, Confidence: 0.9, GazeOnScreen: boolPtr(true)}, nil, ""},
		{"absent", detector.FrameAnalysis{FacesDetected: 0}, []string{ViolationFaceNotDetected}, core.SeverityHigh},
		{"multiple faces", detector.FrameAnalysis{FacesDetected: 2, Confidence: 0.9}, []string{ViolationMultipleFaces}, core.SeverityCritical},
		{"low confidence", detector.FrameAnalysis{FacesDetected: 1, Confidence: 0.3}, []string{ViolationLowConfidence}, core.SeverityMedium},
		{"looking away", detector.FrameAnalysis{FacesDetected: 1, Confidence: 0.95, GazeOnScreen: boolPtr(false)}, []string{ViolationLookingAway}, core.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.analysis, defaultPolicy)
			require.Len(t, got, len(tt.want))
			for i, v := range got {
				assert.Equal(t, tt.want[i], v.Type)
				assert.Equal(t, tt.severity, v.Severity)
				assert.NotEmpty(t, v.Description)
			}
		})
	}
}

func TestEvaluate_SeverityOverride(t *testing.T) {
	p := defaultPolicy
	p.Severities = map[string]core.Severity{ViolationFaceNotDetected: core.SeverityCritical}
	got := Evaluate(detector.FrameAnalysis{}, p)
	require.Len(t, got, 1)
	assert.Equal(t, core.SeverityCritical, got[0].Severity)
}

func TestIngestFrame_RecordsViolations(t *testing.T) {
	m := newMonitor(Options{})
	ctx := context.Background()

	res, err := m.IngestFrame(ctx, clientFrame(1, 1, 0.9, boolPtr(true)))
	require.NoError(t, err)
	assert.Equal(t, FrameAnalyzed, res.Status)
	assert.Empty(t, res.Violations)

	res, err = m.IngestFrame(ctx, clientFrame(2, 2, 0.9, boolPtr(true)))
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ViolationMultipleFaces, res.Violations[0].Type)
	require.NotNil(t, res.Violations[0].FrameNumber)
	assert.Equal(t, int64(2), *res.Violations[0].FrameNumber)

	s := m.Snapshot()
	assert.Len(t, s.Violations, 1)
	assert.True(t, s.HasCritical())
	assert.Equal(t, 2, s.FaceDetection.TotalDetections)
	assert.Equal(t, 1, s.FaceDetection.MultipleFaceFrames)
	assert.Equal(t, 2, s.FaceDetection.CurrentDetection.FacesDetected)
	assert.True(t, s.EyeTracking.IsActive)
	assert.Equal(t, 2, s.PerformanceMetrics.FramesProcessed)
}

func TestIngestFrame_DuplicateFrameNumber(t *testing.T) {
	m := newMonitor(Options{})
	ctx := context.Background()

	_, err := m.IngestFrame(ctx, clientFrame(7, 0, 0, nil))
	require.NoError(t, err)
	res, err := m.IngestFrame(ctx, clientFrame(7, 0, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, FrameDuplicate, res.Status)

	s := m.Snapshot()
	assert.Len(t, s.Violations, 1)
	assert.Equal(t, 1, s.PerformanceMetrics.DuplicateFrames)
}

func TestIngestFrame_StaleFramesOutsideWindowAreDuplicates(t *testing.T) {
	m := newMonitor(Options{})
	ctx := context.Background()

	_, err := m.IngestFrame(ctx, clientFrame(frameWindow+10, 1, 0.9, nil))
	require.NoError(t, err)
	res, err := m.IngestFrame(ctx, clientFrame(5, 1, 0.9, nil))
	require.NoError(t, err)
	assert.Equal(t, FrameDuplicate, res.Status)
}

type failingAnalyzer struct{}

func (failingAnalyzer) AnalyzeFrame(ctx context.Context, f detector.Frame) (detector.FrameAnalysis, error) {
	return detector.FrameAnalysis{}, errors.New("gpu out of memory")
}

func TestIngestFrame_DetectorFailureIsDegraded(t *testing.T) {
	m := newMonitor(Options{Analyzer: failingAnalyzer{}})
	res, err := m.IngestFrame(context.Background(), clientFrame(1, 0, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, FrameDegraded, res.Status)
	assert.Equal(t, "analysis unavailable", res.Message)

	s := m.Snapshot()
	assert.Empty(t, s.Violations)
	assert.Equal(t, 1, s.PerformanceMetrics.FailedAnalyses)
	assert.Equal(t, StatusActive, s.Status)
}

// blockingAnalyzer holds the first call until released so the test can
// observe that the session lock is free while a detector runs.
type blockingAnalyzer struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingAnalyzer) AnalyzeFrame(ctx context.Context, f detector.Frame) (detector.FrameAnalysis, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-b.release
	}
	return detector.FrameAnalysis{FacesDetected: 1, Confidence: 0.9}, nil
}

func TestIngestFrame_DetectorRunsOutsideLock(t *testing.T) {
	a := &blockingAnalyzer{started: make(chan struct{}), release: make(chan struct{})}
	m := newMonitor(Options{Analyzer: a})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.IngestFrame(context.Background(), clientFrame(1, 1, 0.9, nil))
		assert.NoError(t, err)
	}()
	<-a.started

	done := make(chan struct{})
	go func() {
		_, _, err := m.RecordViolation(ViolationInput{Type: "camera_blocked", Severity: core.SeverityHigh})
		assert.NoError(t, err)
		_ = m.Snapshot()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session lock held during frame analysis")
	}
	close(a.release)
	wg.Wait()
}

func TestRecordViolation_IdempotentAndValidated(t *testing.T) {
	m := newMonitor(Options{})

	_, _, err := m.RecordViolation(ViolationInput{Type: "camera_blocked", Severity: "bad"})
	assert.True(t, core.IsValidation(err))

	v1, dup, err := m.RecordViolation(ViolationInput{ViolationID: "v-1", Type: "camera_blocked", Severity: core.SeverityHigh})
	require.NoError(t, err)
	assert.False(t, dup)

	v2, dup, err := m.RecordViolation(ViolationInput{ViolationID: "v-1", Type: "camera_blocked", Severity: core.SeverityHigh})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, v1, v2)

	s := m.Snapshot()
	assert.Len(t, s.Violations, 1)
	assert.Equal(t, 1, s.ViolationCounts[core.SeverityHigh])

	assert.True(t, m.Acknowledge("v-1"))
	assert.True(t, m.Snapshot().Violations[0].Handled)
}

func TestPrivacy_RetentionModes(t *testing.T) {
	ctx := context.Background()

	raw := newMonitor(Options{})
	_, err := raw.IngestFrame(ctx, clientFrame(1, 1, 0.9, nil))
	require.NoError(t, err)
	rf := raw.Snapshot().RetainedFrames
	require.Len(t, rf, 1)
	assert.Equal(t, []byte("jpeg-bytes"), rf[0].Data)

	anon := newMonitor(Options{Privacy: PrivacySettings{AnonymizeFrames: true}})
	_, err = anon.IngestFrame(ctx, clientFrame(1, 1, 0.9, nil))
	require.NoError(t, err)
	rf = anon.Snapshot().RetainedFrames
	require.Len(t, rf, 1)
	assert.Nil(t, rf[0].Data)
	assert.Len(t, rf[0].Digest, 64)
	assert.Equal(t, 1.0, rf[0].Features["faces"])

	minimal := newMonitor(Options{Privacy: PrivacySettings{DataMinimization: true}})
	_, err = minimal.IngestFrame(ctx, clientFrame(1, 1, 0.9, nil))
	require.NoError(t, err)
	rf = minimal.Snapshot().RetainedFrames
	require.Len(t, rf, 1)
	assert.Nil(t, rf[0].Data)
	assert.Empty(t, rf[0].Digest)
	assert.NotEmpty(t, rf[0].Features)
}

func TestPrivacy_RetentionIsBoundedAndScrubbed(t *testing.T) {
	m := newMonitor(Options{})
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		_, err := m.IngestFrame(ctx, clientFrame(i, 1, 0.9, nil))
		require.NoError(t, err)
	}
	rf := m.Snapshot().RetainedFrames
	require.Len(t, rf, 3)
	assert.Equal(t, int64(3), rf[0].FrameNumber)

	require.NoError(t, m.UpdatePrivacy(PrivacySettings{AnonymizeFrames: true}))
	for _, f := range m.Snapshot().RetainedFrames {
		assert.Nil(t, f.Data)
		assert.NotEmpty(t, f.Digest)
	}
}

func TestTerminate_IsAbsorbing(t *testing.T) {
	m := newMonitor(Options{})
	assert.True(t, m.Terminate("completed"))
	assert.False(t, m.Terminate("completed"))

	_, err := m.IngestFrame(context.Background(), clientFrame(1, 1, 0.9, nil))
	assert.ErrorIs(t, err, core.ErrSessionTerminated)
	_, _, err = m.RecordViolation(ViolationInput{Type: "x", Severity: core.SeverityLow})
	assert.ErrorIs(t, err, core.ErrSessionTerminated)

	s := m.Snapshot()
	assert.Equal(t, StatusTerminated, s.Status)
	assert.NotNil(t, s.EndTime)
}
