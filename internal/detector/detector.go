// Package detector defines the pluggable analysis backends the monitors
// depend on: frame analysis for presence tracking and text similarity for
// plagiarism checks. Implementations may be in-process or remote.
package detector

import (
	"context"
	"errors"
	"time"
)

// ErrNoAnalysis is returned when a frame carries nothing an analyzer can use.
var ErrNoAnalysis = errors.New("no frame analysis available")

// Frame is one webcam frame submitted for analysis.
type Frame struct {
	SessionID   string
	FrameNumber int64
	Timestamp   time.Time
	Data        []byte
	// ClientAnalysis is set when the browser ran detection locally.
	ClientAnalysis *FrameAnalysis
}

// FrameAnalysis is a detector's verdict on one frame.
type FrameAnalysis struct {
	FacesDetected int                `json:"facesDetected"`
	Confidence    float64            `json:"confidence"`
	EyesDetected  bool               `json:"eyesDetected"`
	GazeOnScreen  *bool              `json:"gazeOnScreen,omitempty"`
	HeadPose      map[string]float64 `json:"headPose,omitempty"`
	Features      map[string]float64 `json:"features,omitempty"`
}

// FrameAnalyzer inspects a frame for face presence and gaze.
type FrameAnalyzer interface {
	AnalyzeFrame(ctx context.Context, frame Frame) (FrameAnalysis, error)
}

// SimilarityQuery asks how close an answer is to known texts.
type SimilarityQuery struct {
	AssessmentID string
	QuestionID   string
	SessionID    string
	Text         string
}

// SimilarityMatch is one corpus entry the answer resembles.
type SimilarityMatch struct {
	Source     string  `json:"source"`
	Similarity float64 `json:"similarity"`
}

// SimilarityResult holds the best similarity in [0,1] and the matches found.
type SimilarityResult struct {
	MaxSimilarity float64           `json:"maxSimilarity"`
	Matches       []SimilarityMatch `json:"matches,omitempty"`
}

// SimilarityChecker scores an answer against a corpus.
type SimilarityChecker interface {
	Check(ctx context.Context, q SimilarityQuery) (SimilarityResult, error)
}

// Corpus accepts texts that later answers are compared with. Checkers that
// keep their own corpus implement it.
type Corpus interface {
	Add(assessmentID, questionID, source, text string)
}

// Observer receives the outcome of every detector call.
type Observer interface {
	ObserveDetector(name string, elapsed time.Duration, err error)
}
