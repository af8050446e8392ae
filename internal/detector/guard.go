package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/ocx/proctor/internal/circuitbreaker"
	"github.com/ocx/proctor/internal/core"
)

// Detector names used for breakers and metrics.
const (
	NameFrameAnalysis = circuitbreaker.FrameAnalysis
	NameSimilarity    = circuitbreaker.Similarity
)

// Guard bounds every detector call with a timeout and a circuit breaker.
// Any failure comes back wrapped in core.ErrAnalysisUnavailable.
type Guard struct {
	Breakers *circuitbreaker.Manager
	Timeout  time.Duration
	Observer Observer
}

func (g *Guard) call(ctx context.Context, name string, fn func(context.Context) error) error {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	if g.Breakers != nil {
		_, err = circuitbreaker.Execute(ctx, g.Breakers.Get(name), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
	} else {
		err = fn(ctx)
	}
	if g.Observer != nil {
		g.Observer.ObserveDetector(name, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrAnalysisUnavailable, name, err)
	}
	return nil
}

// GuardedFrameAnalyzer wraps a FrameAnalyzer with a Guard.
type GuardedFrameAnalyzer struct {
	Inner FrameAnalyzer
	Guard *Guard
}

// AnalyzeFrame implements FrameAnalyzer.
func (g GuardedFrameAnalyzer) AnalyzeFrame(ctx context.Context, frame Frame) (FrameAnalysis, error) {
	var out FrameAnalysis
	err := g.Guard.call(ctx, NameFrameAnalysis, func(ctx context.Context) error {
		var err error
		out, err = g.Inner.AnalyzeFrame(ctx, frame)
		return err
	})
	return out, err
}

// GuardedSimilarityChecker wraps a SimilarityChecker with a Guard. It
// forwards corpus additions when the inner checker keeps a corpus.
type GuardedSimilarityChecker struct {
	Inner SimilarityChecker
	Guard *Guard
}

// Check implements SimilarityChecker.
func (g GuardedSimilarityChecker) Check(ctx context.Context, q SimilarityQuery) (SimilarityResult, error) {
	var out SimilarityResult
	err := g.Guard.call(ctx, NameSimilarity, func(ctx context.Context) error {
		var err error
		out, err = g.Inner.Check(ctx, q)
		return err
	})
	return out, err
}

// Add implements Corpus.
func (g GuardedSimilarityChecker) Add(assessmentID, questionID, source, text string) {
	if c, ok := g.Inner.(Corpus); ok {
		c.Add(assessmentID, questionID, source, text)
	}
}
