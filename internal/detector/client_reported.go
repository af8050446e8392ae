package detector

import "context"

// ClientReportedAnalyzer trusts the detection the browser already ran and
// attached to the frame. It is the default when no remote analyzer is
// configured.
type ClientReportedAnalyzer struct{}

// AnalyzeFrame returns the client's analysis, or ErrNoAnalysis if absent.
func (ClientReportedAnalyzer) AnalyzeFrame(ctx context.Context, frame Frame) (FrameAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return FrameAnalysis{}, err
	}
	if frame.ClientAnalysis == nil {
		return FrameAnalysis{}, ErrNoAnalysis
	}
	a := *frame.ClientAnalysis
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	return a, nil
}
