package detector

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote detector methods. Requests and responses are google.protobuf.Struct
// so detector services need no shared generated code.
const (
	AnalyzeFrameMethod    = "/proctor.detector.v1.FrameAnalyzer/AnalyzeFrame"
	CheckSimilarityMethod = "/proctor.detector.v1.SimilarityService/Check"
)

// GRPCClient is a connection to a remote detector service.
type GRPCClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCClient creates a gRPC client for a detector service.
func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to detector %s: %w", addr, err)
	}
	return newGRPCClient(conn, addr), nil
}

func newGRPCClient(conn *grpc.ClientConn, addr string) *GRPCClient {
	return &GRPCClient{
		conn:   conn,
		addr:   addr,
		logger: slog.Default().With("detector_addr", addr),
	}
}

// Close closes the gRPC connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// GRPCFrameAnalyzer sends frames to a remote face/gaze detector.
type GRPCFrameAnalyzer struct {
	*GRPCClient
}

// AnalyzeFrame implements FrameAnalyzer.
func (a GRPCFrameAnalyzer) AnalyzeFrame(ctx context.Context, frame Frame) (FrameAnalysis, error) {
	if len(frame.Data) == 0 {
		return FrameAnalysis{}, ErrNoAnalysis
	}
	resp, err := a.invoke(ctx, AnalyzeFrameMethod, map[string]any{
		"sessionId":   frame.SessionID,
		"frameNumber": float64(frame.FrameNumber),
		"timestamp":   frame.Timestamp.UTC().Format(time.RFC3339Nano),
		"frameData":   base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return FrameAnalysis{}, err
	}
	return parseFrameAnalysis(resp), nil
}

func parseFrameAnalysis(m map[string]any) FrameAnalysis {
	a := FrameAnalysis{
		FacesDetected: int(number(m["facesDetected"])),
		Confidence:    number(m["confidence"]),
	}
	if v, ok := m["eyesDetected"].(bool); ok {
		a.EyesDetected = v
	}
	if v, ok := m["gazeOnScreen"].(bool); ok {
		a.GazeOnScreen = &v
	}
	a.HeadPose = numberMap(m["headPose"])
	a.Features = numberMap(m["features"])
	return a
}

// GRPCSimilarityChecker asks a remote plagiarism service for similarity.
type GRPCSimilarityChecker struct {
	*GRPCClient
}

// Check implements SimilarityChecker.
func (s GRPCSimilarityChecker) Check(ctx context.Context, q SimilarityQuery) (SimilarityResult, error) {
	resp, err := s.invoke(ctx, CheckSimilarityMethod, map[string]any{
		"assessmentId": q.AssessmentID,
		"questionId":   q.QuestionID,
		"sessionId":    q.SessionID,
		"text":         q.Text,
	})
	if err != nil {
		return SimilarityResult{}, err
	}

	res := SimilarityResult{MaxSimilarity: number(resp["maxSimilarity"])}
	if list, ok := resp["matches"].([]any); ok {
		for _, item := range list {
			mm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			src, _ := mm["source"].(string)
			res.Matches = append(res.Matches, SimilarityMatch{Source: src, Similarity: number(mm["similarity"])})
		}
	}
	if res.MaxSimilarity < 0 || res.MaxSimilarity > 1 {
		s.logger.Warn("similarity out of range, clamping", "value", res.MaxSimilarity)
		res.MaxSimilarity = min(max(res.MaxSimilarity, 0), 1)
	}
	return res, nil
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

func numberMap(v any) map[string]float64 {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, raw := range m {
		if f, ok := raw.(float64); ok {
			out[k] = f
		}
	}
	return out
}
