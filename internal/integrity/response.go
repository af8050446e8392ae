package integrity

import "math"

// ResponseBreakdown splits the time spent on one question.
type ResponseBreakdown struct {
	ThinkTimeMs  float64 `json:"thinkTimeMs" validate:"gte=0"`
	TypeTimeMs   float64 `json:"typeTimeMs" validate:"gte=0"`
	ReviewTimeMs float64 `json:"reviewTimeMs" validate:"gte=0"`
	AnswerLength int     `json:"answerLength" validate:"gte=0"`
}

// ResponseExpectations are the bounds a genuine answer is expected to respect.
type ResponseExpectations struct {
	MinThinkTimeMs    float64
	MaxCharsPerSecond float64
	MinReviewTimeMs   float64
}

// Response-time flags.
const (
	FlagInsufficientThinkTime = "insufficient_think_time"
	FlagImplausibleTypingRate = "implausible_typing_rate"
	FlagNoReview              = "no_review"
)

// ScoreResponse grades a response-time breakdown, 100 meaning nothing unusual.
func ScoreResponse(b ResponseBreakdown, e ResponseExpectations) (float64, []string) {
	score := 100.0
	var flags []string

	if b.AnswerLength > 0 && b.ThinkTimeMs < e.MinThinkTimeMs {
		score -= 30
		flags = append(flags, FlagInsufficientThinkTime)
	}

	if e.MaxCharsPerSecond > 0 && b.AnswerLength > 20 {
		implausible := b.TypeTimeMs <= 0
		if !implausible {
			implausible = float64(b.AnswerLength)/(b.TypeTimeMs/1000) > e.MaxCharsPerSecond
		}
		if implausible {
			score -= 40
			flags = append(flags, FlagImplausibleTypingRate)
		}
	}

	if b.AnswerLength > 0 && b.ReviewTimeMs < e.MinReviewTimeMs {
		score -= 10
		flags = append(flags, FlagNoReview)
	}
	return math.Max(0, score), flags
}
