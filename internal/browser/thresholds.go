package browser

import (
	"fmt"
	"time"
)

// Action is the outcome of a violation threshold check.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionWarning   Action = "warning"
	ActionTerminate Action = "terminate"
)

// ReasonAutoTerminated prefixes the termination reason of a session ended
// by its violation policy.
const ReasonAutoTerminated = "auto_terminated"

// ThresholdDecision tells the caller what the violation policy asks for.
type ThresholdDecision struct {
	Action         Action `json:"action"`
	Reason         string `json:"reason,omitempty"`
	ViolationCount int    `json:"violationCount"`
}

// EvaluateThresholds applies the session's violation policy to its current
// state. Within the grace period a termination-level count only warns.
func EvaluateThresholds(s State, now time.Time) ThresholdDecision {
	p := s.ViolationPolicy
	d := ThresholdDecision{Action: ActionContinue, ViolationCount: s.ViolationCount}

	if s.Status == StatusTerminated {
		d.Action = ActionTerminate
		d.Reason = s.TerminationReason
		return d
	}

	if p.AutoTerminate && p.TerminationThreshold > 0 && s.ViolationCount >= p.TerminationThreshold {
		grace := time.Duration(p.GracePeriodSeconds) * time.Second
		if grace > 0 && now.Sub(s.StartTime) < grace {
			d.Action = ActionWarning
			d.Reason = fmt.Sprintf("termination threshold %d reached during %s grace period",
				p.TerminationThreshold, grace)
			return d
		}
		d.Action = ActionTerminate
		d.Reason = fmt.Sprintf("violation count %d reached termination threshold %d",
			s.ViolationCount, p.TerminationThreshold)
		return d
	}

	if p.WarningThreshold > 0 && s.ViolationCount >= p.WarningThreshold {
		d.Action = ActionWarning
		d.Reason = fmt.Sprintf("violation count %d reached warning threshold %d",
			s.ViolationCount, p.WarningThreshold)
	}
	return d
}
