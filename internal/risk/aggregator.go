// Package risk combines the per-monitor states of a session into a single
// risk assessment with reviewer recommendations.
package risk

import (
	"strings"

	"github.com/ocx/proctor/internal/browser"
	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/integrity"
	"github.com/ocx/proctor/internal/presence"
)

// Browser integrity thresholds used when aggregating.
const (
	browserCriticalBelow = 50.0
	browserHighBelow     = 70.0
	manualReviewBelow    = 70.0
	highViolationCount   = 5
)

// Recommendation texts.
const (
	RecManualReview       = "Manual review recommended: browser integrity score below 70"
	RecHighViolationCount = "High violation count requires investigation"
	RecCriticalWebcam     = "Critical webcam violation detected: verify candidate identity and environment"
	RecAIIntegrity        = "AI integrity analysis indicates elevated risk: review submitted answers"
	RecTerminated         = "Session was terminated by policy: confirm before accepting results"
	RecAcceptable         = "Session integrity acceptable: no further action required"
)

// Assessment is the aggregated view of a session's risk.
type Assessment struct {
	RiskLevel       core.RiskLevel `json:"riskLevel"`
	TotalViolations int            `json:"totalViolations"`
	Recommendations []string       `json:"recommendations"`
}

// FromViolationScore classifies an accumulated violation score.
func FromViolationScore(score float64) core.RiskLevel {
	return core.RiskFromViolationScore(score)
}

// FromIntegrityScore classifies a 0-100 integrity score.
func FromIntegrityScore(score float64) core.RiskLevel {
	return core.RiskFromIntegrityScore(score)
}

// browserRisk is the worse of the monitor's own band and the integrity rule.
func browserRisk(b *browser.State) core.RiskLevel {
	level := b.RiskLevel
	switch {
	case b.IntegrityScore < browserCriticalBelow:
		level = core.MaxRisk(level, core.RiskCritical)
	case b.IntegrityScore < browserHighBelow:
		level = core.MaxRisk(level, core.RiskHigh)
	}
	return level
}

// Aggregate folds whichever monitors are present into one assessment. It
// reads the states only. Absent monitors contribute nothing, and with no
// signal at all the result is low.
func Aggregate(b *browser.State, w *presence.State, ai *integrity.State) Assessment {
	a := Assessment{RiskLevel: core.RiskLow}
	var recs []string

	if b != nil {
		a.TotalViolations += len(b.SecurityEvents)
		a.RiskLevel = core.MaxRisk(a.RiskLevel, browserRisk(b))
		if b.IntegrityScore < manualReviewBelow {
			recs = append(recs, RecManualReview)
		}
		if b.ViolationCount > highViolationCount {
			recs = append(recs, RecHighViolationCount)
		}
		if strings.HasPrefix(b.TerminationReason, browser.ReasonAutoTerminated) {
			recs = append(recs, RecTerminated)
		}
	}

	if w != nil {
		a.TotalViolations += len(w.Violations)
		for _, v := range w.Violations {
			if v.Severity == core.SeverityCritical {
				a.RiskLevel = core.RiskCritical
				recs = append(recs, RecCriticalWebcam)
				break
			}
		}
	}

	if ai != nil {
		a.TotalViolations += len(ai.RealTimeAlerts)
		level := ai.RiskAssessment.RiskLevel
		a.RiskLevel = core.MaxRisk(a.RiskLevel, level)
		if level.Rank() >= core.RiskHigh.Rank() {
			recs = append(recs, RecAIIntegrity)
		}
	}

	if len(recs) == 0 {
		recs = []string{RecAcceptable}
	}
	a.Recommendations = recs
	return a
}
