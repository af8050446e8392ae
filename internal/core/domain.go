// Package core holds the vocabulary shared by every proctoring monitor:
// severities, risk levels, the monitored components and the error taxonomy.
package core

import (
	"fmt"
	"strings"
)

// Severity grades a recorded violation or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the violation-score contribution of a severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 15
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	return s.Weight() > 0
}

// ParseSeverity converts wire input into a Severity.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "severity", Message: fmt.Sprintf("invalid severity %q", raw)}
	}
	return s, nil
}

// RiskLevel is the four-band classification used across all monitors.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown values rank as low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// ParseRiskLevel converts wire input into a RiskLevel.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return r, nil
	}
	return "", &ValidationError{Field: "risk_level", Message: fmt.Sprintf("invalid risk level %q", raw)}
}

// MaxRisk returns the most severe of the given levels, or RiskLow when empty.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// Component identifies one of the three monitors of a session.
type Component int

const (
	ComponentBrowser Component = iota
	ComponentWebcam
	ComponentAI
)

func (c Component) String() string {
	switch c {
	case ComponentBrowser:
		return "browser"
	case ComponentWebcam:
		return "webcam"
	case ComponentAI:
		return "ai"
	default:
		return "unknown"
	}
}

// MarshalText renders the component by name in JSON payloads.
func (c Component) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a component name.
func (c *Component) UnmarshalText(b []byte) error {
	parsed, err := ParseComponent(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseComponent is the only place a component name is interpreted.
// Everything past the I/O boundary switches on the enum.
func ParseComponent(raw string) (Component, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "browser", "browser_lockdown", "lockdown":
		return ComponentBrowser, nil
	case "webcam", "presence", "webcam_monitoring":
		return ComponentWebcam, nil
	case "ai", "ai_integrity", "integrity":
		return ComponentAI, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedComponent, raw)
}

// SecurityLevel summarises which optional monitors a session runs.
type SecurityLevel string

const (
	SecurityMedium  SecurityLevel = "medium"
	SecurityHigh    SecurityLevel = "high"
	SecurityMaximum SecurityLevel = "maximum"
)

// SecurityLevelFor derives the level from the enabled optional monitors.
func SecurityLevelFor(webcam, ai bool) SecurityLevel {
	switch {
	case webcam && ai:
		return SecurityMaximum
	case webcam || ai:
		return SecurityHigh
	default:
		return SecurityMedium
	}
}

// ClampScore bounds a score to [0,100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
