package core

// Risk band thresholds on an accumulated violation score. Every monitor
// classifies through these so that a "high" means the same thing everywhere.
const (
	BandMedium   = 10.0
	BandHigh     = 25.0
	BandCritical = 50.0
)

// RiskFromViolationScore maps a severity-weighted violation score to a band.
// Boundaries are inclusive: 10 is medium, 25 is high, 50 is critical.
func RiskFromViolationScore(score float64) RiskLevel {
	switch {
	case score >= BandCritical:
		return RiskCritical
	case score >= BandHigh:
		return RiskHigh
	case score >= BandMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskFromIntegrityScore classifies a 0-100 integrity score (100 = clean)
// by applying the same bands to its deficit.
func RiskFromIntegrityScore(score float64) RiskLevel {
	return RiskFromViolationScore(100 - ClampScore(score))
}
