package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskFromViolationScore_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{0, RiskLow},
		{9, RiskLow},
		{9.99, RiskLow},
		{10, RiskMedium},
		{24, RiskMedium},
		{25, RiskHigh},
		{49, RiskHigh},
		{50, RiskCritical},
		{150, RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskFromViolationScore(tt.score), "score %.2f", tt.score)
	}
}

func TestRiskFromIntegrityScore(t *testing.T) {
	assert.Equal(t, RiskLow, RiskFromIntegrityScore(100))
	assert.Equal(t, RiskLow, RiskFromIntegrityScore(91))
	assert.Equal(t, RiskMedium, RiskFromIntegrityScore(90))
	assert.Equal(t, RiskHigh, RiskFromIntegrityScore(75))
	assert.Equal(t, RiskCritical, RiskFromIntegrityScore(50))
	assert.Equal(t, RiskCritical, RiskFromIntegrityScore(-20))
}

func TestSeverityWeights(t *testing.T) {
	assert.Equal(t, 1.0, SeverityLow.Weight())
	assert.Equal(t, 3.0, SeverityMedium.Weight())
	assert.Equal(t, 7.0, SeverityHigh.Weight())
	assert.Equal(t, 15.0, SeverityCritical.Weight())
	assert.False(t, Severity("severe").Valid())

	_, err := ParseSeverity("extreme")
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	s, err := ParseSeverity(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)
}

func TestMaxRisk(t *testing.T) {
	assert.Equal(t, RiskLow, MaxRisk())
	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh, RiskMedium))
	assert.Equal(t, RiskCritical, MaxRisk(RiskCritical, RiskHigh))
}

func TestParseComponent(t *testing.T) {
	c, err := ParseComponent("webcam")
	require.NoError(t, err)
	assert.Equal(t, ComponentWebcam, c)

	c, err = ParseComponent("AI")
	require.NoError(t, err)
	assert.Equal(t, ComponentAI, c)

	_, err = ParseComponent("microphone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedComponent))
}

func TestComponentJSON(t *testing.T) {
	payload, err := json.Marshal(map[string]Component{"component": ComponentAI})
	require.NoError(t, err)
	assert.JSONEq(t, `{"component":"ai"}`, string(payload))

	var decoded struct {
		Component Component `json:"component"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"component":"webcam"}`), &decoded))
	assert.Equal(t, ComponentWebcam, decoded.Component)
}

func TestSecurityLevelFor(t *testing.T) {
	assert.Equal(t, SecurityMaximum, SecurityLevelFor(true, true))
	assert.Equal(t, SecurityHigh, SecurityLevelFor(true, false))
	assert.Equal(t, SecurityHigh, SecurityLevelFor(false, true))
	assert.Equal(t, SecurityMedium, SecurityLevelFor(false, false))
}
