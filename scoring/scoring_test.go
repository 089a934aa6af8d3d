package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	return s
}

func ind(typ string, impact float64, sev models.Severity) models.FraudIndicator {
	return models.FraudIndicator{Type: typ, Impact: impact, Severity: sev}
}

func TestScoreWeightsBySeverity(t *testing.T) {
	s := newScorer(t)

	score, level := s.Score([]models.FraudIndicator{
		ind("velocity", 40, models.SeverityHigh),       // 30
		ind("geographic_risk", 20, models.SeverityLow), // 5
	})
	assert.InDelta(t, 35.0, score, 0.001)
	assert.Equal(t, models.RiskMedium, level)
}

func TestScoreCapsAt100(t *testing.T) {
	s := newScorer(t)

	score, level := s.Score([]models.FraudIndicator{
		ind("ip_reputation", 100, models.SeverityCritical),
		ind("velocity", 90, models.SeverityCritical),
	})
	assert.Equal(t, 100.0, score)
	assert.Equal(t, models.RiskCritical, level)
}

func TestScoreEmptyIsLow(t *testing.T) {
	s := newScorer(t)
	score, level := s.Score(nil)
	assert.Zero(t, score)
	assert.Equal(t, models.RiskLow, level)
}

func TestScoreDeduplicatesSameType(t *testing.T) {
	s := newScorer(t)

	score, _ := s.Score([]models.FraudIndicator{
		ind("velocity", 30, models.SeverityHigh),
		ind("velocity", 75, models.SeverityHigh),
		ind("velocity", 10, models.SeverityHigh),
	})
	assert.InDelta(t, 56.25, score, 0.001)
}

func TestScoreMonotonicInImpact(t *testing.T) {
	s := newScorer(t)
	others := []models.FraudIndicator{
		ind("geographic_risk", 30, models.SeverityMedium),
		ind("pattern_anomaly", 45, models.SeverityMedium),
	}

	prev := -1.0
	for impact := 0.0; impact <= 100; impact += 2.5 {
		set := append([]models.FraudIndicator{ind("velocity", impact, models.SeverityHigh)}, others...)
		score, _ := s.Score(set)
		assert.GreaterOrEqual(t, score, prev, "impact %.1f", impact)
		prev = score
	}

	prev = -1.0
	for impact := 0.0; impact <= 100; impact += 5 {
		dup := []models.FraudIndicator{ind("velocity", 50, models.SeverityHigh), ind("velocity", impact, models.SeverityHigh)}
		score, _ := s.Score(dup)
		assert.GreaterOrEqual(t, score, prev, "duplicate impact %.1f", impact)
		prev = score
	}
}

func TestLevelThresholds(t *testing.T) {
	s := newScorer(t)
	tests := []struct {
		score float64
		want  models.FraudRiskLevel
	}{
		{0, models.RiskLow},
		{24.99, models.RiskLow},
		{25, models.RiskMedium},
		{49.99, models.RiskMedium},
		{50, models.RiskHigh},
		{79.99, models.RiskHigh},
		{80, models.RiskCritical},
		{100, models.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Level(tt.score), "score %.2f", tt.score)
	}
}

func TestCustomThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{Medium: 10, High: 20, Critical: 30}
	s, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, models.RiskCritical, s.Level(30))
	assert.Equal(t, models.RiskHigh, s.Level(25))
}

func TestValidateRejectsBadTables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeverityWeights[models.SeverityHigh] = 0.1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	delete(cfg.SeverityWeights, models.SeverityLow)
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Thresholds = Thresholds{Medium: 50, High: 40, Critical: 80}
	assert.Error(t, cfg.Validate())

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestDedupeTieGoesToHigherSeverity(t *testing.T) {
	out := Dedupe([]models.FraudIndicator{
		ind("velocity", 50, models.SeverityMedium),
		ind("geographic_risk", 10, models.SeverityLow),
		ind("velocity", 50, models.SeverityCritical),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "velocity", out[0].Type)
	assert.Equal(t, models.SeverityCritical, out[0].Severity)
}
