package engine

import (
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// Decide applies the fixed priority table; the first matching rule wins.
func Decide(blocklisted, rateLimited, destructive bool, level models.FraudRiskLevel) (models.FraudDecision, string) {
	switch {
	case blocklisted:
		return models.DecisionBlock, models.ReasonBlocklisted
	case rateLimited && destructive:
		return models.DecisionBlock, models.ReasonRateLimitExceeded
	case rateLimited:
		return models.DecisionChallenge, models.ReasonRateLimitExceeded
	case level == models.RiskCritical:
		return models.DecisionBlock, models.ReasonRiskCritical
	case level == models.RiskHigh:
		return models.DecisionReview, models.ReasonRiskHighReview
	case level == models.RiskMedium:
		return models.DecisionChallenge, models.ReasonRiskMediumChallenge
	}
	return models.DecisionAllow, models.ReasonRiskLow
}

type recommendation struct {
	indicator   string
	minSeverity models.Severity
	action      string
}

// Checked in order; the order of RecommendedActions follows this table,
// never the order indicators arrived in. Only the first matching row per
// indicator type applies.
var recommendations = []recommendation{
	{models.IndicatorIPReputation, models.SeverityCritical, "temporary IP block"},
	{models.IndicatorIPReputation, models.SeverityMedium, "monitor IP address"},
	{models.IndicatorVelocity, models.SeverityHigh, "enforce cooldown before retry"},
	{models.IndicatorVelocity, models.SeverityLow, "require CAPTCHA"},
	{models.IndicatorPatternAnomaly, models.SeverityHigh, "require step-up verification"},
	{models.IndicatorPatternAnomaly, models.SeverityLow, "verify action sequence"},
	{models.IndicatorDeviceAnomaly, models.SeverityHigh, "require device verification"},
	{models.IndicatorDeviceAnomaly, models.SeverityLow, "inspect client user agent"},
	{models.IndicatorGeographicRisk, models.SeverityHigh, "require additional identity verification"},
	{models.IndicatorGeographicRisk, models.SeverityLow, "flag region for monitoring"},
}

// Recommend derives follow-up actions from the indicators alone, so the
// same indicators always produce the same list whatever the decision.
func Recommend(indicators []models.FraudIndicator) []string {
	out := []string{}
	matched := make(map[string]bool)
	for _, r := range recommendations {
		if matched[r.indicator] {
			continue
		}
		for _, ind := range indicators {
			if ind.Type == r.indicator && ind.Severity.Rank() >= r.minSeverity.Rank() {
				out = append(out, r.action)
				matched[r.indicator] = true
				break
			}
		}
	}
	return out
}
