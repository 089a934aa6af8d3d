// Package insights rolls recorded assessments, reports and rate-limit
// activity up into the SecurityInsights served to administrators.
package insights

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// CheckSummary aggregates rate limit checks over a period.
type CheckSummary struct {
	Total           int
	Limited         int
	TotalByAction   map[string]int
	LimitedByAction map[string]int
}

// Source is the history an Aggregator reads. Recorder is the in-memory
// implementation.
type Source interface {
	Assessments(ctx context.Context, scope string, since time.Time) ([]models.FraudAssessment, error)
	Reports(ctx context.Context, scope string, since time.Time) ([]models.SuspiciousActivityReport, error)
	RateLimitEvents(ctx context.Context, since time.Time) ([]models.RateLimitEvent, error)
	RateLimitCounts(ctx context.Context, since time.Time) (CheckSummary, error)
}

// BlockLister exposes the active blocklist.
type BlockLister interface {
	ListActive(ctx context.Context) ([]models.BlockedEntity, error)
}

type Config struct {
	TopThreats         int
	RecentEvents       int
	CountryWeights     map[string]float64
	BlockCountryWeight float64
}

func DefaultConfig() Config {
	return Config{
		TopThreats:         5,
		RecentEvents:       10,
		BlockCountryWeight: 80,
	}
}

var threatDescriptions = map[string]string{
	models.IndicatorVelocity:       "Unusually fast repetition of the same action",
	models.IndicatorIPReputation:   "Traffic from blocklisted or denied addresses",
	models.IndicatorPatternAnomaly: "Actions out of the expected sequence or replayed",
	models.IndicatorGeographicRisk: "Traffic from high risk regions",
	models.IndicatorDeviceAnomaly:  "Automated clients or device churn",
	models.IndicatorReportedAbuse:  "Activity reported as suspicious",
}

type Aggregator struct {
	src    Source
	blocks BlockLister
	cfg    Config
}

func NewAggregator(src Source, blocks BlockLister, cfg Config) *Aggregator {
	def := DefaultConfig()
	if cfg.TopThreats <= 0 {
		cfg.TopThreats = def.TopThreats
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = def.RecentEvents
	}
	if cfg.BlockCountryWeight <= 0 {
		cfg.BlockCountryWeight = def.BlockCountryWeight
	}
	weights := make(map[string]float64, len(cfg.CountryWeights))
	for c, w := range cfg.CountryWeights {
		weights[strings.ToUpper(c)] = w
	}
	cfg.CountryWeights = weights
	return &Aggregator{src: src, blocks: blocks, cfg: cfg}
}

// Compute builds the rollup for scope over [since, now]. An empty scope
// covers everything. Every day in the range gets a trend row, zero-filled
// when nothing happened.
func (a *Aggregator) Compute(ctx context.Context, scope string, since, now time.Time) (*models.SecurityInsights, error) {
	if now.Before(since) {
		return nil, fmt.Errorf("insights range ends before it starts: %s < %s", now, since)
	}
	assessments, err := a.src.Assessments(ctx, scope, since)
	if err != nil {
		return nil, fmt.Errorf("load assessments: %w", err)
	}
	reports, err := a.src.Reports(ctx, scope, since)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	rateEvents, err := a.src.RateLimitEvents(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load rate limit events: %w", err)
	}
	checks, err := a.src.RateLimitCounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load rate limit counts: %w", err)
	}
	var blocked []models.BlockedEntity
	if a.blocks != nil {
		if blocked, err = a.blocks.ListActive(ctx); err != nil {
			return nil, fmt.Errorf("load active blocks: %w", err)
		}
	}

	out := &models.SecurityInsights{
		ScopeID:              scope,
		SuspiciousActivities: len(reports),
		GeneratedAt:          now,
	}

	var scoreSum float64
	for _, as := range assessments {
		scoreSum += as.RiskScore
		if as.Decision != models.DecisionAllow {
			out.TotalSecurityEvents++
		}
		if as.Decision == models.DecisionBlock {
			out.BlockedAttempts++
		}
	}
	out.TotalSecurityEvents += len(reports)
	if len(assessments) > 0 {
		out.AverageFraudScore = round2(scoreSum / float64(len(assessments)))
	}

	out.TrendData = trend(assessments, reports, since, now)
	out.TopThreats = a.topThreats(assessments, reports, blocked)
	out.GeographicRisks = a.geography(assessments)
	out.RateLimitingStats = a.rateStats(checks, rateEvents)
	out.Recommendations = a.recommend(out, len(assessments))
	return out, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func trend(assessments []models.FraudAssessment, reports []models.SuspiciousActivityReport, since, now time.Time) []models.SecurityTrend {
	days := clock.Days(since, now)
	rows := make([]models.SecurityTrend, len(days))
	index := make(map[time.Time]int, len(days))
	for i, d := range days {
		rows[i].Date = d
		index[d] = i
	}

	sums := make([]float64, len(days))
	counts := make([]int, len(days))
	for _, as := range assessments {
		i, ok := index[clock.Day(as.AssessedAt)]
		if !ok {
			continue
		}
		sums[i] += as.RiskScore
		counts[i]++
		if as.Decision != models.DecisionAllow {
			rows[i].SecurityEvents++
		}
		if as.Decision == models.DecisionBlock {
			rows[i].BlockedAttempts++
		}
	}
	for _, r := range reports {
		if i, ok := index[clock.Day(r.ReportedAt)]; ok {
			rows[i].SecurityEvents++
		}
	}
	for i := range rows {
		if counts[i] > 0 {
			rows[i].AverageRiskScore = round2(sums[i] / float64(counts[i]))
		}
	}
	return rows
}

type threatTally struct {
	count     int
	mitigated int
	lastSeen  time.Time
}

func (a *Aggregator) topThreats(assessments []models.FraudAssessment, reports []models.SuspiciousActivityReport, blocked []models.BlockedEntity) []models.TopThreat {
	tallies := make(map[string]*threatTally)
	tally := func(typ string, at time.Time, mitigated bool) {
		t, ok := tallies[typ]
		if !ok {
			t = &threatTally{}
			tallies[typ] = t
		}
		t.count++
		if mitigated {
			t.mitigated++
		}
		if at.After(t.lastSeen) {
			t.lastSeen = at
		}
	}

	for _, as := range assessments {
		mitigated := as.Decision == models.DecisionBlock || as.Decision == models.DecisionChallenge
		seen := make(map[string]bool, len(as.Indicators))
		for _, ind := range as.Indicators {
			if seen[ind.Type] {
				continue
			}
			seen[ind.Type] = true
			tally(ind.Type, as.AssessedAt, mitigated)
		}
	}

	blockedIPs := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		if b.Type == models.EntityIP {
			blockedIPs[b.Value] = true
		}
	}
	for _, r := range reports {
		tally(models.IndicatorReportedAbuse, r.ReportedAt, r.IPAddress != "" && blockedIPs[strings.ToLower(r.IPAddress)])
	}

	out := make([]models.TopThreat, 0, len(tallies))
	for typ, t := range tallies {
		desc, ok := threatDescriptions[typ]
		if !ok {
			desc = typ
		}
		out = append(out, models.TopThreat{
			ThreatType:       typ,
			Count:            t.count,
			Description:      desc,
			LastSeen:         t.lastSeen,
			MitigationStatus: mitigationStatus(t),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ThreatType < out[j].ThreatType
	})
	if len(out) > a.cfg.TopThreats {
		out = out[:a.cfg.TopThreats]
	}
	return out
}

func mitigationStatus(t *threatTally) string {
	switch {
	case t.mitigated == 0:
		return "Monitoring"
	case t.mitigated < t.count:
		return "Partially Mitigated"
	}
	return "Mitigated"
}

type geoKey struct{ country, city string }

func (a *Aggregator) geography(assessments []models.FraudAssessment) []models.GeoSecurityData {
	type acc struct {
		threats int
		sum     float64
		n       int
	}
	byPlace := make(map[geoKey]*acc)
	for _, as := range assessments {
		if as.Country == "" {
			continue
		}
		k := geoKey{strings.ToUpper(as.Country), as.City}
		g, ok := byPlace[k]
		if !ok {
			g = &acc{}
			byPlace[k] = g
		}
		g.n++
		g.sum += as.RiskScore
		if as.Decision != models.DecisionAllow {
			g.threats++
		}
	}

	out := make([]models.GeoSecurityData, 0, len(byPlace))
	for k, g := range byPlace {
		out = append(out, models.GeoSecurityData{
			Country:     k.country,
			City:        k.city,
			ThreatCount: g.threats,
			RiskScore:   round2(g.sum / float64(g.n)),
			IsBlocked:   a.cfg.CountryWeights[k.country] >= a.cfg.BlockCountryWeight,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		switch {
		case out[i].ThreatCount != out[j].ThreatCount:
			return out[i].ThreatCount > out[j].ThreatCount
		case out[i].RiskScore != out[j].RiskScore:
			return out[i].RiskScore > out[j].RiskScore
		case out[i].Country != out[j].Country:
			return out[i].Country < out[j].Country
		}
		return out[i].City < out[j].City
	})
	return out
}

func (a *Aggregator) rateStats(checks CheckSummary, events []models.RateLimitEvent) models.RateLimitingStats {
	stats := models.RateLimitingStats{
		TotalRequests:   checks.Total,
		LimitedRequests: checks.Limited,
		ActionBreakdown: make(map[string]int, len(checks.LimitedByAction)),
		RecentEvents:    []models.RateLimitEvent{},
	}
	if checks.Total > 0 {
		stats.LimitingRate = round2(float64(checks.Limited) / float64(checks.Total) * 100)
	}
	for action, n := range checks.LimitedByAction {
		if n > 0 {
			stats.ActionBreakdown[action] = n
		}
	}
	for i := len(events) - 1; i >= 0 && len(stats.RecentEvents) < a.cfg.RecentEvents; i-- {
		if events[i].WasBlocked {
			stats.RecentEvents = append(stats.RecentEvents, events[i])
		}
	}
	return stats
}

// recommend derives follow-ups from a finished rollup. Output is ordered by
// priority, highest first, then by type.
func (a *Aggregator) recommend(in *models.SecurityInsights, assessed int) []models.SecurityRecommendation {
	out := []models.SecurityRecommendation{}

	if in.AverageFraudScore >= 50 {
		out = append(out, models.SecurityRecommendation{
			Type:        "fraud_pressure",
			Title:       "Sustained high fraud scores",
			Description: fmt.Sprintf("Average fraud score is %.2f over the period", in.AverageFraudScore),
			Priority:    models.SeverityCritical,
			Actions:     []string{"Review recent blocks", "Lower risk thresholds for destructive actions"},
			Impact:      "Reduces losses from ongoing abuse",
		})
	}
	if rl := in.RateLimitingStats; rl.TotalRequests > 0 && rl.LimitingRate >= 10 {
		out = append(out, models.SecurityRecommendation{
			Type:        "rate_limiting",
			Title:       "High rate limiting rate",
			Description: fmt.Sprintf("%.2f%% of checked requests were limited", rl.LimitingRate),
			Priority:    models.SeverityHigh,
			Actions:     []string{"Investigate top limited actions", "Block repeat offenders"},
			Impact:      "Frees capacity held by abusive clients",
		})
	}
	if assessed > 0 && float64(in.BlockedAttempts)/float64(assessed) >= 0.1 {
		out = append(out, models.SecurityRecommendation{
			Type:        "blocking",
			Title:       "Frequent blocked attempts",
			Description: fmt.Sprintf("%d of %d assessments were blocked", in.BlockedAttempts, assessed),
			Priority:    models.SeverityHigh,
			Actions:     []string{"Audit blocklist entries", "Confirm blocks are not hitting legitimate users"},
			Impact:      "Keeps false positives in check",
		})
	}
	if len(in.TopThreats) > 0 {
		top := in.TopThreats[0]
		if top.MitigationStatus != "Mitigated" {
			out = append(out, models.SecurityRecommendation{
				Type:        "threat_" + top.ThreatType,
				Title:       "Unmitigated top threat",
				Description: fmt.Sprintf("%s seen %d times, status %s", top.ThreatType, top.Count, top.MitigationStatus),
				Priority:    models.SeverityMedium,
				Actions:     []string{"Add a rule for " + top.ThreatType},
				Impact:      "Closes the most frequent gap",
			})
		}
	}
	var regions []string
	for _, g := range in.GeographicRisks {
		if g.ThreatCount > 0 && !g.IsBlocked && g.RiskScore >= 50 {
			regions = append(regions, g.Country)
		}
	}
	if len(regions) > 0 {
		out = append(out, models.SecurityRecommendation{
			Type:        "geographic",
			Title:       "High risk regions",
			Description: "Elevated scores from " + strings.Join(dedupe(regions), ", "),
			Priority:    models.SeverityMedium,
			Actions:     []string{"Raise country weights", "Require verification for these regions"},
			Impact:      "Targets friction at risky regions only",
		})
	}
	if in.SuspiciousActivities > 0 {
		out = append(out, models.SecurityRecommendation{
			Type:        "reports",
			Title:       "Review suspicious activity reports",
			Description: fmt.Sprintf("%d reports received", in.SuspiciousActivities),
			Priority:    models.SeverityLow,
			Actions:     []string{"Triage open reports"},
			Impact:      "Feeds confirmed abuse back into the blocklist",
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if pi, pj := out[i].Priority.Rank(), out[j].Priority.Rank(); pi != pj {
			return pi > pj
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
