package insights

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

var day0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func assessment(at time.Time, score float64, d models.FraudDecision, country string, types ...string) models.FraudAssessment {
	a := models.FraudAssessment{
		RequestID:  at.String(),
		RiskScore:  score,
		Decision:   d,
		AssessedAt: at,
		Country:    country,
	}
	for _, t := range types {
		a.Indicators = append(a.Indicators, models.FraudIndicator{Type: t, Impact: score})
	}
	return a
}

type staticBlocks []models.BlockedEntity

func (s staticBlocks) ListActive(context.Context) ([]models.BlockedEntity, error) { return s, nil }

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	assert.Empty(t, r.items())
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.items())
}

func TestRecorderFiltersByScopeAndTime(t *testing.T) {
	rec := NewRecorder(10, 10, 10)
	a := assessment(day0, 10, models.DecisionAllow, "")
	a.ScopeID = "tenant-a"
	b := assessment(day0.Add(time.Hour), 20, models.DecisionAllow, "")
	b.ScopeID = "tenant-b"
	rec.RecordAssessment(a)
	rec.RecordAssessment(b)

	all, err := rec.Assessments(context.Background(), "", day0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, _ := rec.Assessments(context.Background(), "tenant-b", day0)
	require.Len(t, scoped, 1)
	assert.Equal(t, 20.0, scoped[0].RiskScore)

	later, _ := rec.Assessments(context.Background(), "", day0.Add(30*time.Minute))
	assert.Len(t, later, 1)
}

func TestRecorderCountsChecksPerDay(t *testing.T) {
	rec := NewRecorder(0, 0, 0)
	rec.RateLimitChecked("redemption", false, day0.AddDate(0, 0, -2))
	rec.RateLimitChecked("redemption", false, day0)
	rec.RateLimitChecked("redemption", true, day0)
	rec.RateLimitChecked("view", false, day0)

	sum, err := rec.RateLimitCounts(context.Background(), day0)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Limited)
	assert.Equal(t, 2, sum.TotalByAction["redemption"])
	assert.Equal(t, 1, sum.LimitedByAction["redemption"])

	sum, _ = rec.RateLimitCounts(context.Background(), day0.AddDate(0, 0, -3))
	assert.Equal(t, 4, sum.Total)
}

type checkSink struct {
	err     error
	batches [][]DailyChecks
}

func (s *checkSink) AddRateLimitChecks(ctx context.Context, batch []DailyChecks) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func TestFlushChecksHandsOverDeltasOnce(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(0, 0, 0)
	today := clock.Day(day0)
	rec.RateLimitChecked("view", false, day0)
	rec.RateLimitChecked("redemption", true, day0)
	rec.RateLimitChecked("redemption", false, day0)

	sink := &checkSink{err: errors.New("db down")}
	n, err := FlushChecks(ctx, rec, sink)
	assert.Error(t, err)
	assert.Zero(t, n)

	rec.RateLimitChecked("redemption", true, day0)
	sink.err = nil
	n, err = FlushChecks(ctx, rec, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.batches, 1)
	assert.Equal(t, []DailyChecks{
		{Day: today, Action: "redemption", Total: 3, Limited: 2},
		{Day: today, Action: "view", Total: 1},
	}, sink.batches[0])

	n, err = FlushChecks(ctx, rec, sink)
	require.NoError(t, err)
	assert.Zero(t, n)

	sum, _ := rec.RateLimitCounts(ctx, day0)
	assert.Equal(t, 4, sum.Total, "flushing does not touch the local rollup")
}

func TestComputeFillsEmptyDays(t *testing.T) {
	rec := NewRecorder(0, 0, 0)
	since := clock.Day(day0).AddDate(0, 0, -6)
	rec.RecordAssessment(assessment(since.Add(2*time.Hour), 60, models.DecisionBlock, "", models.IndicatorVelocity))
	rec.RecordAssessment(assessment(day0, 20, models.DecisionAllow, ""))
	rec.RecordAssessment(assessment(day0, 40, models.DecisionChallenge, "", models.IndicatorDeviceAnomaly))

	ins, err := NewAggregator(rec, nil, Config{}).Compute(context.Background(), "", since, day0)
	require.NoError(t, err)

	require.Len(t, ins.TrendData, 7)
	assert.Equal(t, since, ins.TrendData[0].Date)
	assert.Equal(t, 1, ins.TrendData[0].BlockedAttempts)
	assert.Equal(t, 60.0, ins.TrendData[0].AverageRiskScore)
	for _, row := range ins.TrendData[1:6] {
		assert.Zero(t, row.SecurityEvents)
		assert.Zero(t, row.AverageRiskScore)
	}
	last := ins.TrendData[6]
	assert.Equal(t, 1, last.SecurityEvents)
	assert.Equal(t, 30.0, last.AverageRiskScore)

	assert.Equal(t, 2, ins.TotalSecurityEvents)
	assert.Equal(t, 1, ins.BlockedAttempts)
	assert.Equal(t, 40.0, ins.AverageFraudScore)
	assert.Equal(t, day0, ins.GeneratedAt)
}

func TestComputeEmptyHistory(t *testing.T) {
	ins, err := NewAggregator(NewRecorder(0, 0, 0), nil, Config{}).Compute(context.Background(), "x", day0, day0)
	require.NoError(t, err)
	assert.Len(t, ins.TrendData, 1)
	assert.Empty(t, ins.TopThreats)
	assert.Empty(t, ins.GeographicRisks)
	assert.Empty(t, ins.Recommendations)
	assert.NotNil(t, ins.Recommendations)
	assert.Zero(t, ins.RateLimitingStats.LimitingRate)
}

func TestComputeRejectsInvertedRange(t *testing.T) {
	_, err := NewAggregator(NewRecorder(0, 0, 0), nil, Config{}).Compute(context.Background(), "", day0, day0.Add(-time.Hour))
	assert.Error(t, err)
}

func TestTopThreatsRankingAndMitigation(t *testing.T) {
	rec := NewRecorder(0, 0, 0)
	for i := 0; i < 3; i++ {
		rec.RecordAssessment(assessment(day0.Add(time.Duration(i)*time.Minute), 60, models.DecisionBlock, "", models.IndicatorVelocity))
	}
	rec.RecordAssessment(assessment(day0, 30, models.DecisionChallenge, "", models.IndicatorDeviceAnomaly))
	rec.RecordAssessment(assessment(day0, 10, models.DecisionAllow, "", models.IndicatorDeviceAnomaly))
	// duplicate types in one assessment count once
	rec.RecordAssessment(assessment(day0, 10, models.DecisionAllow, "", models.IndicatorGeographicRisk, models.IndicatorGeographicRisk))
	rec.RecordReport(models.SuspiciousActivityReport{ActivityType: "scraping", IPAddress: "10.0.0.1", ReportedAt: day0})

	agg := NewAggregator(rec, staticBlocks{{Type: models.EntityIP, Value: "10.0.0.1", IsActive: true}}, Config{TopThreats: 3})
	ins, err := agg.Compute(context.Background(), "", clock.Day(day0), day0)
	require.NoError(t, err)

	require.Len(t, ins.TopThreats, 3)
	assert.Equal(t, models.IndicatorVelocity, ins.TopThreats[0].ThreatType)
	assert.Equal(t, 3, ins.TopThreats[0].Count)
	assert.Equal(t, "Mitigated", ins.TopThreats[0].MitigationStatus)
	assert.Equal(t, day0.Add(2*time.Minute), ins.TopThreats[0].LastSeen)

	assert.Equal(t, models.IndicatorDeviceAnomaly, ins.TopThreats[1].ThreatType)
	assert.Equal(t, "Partially Mitigated", ins.TopThreats[1].MitigationStatus)

	// geographic_risk and reported_abuse tie at 1; name order breaks it
	assert.Equal(t, models.IndicatorGeographicRisk, ins.TopThreats[2].ThreatType)
	assert.Equal(t, "Monitoring", ins.TopThreats[2].MitigationStatus)
	assert.Equal(t, 1, ins.SuspiciousActivities)
}

func TestGeographicRisks(t *testing.T) {
	rec := NewRecorder(0, 0, 0)
	a := assessment(day0, 80, models.DecisionBlock, "kp")
	a.City = "Pyongyang"
	rec.RecordAssessment(a)
	rec.RecordAssessment(assessment(day0, 60, models.DecisionReview, "RU"))
	rec.RecordAssessment(assessment(day0, 20, models.DecisionAllow, "RU"))
	rec.RecordAssessment(assessment(day0, 5, models.DecisionAllow, ""))

	agg := NewAggregator(rec, nil, Config{CountryWeights: map[string]float64{"kp": 90, "RU": 40}})
	ins, err := agg.Compute(context.Background(), "", clock.Day(day0), day0)
	require.NoError(t, err)

	require.Len(t, ins.GeographicRisks, 2)
	kp := ins.GeographicRisks[0]
	assert.Equal(t, "KP", kp.Country)
	assert.Equal(t, "Pyongyang", kp.City)
	assert.Equal(t, 80.0, kp.RiskScore)
	assert.True(t, kp.IsBlocked)

	ru := ins.GeographicRisks[1]
	assert.Equal(t, 1, ru.ThreatCount)
	assert.Equal(t, 40.0, ru.RiskScore)
	assert.False(t, ru.IsBlocked)
}

func TestRateLimitingStats(t *testing.T) {
	rec := NewRecorder(0, 0, 0)
	for i := 0; i < 8; i++ {
		rec.RateLimitChecked("redemption", i >= 6, day0)
	}
	rec.RateLimitChecked("view", false, day0)
	rec.RateLimitChecked("view", false, day0)
	rec.RateLimitEvent(models.RateLimitEvent{Timestamp: day0, Action: "redemption", AttemptCount: 3})
	rec.RateLimitEvent(models.RateLimitEvent{Timestamp: day0.Add(time.Minute), Action: "redemption", AttemptCount: 6, WasBlocked: true})
	rec.RateLimitEvent(models.RateLimitEvent{Timestamp: day0.Add(2 * time.Minute), Action: "redemption", AttemptCount: 7, WasBlocked: true})

	ins, err := NewAggregator(rec, nil, Config{RecentEvents: 1}).Compute(context.Background(), "", clock.Day(day0), day0)
	require.NoError(t, err)

	st := ins.RateLimitingStats
	assert.Equal(t, 10, st.TotalRequests)
	assert.Equal(t, 2, st.LimitedRequests)
	assert.Equal(t, 20.0, st.LimitingRate)
	assert.Equal(t, map[string]int{"redemption": 2}, st.ActionBreakdown)
	require.Len(t, st.RecentEvents, 1)
	assert.Equal(t, 7, st.RecentEvents[0].AttemptCount)

	var types []string
	for _, r := range ins.Recommendations {
		types = append(types, r.Type)
	}
	assert.Contains(t, types, "rate_limiting")
}

func TestRecommendationsOrderedByPriority(t *testing.T) {
	rec := NewRecorder(0, 0, 0)
	rec.RecordAssessment(assessment(day0, 90, models.DecisionBlock, "BR", models.IndicatorVelocity))
	rec.RecordAssessment(assessment(day0, 70, models.DecisionReview, "BR", models.IndicatorVelocity))
	rec.RecordReport(models.SuspiciousActivityReport{ActivityType: "x", Email: "a@b.c", ReportedAt: day0})

	ins, err := NewAggregator(rec, nil, Config{}).Compute(context.Background(), "", clock.Day(day0), day0)
	require.NoError(t, err)

	var types []string
	for _, r := range ins.Recommendations {
		types = append(types, r.Type)
	}
	assert.Equal(t, []string{"fraud_pressure", "blocking", "geographic", "threat_velocity", "reports"}, types)

	again, _ := NewAggregator(rec, nil, Config{}).Compute(context.Background(), "", clock.Day(day0), day0)
	assert.Equal(t, ins.Recommendations, again.Recommendations)
}

type countingSource struct {
	*Recorder
	calls int
	fail  bool
}

func (c *countingSource) Assessments(ctx context.Context, scope string, since time.Time) ([]models.FraudAssessment, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("source down")
	}
	return c.Recorder.Assessments(ctx, scope, since)
}

func TestCacheComputesOnceAndRefreshes(t *testing.T) {
	src := &countingSource{Recorder: NewRecorder(0, 0, 0)}
	clk := clock.NewFake(day0)
	cache := NewCache(NewAggregator(src, nil, Config{}), clk, 7, nil)

	first, err := cache.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, first.TrendData, 7)
	assert.Zero(t, first.AverageFraudScore)

	_, err = cache.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	src.RecordAssessment(assessment(day0, 50, models.DecisionChallenge, ""))
	stale, _ := cache.Get(context.Background(), "")
	assert.Zero(t, stale.AverageFraudScore)

	cache.Refresh(context.Background())
	fresh, _ := cache.Get(context.Background(), "")
	assert.Equal(t, 50.0, fresh.AverageFraudScore)
	assert.Equal(t, 2, src.calls)
}

func TestCacheRefreshFailureKeepsSnapshot(t *testing.T) {
	src := &countingSource{Recorder: NewRecorder(0, 0, 0)}
	src.RecordAssessment(assessment(day0, 30, models.DecisionChallenge, ""))
	cache := NewCache(NewAggregator(src, nil, Config{}), clock.NewFake(day0), 1, nil)

	before, err := cache.Get(context.Background(), "")
	require.NoError(t, err)

	src.fail = true
	cache.Refresh(context.Background())
	after, err := cache.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, before, after)

	_, err = cache.Get(context.Background(), "other-scope")
	assert.Error(t, err)
}

func TestRefreshLoopStopsOnCancel(t *testing.T) {
	cache := NewCache(NewAggregator(NewRecorder(0, 0, 0), nil, Config{}), clock.NewFake(day0), 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.RefreshLoop(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}
}

func TestCacheBoundsScopes(t *testing.T) {
	src := &countingSource{Recorder: NewRecorder(0, 0, 0)}
	cache := NewCache(NewAggregator(src, nil, Config{}), clock.NewFake(day0), 1, nil)

	for i := 0; i <= MaxScopes; i++ {
		_, err := cache.Get(context.Background(), fmt.Sprintf("scope-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, MaxScopes, cache.entries.Len())

	_, err := cache.Get(context.Background(), "scope-0")
	require.NoError(t, err)
	assert.Equal(t, MaxScopes+2, src.calls, "evicted scope is recomputed")
}
