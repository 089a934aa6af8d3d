package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/blocklist"
	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/database"
	"github.com/berserk3142-max/fraud-risk-engine/insights"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

func TestJSONBEncoding(t *testing.T) {
	v, err := jsonb(map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = jsonb(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = jsonb(map[string]any{"count": 6})
	require.NoError(t, err)
	assert.Equal(t, `{"count":6}`, v)

	assert.Nil(t, nullString(""))
	assert.Equal(t, "x", nullString("x"))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}
	ctx := context.Background()
	db, err := database.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(ctx))
	_, err = db.Conn().ExecContext(ctx, `TRUNCATE blocked_entities, fraud_indicators, fraud_assessments,
		action_events, rate_limit_events, rate_limit_windows, rate_limit_checks, suspicious_activity_reports`)
	require.NoError(t, err)
	return db.Conn()
}

func TestBlockedEntityRepositoryLastWriteWins(t *testing.T) {
	repo := NewBlockedEntityRepository(openTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(24 * time.Hour)

	_, err := repo.Get(ctx, models.EntityIP, "203.0.113.9")
	assert.ErrorIs(t, err, blocklist.ErrNotFound)

	newer := &models.BlockedEntity{
		Type: models.EntityIP, Value: "203.0.113.9", Reason: "abuse", BlockedAt: now,
		ExpiresAt: &expires, BlockedBy: "admin", IsActive: true, ViolationCount: 2, UpdatedAt: now,
	}
	require.NoError(t, repo.Put(ctx, newer))

	older := *newer
	older.Reason = "stale"
	older.ViolationCount = 1
	older.UpdatedAt = now.Add(-time.Minute)
	require.NoError(t, repo.Put(ctx, &older))

	got, err := repo.Get(ctx, models.EntityIP, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "abuse", got.Reason)
	assert.Equal(t, 2, got.ViolationCount)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))

	require.NoError(t, repo.Put(ctx, &models.BlockedEntity{
		Type: models.EntityEmail, Value: "a@b.com", Reason: "spam", BlockedAt: now,
		BlockedBy: "system", IsActive: false, ViolationCount: 1, UpdatedAt: now,
	}))
	active, err := repo.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestArchiveRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewArchiveRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.SaveActionEvent(ctx, models.ActionEvent{
		ID: uuid.NewString(), Identifier: "ip:203.0.113.9", Action: "redemption",
		Timestamp: now.Add(-48 * time.Hour), Outcome: "Allow",
	}))
	require.NoError(t, repo.SaveActionEvent(ctx, models.ActionEvent{
		ID: uuid.NewString(), Identifier: "ip:203.0.113.9", Action: "redemption",
		Timestamp: now, Outcome: "Block", Metadata: map[string]string{"country": "KP"},
	}))
	purged, err := repo.PurgeActionEvents(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	require.NoError(t, repo.SaveRateLimitEvent(ctx, models.RateLimitEvent{
		Timestamp: now, Action: "redemption", Identifier: "ip:203.0.113.9", AttemptCount: 4,
	}))
	require.NoError(t, repo.SaveRateLimitEvent(ctx, models.RateLimitEvent{
		Timestamp: now, Action: "redemption", Identifier: "ip:203.0.113.9", AttemptCount: 6, WasBlocked: true,
	}))
	var windows, events int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM rate_limit_windows`).Scan(&windows))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM rate_limit_events`).Scan(&events))
	assert.Equal(t, 1, windows)
	assert.Equal(t, 2, events)

	a := &models.FraudAssessment{
		RequestID: uuid.NewString(), Identifier: "ip:203.0.113.9", Action: "redemption", ScopeID: "tenant-a",
		RiskLevel: models.RiskHigh, RiskScore: 56.25, Decision: models.DecisionBlock,
		ReasonCode: models.ReasonRateLimitExceeded, RecommendedActions: []string{"enforce cooldown before retry"},
		RiskFactors: map[string]any{"rate_limit": map[string]any{"count": 6}}, AssessedAt: now,
		Indicators: []models.FraudIndicator{
			{Type: models.IndicatorVelocity, Description: "rate limit exceeded", Impact: 75, Severity: models.SeverityHigh},
			{Type: models.IndicatorDeviceAnomaly, Impact: 30, Severity: models.SeverityMedium, Details: map[string]any{"ua": ""}},
		},
	}
	require.NoError(t, repo.SaveAssessment(ctx, a))
	require.NoError(t, repo.SaveAssessment(ctx, a))
	var indicators int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM fraud_indicators WHERE request_id = $1`, a.RequestID).Scan(&indicators))
	assert.Equal(t, 2, indicators)

	recent, err := repo.RecentAssessments(ctx, "tenant-a", now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.RiskHigh, recent[0].RiskLevel)
	assert.Equal(t, models.DecisionBlock, recent[0].Decision)

	none, err := repo.RecentAssessments(ctx, "tenant-b", now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, repo.SaveReport(ctx, &models.SuspiciousActivityReport{
		ID: uuid.NewString(), ActivityType: "code_farming", IPAddress: "203.0.113.9",
		Severity: models.SeverityHigh, ReportedBy: "analyst", ReportedAt: now,
	}))
}

func TestArchiveFeedsInsights(t *testing.T) {
	db := openTestDB(t)
	repo := NewArchiveRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	since := now.Add(-time.Hour)

	a := &models.FraudAssessment{
		RequestID: uuid.NewString(), Identifier: "ip:203.0.113.9", Action: "redemption", ScopeID: "tenant-a",
		RiskLevel: models.RiskCritical, RiskScore: 90, Decision: models.DecisionBlock,
		ReasonCode: models.ReasonRiskCritical, Country: "KP", AssessedAt: now,
		Indicators: []models.FraudIndicator{
			{Type: models.IndicatorVelocity, Impact: 75, Severity: models.SeverityHigh},
			{Type: models.IndicatorPatternAnomaly, Impact: 70, Severity: models.SeverityHigh},
		},
	}
	require.NoError(t, repo.SaveAssessment(ctx, a))
	require.NoError(t, repo.SaveReport(ctx, &models.SuspiciousActivityReport{
		ID: uuid.NewString(), ActivityType: "code_farming", IPAddress: "203.0.113.9",
		Severity: models.SeverityCritical, ReportedBy: "sponsor-42", ScopeID: "tenant-a", ReportedAt: now,
	}))
	require.NoError(t, repo.SaveRateLimitEvent(ctx, models.RateLimitEvent{
		Timestamp: now, Action: "redemption", Identifier: "ip:203.0.113.9", AttemptCount: 6, WasBlocked: true,
	}))

	day := clock.Day(now)
	require.NoError(t, repo.AddRateLimitChecks(ctx, []insights.DailyChecks{{Day: day, Action: "redemption", Total: 6, Limited: 1}}))
	require.NoError(t, repo.AddRateLimitChecks(ctx, []insights.DailyChecks{{Day: day, Action: "redemption", Total: 4, Limited: 2}}))

	got, err := repo.Assessments(ctx, "tenant-a", since)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "KP", got[0].Country)
	assert.ElementsMatch(t, []string{models.IndicatorVelocity, models.IndicatorPatternAnomaly},
		[]string{got[0].Indicators[0].Type, got[0].Indicators[1].Type})

	reports, err := repo.Reports(ctx, "tenant-b", since)
	require.NoError(t, err)
	assert.Empty(t, reports)

	sum, err := repo.RateLimitCounts(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 3, sum.Limited)

	ins, err := insights.NewAggregator(repo, nil, insights.DefaultConfig()).Compute(ctx, "tenant-a", since, now)
	require.NoError(t, err)
	assert.Equal(t, 1, ins.BlockedAttempts)
	assert.Equal(t, 1, ins.SuspiciousActivities)
	assert.Equal(t, 30.0, ins.RateLimitingStats.LimitingRate)
	require.Len(t, ins.RateLimitingStats.RecentEvents, 1)
}
