package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/berserk3142-max/fraud-risk-engine/insights"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// InsightsRowLimit caps each history read behind an insights rollup. The
// newest rows win.
const InsightsRowLimit = 100000

var (
	_ insights.Source     = (*ArchiveRepository)(nil)
	_ insights.CheckStore = (*ArchiveRepository)(nil)
)

// Assessments returns archived assessments for scope since the given time.
// Each carries its indicator types only.
func (r *ArchiveRepository) Assessments(ctx context.Context, scope string, since time.Time) ([]models.FraudAssessment, error) {
	query := `SELECT a.request_id, a.identifier, a.action, COALESCE(a.scope_id, ''), a.risk_level, a.risk_score,
			  a.decision, a.reason_code, COALESCE(a.country, ''), COALESCE(a.city, ''), a.assessed_at,
			  ARRAY(SELECT DISTINCT i.indicator_type FROM fraud_indicators i WHERE i.request_id = a.request_id)
			  FROM fraud_assessments a
			  WHERE a.assessed_at >= $1 AND ($2 = '' OR a.scope_id = $2)
			  ORDER BY a.assessed_at DESC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, since, scope, InsightsRowLimit)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []models.FraudAssessment
	for rows.Next() {
		var a models.FraudAssessment
		var level int
		var types []string
		if err := rows.Scan(&a.RequestID, &a.Identifier, &a.Action, &a.ScopeID, &level, &a.RiskScore,
			&a.Decision, &a.ReasonCode, &a.Country, &a.City, &a.AssessedAt, pq.Array(&types)); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.RiskLevel = models.FraudRiskLevel(level)
		a.AssessedAt = a.AssessedAt.UTC()
		for _, t := range types {
			a.Indicators = append(a.Indicators, models.FraudIndicator{Type: t})
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (r *ArchiveRepository) Reports(ctx context.Context, scope string, since time.Time) ([]models.SuspiciousActivityReport, error) {
	query := `SELECT id, activity_type, COALESCE(ip_address, ''), COALESCE(email, ''), COALESCE(phone_number, ''),
			  COALESCE(description, ''), severity, reported_by, COALESCE(scope_id, ''), reported_at
			  FROM suspicious_activity_reports
			  WHERE reported_at >= $1 AND ($2 = '' OR scope_id = $2)
			  ORDER BY reported_at DESC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, since, scope, InsightsRowLimit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []models.SuspiciousActivityReport
	for rows.Next() {
		var rep models.SuspiciousActivityReport
		if err := rows.Scan(&rep.ID, &rep.ActivityType, &rep.IPAddress, &rep.Email, &rep.PhoneNumber,
			&rep.Description, &rep.Severity, &rep.ReportedBy, &rep.ScopeID, &rep.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		rep.ReportedAt = rep.ReportedAt.UTC()
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// RateLimitEvents returns archived events since the given time, oldest
// first.
func (r *ArchiveRepository) RateLimitEvents(ctx context.Context, since time.Time) ([]models.RateLimitEvent, error) {
	query := `SELECT identifier, action, attempt_count, was_blocked, occurred_at
			  FROM rate_limit_events
			  WHERE occurred_at >= $1
			  ORDER BY occurred_at DESC, id DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, since, InsightsRowLimit)
	if err != nil {
		return nil, fmt.Errorf("query rate limit events: %w", err)
	}
	defer rows.Close()

	var out []models.RateLimitEvent
	for rows.Next() {
		var ev models.RateLimitEvent
		if err := rows.Scan(&ev.Identifier, &ev.Action, &ev.AttemptCount, &ev.WasBlocked, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// RateLimitCounts sums the daily check rollup from the day containing
// since onwards.
func (r *ArchiveRepository) RateLimitCounts(ctx context.Context, since time.Time) (insights.CheckSummary, error) {
	sum := insights.CheckSummary{TotalByAction: map[string]int{}, LimitedByAction: map[string]int{}}
	rows, err := r.db.QueryContext(ctx,
		`SELECT action, SUM(total), SUM(limited) FROM rate_limit_checks WHERE day >= $1 GROUP BY action`,
		since.UTC().Format(time.DateOnly))
	if err != nil {
		return sum, fmt.Errorf("query rate limit checks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var total, limited int
		if err := rows.Scan(&action, &total, &limited); err != nil {
			return sum, fmt.Errorf("scan rate limit checks: %w", err)
		}
		sum.Total += total
		sum.Limited += limited
		sum.TotalByAction[action] += total
		sum.LimitedByAction[action] += limited
	}
	return sum, rows.Err()
}

// AddRateLimitChecks adds a batch of daily counts to the rollup. Replicas
// flush independently, so rows are incremented, never replaced.
func (r *ArchiveRepository) AddRateLimitChecks(ctx context.Context, batch []insights.DailyChecks) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rate_limit_checks (day, action, total, limited) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (day, action) DO UPDATE SET total = rate_limit_checks.total + EXCLUDED.total,
		 limited = rate_limit_checks.limited + EXCLUDED.limited`)
	if err != nil {
		return fmt.Errorf("prepare check upsert: %w", err)
	}
	defer stmt.Close()
	for _, d := range batch {
		if _, err := stmt.ExecContext(ctx, d.Day.UTC().Format(time.DateOnly), d.Action, d.Total, d.Limited); err != nil {
			return fmt.Errorf("upsert checks for %s: %w", d.Action, err)
		}
	}
	return tx.Commit()
}
