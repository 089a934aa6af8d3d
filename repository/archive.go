package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// ArchiveRepository keeps the audit trail: action events, rate limit
// events and closed windows, assessments with their indicators, and
// suspicious activity reports.
type ArchiveRepository struct {
	db *sql.DB
}

func NewArchiveRepository(db *sql.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

func jsonb(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *ArchiveRepository) SaveActionEvent(ctx context.Context, ev models.ActionEvent) error {
	meta, err := jsonb(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	query := `INSERT INTO action_events (id, identifier, action, outcome, metadata, occurred_at)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, ev.ID, ev.Identifier, ev.Action, ev.Outcome, meta, ev.Timestamp); err != nil {
		return fmt.Errorf("insert action event: %w", err)
	}
	return nil
}

// SaveRateLimitEvent records ev. Events that are not breaches mark a closed
// window and are also written to rate_limit_windows.
func (r *ArchiveRepository) SaveRateLimitEvent(ctx context.Context, ev models.RateLimitEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_events (identifier, action, attempt_count, was_blocked, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.Identifier, ev.Action, ev.AttemptCount, ev.WasBlocked, ev.Timestamp); err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	if !ev.WasBlocked {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limit_windows (identifier, action, window_end, count)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (identifier, action, window_end) DO UPDATE SET count = GREATEST(rate_limit_windows.count, EXCLUDED.count)`,
			ev.Identifier, ev.Action, ev.Timestamp, ev.AttemptCount); err != nil {
			return fmt.Errorf("insert rate limit window: %w", err)
		}
	}
	return tx.Commit()
}

// SaveAssessment writes the assessment and its indicators in one
// transaction. Saving the same request ID twice is a no-op.
func (r *ArchiveRepository) SaveAssessment(ctx context.Context, a *models.FraudAssessment) error {
	recommended, err := json.Marshal(a.RecommendedActions)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	factors, err := jsonb(a.RiskFactors)
	if err != nil {
		return fmt.Errorf("encode risk factors: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO fraud_assessments (request_id, identifier, action, scope_id, risk_level, risk_score,
		 decision, reason_code, recommended_actions, risk_factors, country, city, assessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (request_id) DO NOTHING`,
		a.RequestID, a.Identifier, a.Action, nullString(a.ScopeID), int(a.RiskLevel), a.RiskScore,
		a.Decision, a.ReasonCode, string(recommended), factors, nullString(a.Country), nullString(a.City), a.AssessedAt)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fraud_indicators (request_id, indicator_type, description, impact, severity, details)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare indicator insert: %w", err)
	}
	defer stmt.Close()
	for _, ind := range a.Indicators {
		details, err := jsonb(ind.Details)
		if err != nil {
			return fmt.Errorf("encode indicator details: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, a.RequestID, ind.Type, nullString(ind.Description),
			ind.Impact, ind.Severity, details); err != nil {
			return fmt.Errorf("insert indicator: %w", err)
		}
	}
	return tx.Commit()
}

func (r *ArchiveRepository) SaveReport(ctx context.Context, rep *models.SuspiciousActivityReport) error {
	reportCtx, err := jsonb(rep.Context)
	if err != nil {
		return fmt.Errorf("encode report context: %w", err)
	}
	query := `INSERT INTO suspicious_activity_reports (id, activity_type, ip_address, email, phone_number,
			  user_agent, description, evidence, severity, reported_by, scope_id, context, reported_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			  ON CONFLICT (id) DO NOTHING`
	_, err = r.db.ExecContext(ctx, query, rep.ID, rep.ActivityType, nullString(rep.IPAddress),
		nullString(rep.Email), nullString(rep.PhoneNumber), nullString(rep.UserAgent),
		nullString(rep.Description), nullString(rep.Evidence), rep.Severity, rep.ReportedBy,
		nullString(rep.ScopeID), reportCtx, rep.ReportedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// PurgeActionEvents deletes action events older than before and returns
// how many were removed.
func (r *ArchiveRepository) PurgeActionEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM action_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge action events: %w", err)
	}
	return res.RowsAffected()
}

// RecentAssessments returns up to limit assessments for scope, newest
// first. Indicators are not loaded.
func (r *ArchiveRepository) RecentAssessments(ctx context.Context, scope string, since time.Time, limit int) ([]models.FraudAssessment, error) {
	query := `SELECT request_id, identifier, action, COALESCE(scope_id, ''), risk_level, risk_score,
			  decision, reason_code, COALESCE(country, ''), COALESCE(city, ''), assessed_at
			  FROM fraud_assessments
			  WHERE assessed_at >= $1 AND ($2 = '' OR scope_id = $2)
			  ORDER BY assessed_at DESC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, since, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []models.FraudAssessment
	for rows.Next() {
		var a models.FraudAssessment
		var level int
		if err := rows.Scan(&a.RequestID, &a.Identifier, &a.Action, &a.ScopeID, &level, &a.RiskScore,
			&a.Decision, &a.ReasonCode, &a.Country, &a.City, &a.AssessedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.RiskLevel = models.FraudRiskLevel(level)
		a.AssessedAt = a.AssessedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
