package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Database struct {
	conn *sql.DB
}

func New(ctx context.Context, dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Database{conn: db}, nil
}

func (d *Database) Conn() *sql.DB {
	return d.conn
}

func (d *Database) Close() error {
	return d.conn.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// InitSchema creates the tables if they do not exist. Every table carries
// a time column indexed for windowed reads and retention sweeps.
func (d *Database) InitSchema(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS action_events (
		id TEXT PRIMARY KEY,
		identifier TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		metadata JSONB,
		occurred_at TIMESTAMPTZ NOT NULL
	);

	-- closed windows only; live windows are held by the counter backend
	CREATE TABLE IF NOT EXISTS rate_limit_windows (
		identifier TEXT NOT NULL,
		action TEXT NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		count INT NOT NULL,
		PRIMARY KEY (identifier, action, window_end)
	);

	CREATE TABLE IF NOT EXISTS rate_limit_events (
		id BIGSERIAL PRIMARY KEY,
		identifier TEXT NOT NULL,
		action TEXT NOT NULL,
		attempt_count INT NOT NULL,
		was_blocked BOOLEAN NOT NULL DEFAULT false,
		occurred_at TIMESTAMPTZ NOT NULL
	);

	-- per day and action, summed across replicas
	CREATE TABLE IF NOT EXISTS rate_limit_checks (
		day DATE NOT NULL,
		action TEXT NOT NULL,
		total BIGINT NOT NULL DEFAULT 0,
		limited BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (day, action)
	);

	CREATE TABLE IF NOT EXISTS blocked_entities (
		entity_type TEXT NOT NULL CHECK (entity_type IN ('ip', 'email', 'phone')),
		value TEXT NOT NULL,
		reason TEXT NOT NULL,
		blocked_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		blocked_by TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		violation_count INT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (entity_type, value)
	);

	CREATE TABLE IF NOT EXISTS fraud_assessments (
		request_id UUID PRIMARY KEY,
		identifier TEXT NOT NULL,
		action TEXT NOT NULL,
		scope_id TEXT,
		risk_level SMALLINT NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		decision TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		recommended_actions JSONB,
		risk_factors JSONB,
		country TEXT,
		city TEXT,
		assessed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fraud_indicators (
		id BIGSERIAL PRIMARY KEY,
		request_id UUID NOT NULL REFERENCES fraud_assessments(request_id) ON DELETE CASCADE,
		indicator_type TEXT NOT NULL,
		description TEXT,
		impact DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		details JSONB
	);

	CREATE TABLE IF NOT EXISTS suspicious_activity_reports (
		id UUID PRIMARY KEY,
		activity_type TEXT NOT NULL,
		ip_address TEXT,
		email TEXT,
		phone_number TEXT,
		user_agent TEXT,
		description TEXT,
		evidence TEXT,
		severity TEXT NOT NULL,
		reported_by TEXT NOT NULL,
		scope_id TEXT,
		context JSONB,
		reported_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_action_events_identifier ON action_events(identifier, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_action_events_occurred ON action_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_end ON rate_limit_windows(window_end);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_occurred ON rate_limit_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_blocked_entities_active ON blocked_entities(is_active, expires_at);
	CREATE INDEX IF NOT EXISTS idx_fraud_assessments_assessed ON fraud_assessments(assessed_at);
	CREATE INDEX IF NOT EXISTS idx_fraud_assessments_scope ON fraud_assessments(scope_id, assessed_at);
	CREATE INDEX IF NOT EXISTS idx_fraud_indicators_request ON fraud_indicators(request_id);
	CREATE INDEX IF NOT EXISTS idx_reports_reported ON suspicious_activity_reports(reported_at);
`
