package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/berserk3142-max/fraud-risk-engine/blocklist"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// BlockedEntityRepository is the durable blocklist. Concurrent writers of
// the same entity resolve last-write-wins on updated_at.
type BlockedEntityRepository struct {
	db *sql.DB
}

func NewBlockedEntityRepository(db *sql.DB) *BlockedEntityRepository {
	return &BlockedEntityRepository{db: db}
}

const blockedColumns = `entity_type, value, reason, blocked_at, expires_at, blocked_by,
		is_active, violation_count, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlocked(row rowScanner) (*models.BlockedEntity, error) {
	e := &models.BlockedEntity{}
	var expires sql.NullTime
	if err := row.Scan(&e.Type, &e.Value, &e.Reason, &e.BlockedAt, &expires, &e.BlockedBy,
		&e.IsActive, &e.ViolationCount, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time.UTC()
		e.ExpiresAt = &t
	}
	e.BlockedAt = e.BlockedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (r *BlockedEntityRepository) Get(ctx context.Context, t models.EntityType, value string) (*models.BlockedEntity, error) {
	query := `SELECT ` + blockedColumns + ` FROM blocked_entities WHERE entity_type = $1 AND value = $2`
	e, err := scanBlocked(r.db.QueryRowContext(ctx, query, t, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blocklist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blocked entity: %w", err)
	}
	return e, nil
}

// Put upserts e. An older write arriving after a newer one is ignored.
func (r *BlockedEntityRepository) Put(ctx context.Context, e *models.BlockedEntity) error {
	query := `INSERT INTO blocked_entities (` + blockedColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			  ON CONFLICT (entity_type, value) DO UPDATE SET
			  	reason = EXCLUDED.reason,
			  	blocked_at = EXCLUDED.blocked_at,
			  	expires_at = EXCLUDED.expires_at,
			  	blocked_by = EXCLUDED.blocked_by,
			  	is_active = EXCLUDED.is_active,
			  	violation_count = EXCLUDED.violation_count,
			  	updated_at = EXCLUDED.updated_at
			  WHERE blocked_entities.updated_at <= EXCLUDED.updated_at`

	var expires any
	if e.ExpiresAt != nil {
		expires = *e.ExpiresAt
	}
	_, err := r.db.ExecContext(ctx, query, e.Type, e.Value, e.Reason, e.BlockedAt, expires,
		e.BlockedBy, e.IsActive, e.ViolationCount, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert blocked entity: %w", err)
	}
	return nil
}

func (r *BlockedEntityRepository) List(ctx context.Context, activeOnly bool) ([]*models.BlockedEntity, error) {
	query := `SELECT ` + blockedColumns + ` FROM blocked_entities`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY blocked_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list blocked entities: %w", err)
	}
	defer rows.Close()

	var out []*models.BlockedEntity
	for rows.Next() {
		e, err := scanBlocked(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blocked entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
