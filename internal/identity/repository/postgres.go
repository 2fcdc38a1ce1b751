package repository

import (
	"context"
	"database/sql"
	"errors"

	"wavefed/backend/internal/db"
	"wavefed/backend/internal/identity/domain"
)

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a preferences repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// Get returns the preferences for did, or nil if not found.
func (r *PostgresRepository) Get(ctx context.Context, did string) (*domain.Preferences, error) {
	var p domain.Preferences
	err := r.q.QueryRowContext(ctx,
		`SELECT did, extended_scope_enabled, updated_at FROM user_preferences WHERE did = $1`, did,
	).Scan(&p.DID, &p.ExtendedScopeEnabled, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Upsert inserts or replaces the preferences row.
func (r *PostgresRepository) Upsert(ctx context.Context, p *domain.Preferences) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO user_preferences (did, extended_scope_enabled, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET extended_scope_enabled = EXCLUDED.extended_scope_enabled, updated_at = EXCLUDED.updated_at`,
		p.DID, p.ExtendedScopeEnabled, p.UpdatedAt.UTC(),
	)
	return err
}
