package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wavefed/backend/internal/db"
	"wavefed/backend/internal/exchange/domain"
)

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns an exchange token repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// Create persists the token.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.Token) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO exchange_tokens (token_hash, session_id, expires_at, used, is_dev_token, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TokenHash, t.SessionID, t.ExpiresAt.UTC(), t.Used, t.IsDevToken, t.CreatedAt.UTC(),
	)
	return err
}

// Consume flips used in a single conditional update; the row lock taken by UPDATE serializes racing callers.
func (r *PostgresRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (*domain.Redemption, error) {
	var out domain.Redemption
	err := r.q.QueryRowContext(ctx,
		`UPDATE exchange_tokens SET used = TRUE
		 WHERE token_hash = $1 AND used = FALSE AND expires_at > $2
		 RETURNING session_id, is_dev_token`,
		tokenHash, now.UTC(),
	).Scan(&out.SessionID, &out.IsDevToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// DeleteExpired removes tokens past expiry, used or not.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM exchange_tokens WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
