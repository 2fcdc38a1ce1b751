package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wavefed/backend/internal/db"
	"wavefed/backend/internal/oauth/flow/domain"
)

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a pending authorization repository backed by q.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

func (r *PostgresRepository) CreateAuthorization(ctx context.Context, a *domain.PendingAuthorization) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_authorizations
		 (state, issuer, token_endpoint, resource_server_url, expected_did, handle_hint, scope, encrypted_secrets, dpop_nonce, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.State, a.Issuer, a.TokenEndpoint, a.ResourceServerURL, db.NullString(a.ExpectedDID), db.NullString(a.HandleHint),
		a.Scope, a.EncryptedSecrets, db.NullString(a.DPoPNonce), a.ExpiresAt.UTC(), a.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepository) TakeAuthorization(ctx context.Context, state string, now time.Time) (*domain.PendingAuthorization, error) {
	var (
		a                            domain.PendingAuthorization
		expectedDID, hint, dpopNonce sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		`DELETE FROM pending_authorizations WHERE state = $1
		 RETURNING state, issuer, token_endpoint, resource_server_url, expected_did, handle_hint, scope, encrypted_secrets, dpop_nonce, expires_at, created_at`,
		state,
	).Scan(&a.State, &a.Issuer, &a.TokenEndpoint, &a.ResourceServerURL, &expectedDID, &hint, &a.Scope,
		&a.EncryptedSecrets, &dpopNonce, &a.ExpiresAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !a.ExpiresAt.After(now) {
		return nil, nil
	}
	a.ExpectedDID, a.HandleHint, a.DPoPNonce = expectedDID.String, hint.String, dpopNonce.String
	return &a, nil
}

func (r *PostgresRepository) CreateFlow(ctx context.Context, f *domain.PendingFlow) error {
	ttl := sql.NullInt64{Int64: int64(f.TTLDays), Valid: f.TTLDays > 0}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_flows
		 (state, kind, owner_did, old_session_id, source_session_id, requested_scopes, token_name, ttl_days, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.State, string(f.Kind), f.OwnerDID, db.NullString(f.OldSessionID), db.NullString(f.SourceSessionID),
		db.NullString(f.RequestedScopes), db.NullString(f.TokenName), ttl, f.ExpiresAt.UTC(), f.CreatedAt.UTC(),
	)
	return err
}

func (r *PostgresRepository) TakeFlow(ctx context.Context, state string, now time.Time) (*domain.PendingFlow, error) {
	var (
		f                                  domain.PendingFlow
		kind                               string
		oldID, sourceID, scopes, tokenName sql.NullString
		ttl                                sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx,
		`DELETE FROM pending_flows WHERE state = $1
		 RETURNING state, kind, owner_did, old_session_id, source_session_id, requested_scopes, token_name, ttl_days, expires_at, created_at`,
		state,
	).Scan(&f.State, &kind, &f.OwnerDID, &oldID, &sourceID, &scopes, &tokenName, &ttl, &f.ExpiresAt, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !f.ExpiresAt.After(now) {
		return nil, nil
	}
	f.Kind = domain.FlowKind(kind)
	f.OldSessionID, f.SourceSessionID, f.RequestedScopes, f.TokenName = oldID.String, sourceID.String, scopes.String, tokenName.String
	f.TTLDays = int(ttl.Int64)
	return &f, nil
}

// Take runs both deletes in one transaction when the repository holds a *sql.DB.
func (r *PostgresRepository) Take(ctx context.Context, state string, now time.Time) (*domain.PendingAuthorization, *domain.PendingFlow, error) {
	var (
		a *domain.PendingAuthorization
		f *domain.PendingFlow
	)
	take := func(q db.Querier) error {
		repo := NewPostgresRepository(q)
		var err error
		if a, err = repo.TakeAuthorization(ctx, state, now); err != nil {
			return err
		}
		f, err = repo.TakeFlow(ctx, state, now)
		return err
	}
	var err error
	if conn, ok := r.q.(*sql.DB); ok {
		err = db.WithTx(ctx, conn, func(tx *sql.Tx) error { return take(tx) })
	} else {
		err = take(r.q)
	}
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, nil
	}
	return a, f, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM pending_authorizations WHERE expires_at <= $1`,
		`DELETE FROM pending_flows WHERE expires_at <= $1`,
	} {
		res, err := r.q.ExecContext(ctx, q, now.UTC())
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
