package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wavefed/backend/internal/db"
	"wavefed/backend/internal/session/domain"
)

const sessionColumns = `session_id, did, handle, encrypted_credentials, expires_at, is_developer_token, token_name, group_id, created_at`

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
// Passing a *sql.Tx scopes every call to that transaction.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// GetByID returns the session row for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Create persists the session row. The record must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.Record) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.DID, rec.Handle, rec.EncryptedCredentials, db.NullTime(rec.ExpiresAt),
		rec.IsDeveloperToken, db.NullString(rec.TokenName), db.NullString(rec.GroupID), rec.CreatedAt.UTC(),
	)
	return err
}

// Replace swaps oldID for rec atomically. When the repository was built on a *sql.DB a serializable
// transaction is opened; on a *sql.Tx the caller's transaction is used.
func (r *PostgresRepository) Replace(ctx context.Context, oldID string, rec *domain.Record) error {
	swap := func(q db.Querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, oldID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrOldSessionGone
		}
		return NewPostgresRepository(q).Create(ctx, rec)
	}
	if conn, ok := r.q.(*sql.DB); ok {
		return db.WithTx(ctx, conn, func(tx *sql.Tx) error { return swap(tx) })
	}
	return swap(r.q)
}

// UpdateCredentials replaces the ciphertext of the session. A missing row is not an error.
func (r *PostgresRepository) UpdateCredentials(ctx context.Context, id string, encrypted []byte) error {
	_, err := r.q.ExecContext(ctx, `UPDATE sessions SET encrypted_credentials = $2 WHERE session_id = $1`, id, encrypted)
	return err
}

// Delete removes the session row; exchange tokens cascade.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	return err
}

// ListByDID returns the sessions owned by did, newest first. With devOnly only developer tokens are returned.
func (r *PostgresRepository) ListByDID(ctx context.Context, did string, devOnly bool) ([]*domain.Record, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE did = $1`
	if devOnly {
		query += ` AND is_developer_token`
	}
	query += ` ORDER BY created_at DESC`
	return r.list(ctx, query, did)
}

// ListByGroup returns every session in the group, oldest first.
func (r *PostgresRepository) ListByGroup(ctx context.Context, groupID string) ([]*domain.Record, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE group_id = $1 ORDER BY created_at`, groupID)
}

// AssignGroup sets group_id only where it is still NULL, so concurrent first links agree on one group.
func (r *PostgresRepository) AssignGroup(ctx context.Context, id, groupID string) (string, error) {
	var got sql.NullString
	err := r.q.QueryRowContext(ctx,
		`UPDATE sessions SET group_id = COALESCE(group_id, $2) WHERE session_id = $1 RETURNING group_id`,
		id, groupID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return got.String, nil
}

// DeleteByGroup removes every session in the group and returns how many were deleted.
func (r *PostgresRepository) DeleteByGroup(ctx context.Context, groupID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM sessions WHERE group_id = $1`, groupID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes sessions whose expires_at is at or before now.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Record, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	var (
		rec       domain.Record
		expiresAt sql.NullTime
		tokenName sql.NullString
		groupID   sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.DID, &rec.Handle, &rec.EncryptedCredentials, &expiresAt,
		&rec.IsDeveloperToken, &tokenName, &groupID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ExpiresAt = db.TimePtr(expiresAt)
	rec.TokenName = tokenName.String
	rec.GroupID = groupID.String
	return &rec, nil
}
