package repository

import (
	"context"
	"database/sql"

	"wavefed/backend/internal/audit/domain"
	"wavefed/backend/internal/db"
)

type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO audit_logs (id, did, action, resource, ip, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.DID, a.Action, a.Resource, a.IP, db.NullString(a.Metadata), a.CreatedAt.UTC())
	return err
}

// ListByDID returns at most limit entries of did, newest first.
func (r *PostgresRepository) ListByDID(ctx context.Context, did string, limit int) ([]*domain.AuditLog, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, did, action, resource, ip, metadata, created_at FROM audit_logs WHERE did = $1 ORDER BY created_at DESC LIMIT $2`,
		did, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.DID, &a.Action, &a.Resource, &a.IP, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Metadata = meta.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
