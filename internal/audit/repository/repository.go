package repository

import (
	"context"

	"wavefed/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// ListByDID returns the newest entries of did first.
	ListByDID(ctx context.Context, did string, limit int) ([]*domain.AuditLog, error)
}
