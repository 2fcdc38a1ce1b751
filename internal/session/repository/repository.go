package repository

import (
	"context"
	"errors"
	"time"

	"wavefed/backend/internal/session/domain"
)

// ErrOldSessionGone is returned by Replace when the session being replaced was already deleted.
var ErrOldSessionGone = errors.New("session to replace no longer exists")

// Repository defines persistence for session rows. Credentials stay sealed at this layer.
type Repository interface {
	// GetByID returns the row for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Record, error)
	Create(ctx context.Context, r *domain.Record) error
	// Replace deletes oldID and inserts r in one transaction. It fails with ErrOldSessionGone
	// when oldID no longer exists, leaving nothing inserted.
	Replace(ctx context.Context, oldID string, r *domain.Record) error
	UpdateCredentials(ctx context.Context, id string, encrypted []byte) error
	// Delete removes the row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error
	ListByDID(ctx context.Context, did string, devOnly bool) ([]*domain.Record, error)
	ListByGroup(ctx context.Context, groupID string) ([]*domain.Record, error)
	// AssignGroup sets the session's group unless it already has one and returns the group the
	// row ends up in, or "" when the row does not exist.
	AssignGroup(ctx context.Context, id, groupID string) (string, error)
	DeleteByGroup(ctx context.Context, groupID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
