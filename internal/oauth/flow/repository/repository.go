package repository

import (
	"context"
	"time"

	"wavefed/backend/internal/oauth/flow/domain"
)

// Repository defines persistence for authorizations in progress. Take operations delete the row
// they return, so a state value is redeemable once.
type Repository interface {
	CreateAuthorization(ctx context.Context, a *domain.PendingAuthorization) error
	// TakeAuthorization removes and returns the authorization for state; nil if missing or expired.
	TakeAuthorization(ctx context.Context, state string, now time.Time) (*domain.PendingAuthorization, error)
	CreateFlow(ctx context.Context, f *domain.PendingFlow) error
	// TakeFlow removes and returns the flow for state; nil if missing or expired.
	TakeFlow(ctx context.Context, state string, now time.Time) (*domain.PendingFlow, error)
	// Take removes the authorization and the flow for state in one step, both judged against now.
	// The authorization is nil if missing or expired; the flow is nil for a plain login.
	Take(ctx context.Context, state string, now time.Time) (*domain.PendingAuthorization, *domain.PendingFlow, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
