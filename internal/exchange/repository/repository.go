package repository

import (
	"context"
	"time"

	"wavefed/backend/internal/exchange/domain"
)

// Repository defines persistence for exchange tokens.
type Repository interface {
	Create(ctx context.Context, t *domain.Token) error
	// Consume marks the unused, unexpired token with tokenHash as used and returns it.
	// It returns nil when no such token exists; exactly one of any concurrent callers gets a non-nil result.
	Consume(ctx context.Context, tokenHash string, now time.Time) (*domain.Redemption, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
