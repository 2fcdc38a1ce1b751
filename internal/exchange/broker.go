// Package exchange issues and redeems one-time exchange tokens, the short-lived handoff that keeps
// session ids out of redirect URLs.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wavefed/backend/internal/exchange/domain"
	"wavefed/backend/internal/exchange/repository"
	"wavefed/backend/internal/security"
)

// DefaultTTL is how long an exchange token stays redeemable.
const DefaultTTL = 60 * time.Second

// ErrInvalidToken covers unknown, expired and already used tokens alike.
var ErrInvalidToken = errors.New("invalid exchange token")

// Broker creates and consumes exchange tokens.
type Broker struct {
	repo repository.Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewBroker returns a Broker; ttl <= 0 uses DefaultTTL.
func NewBroker(repo repository.Repository, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Broker{repo: repo, ttl: ttl, now: time.Now}
}

// Create issues a token for sessionID. The raw token is returned once and never stored.
func (b *Broker) Create(ctx context.Context, sessionID string, isDevToken bool) (string, error) {
	if sessionID == "" {
		return "", errors.New("exchange: session id is required")
	}
	raw, err := security.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	now := b.now().UTC()
	t := &domain.Token{
		TokenHash:  security.HashToken(raw),
		SessionID:  sessionID,
		ExpiresAt:  now.Add(b.ttl),
		IsDevToken: isDevToken,
		CreatedAt:  now,
	}
	if err := b.repo.Create(ctx, t); err != nil {
		return "", fmt.Errorf("create exchange token: %w", err)
	}
	return raw, nil
}

// Consume redeems token at most once.
func (b *Broker) Consume(ctx context.Context, token string) (*domain.Redemption, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	r, err := b.repo.Consume(ctx, security.HashToken(token), b.now())
	if err != nil {
		return nil, fmt.Errorf("consume exchange token: %w", err)
	}
	if r == nil {
		return nil, ErrInvalidToken
	}
	return r, nil
}

// PurgeExpired deletes tokens past expiry.
func (b *Broker) PurgeExpired(ctx context.Context) (int64, error) {
	return b.repo.DeleteExpired(ctx, b.now())
}
