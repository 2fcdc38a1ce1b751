package repository

import (
	"context"
	"sync"
	"time"

	"wavefed/backend/internal/exchange/domain"
)

// MemoryRepository is an in-process Repository. The mutex gives Consume the same
// exactly-once guarantee as the conditional UPDATE in Postgres.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]domain.Token
}

// NewMemoryRepository returns an empty in-memory exchange token repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]domain.Token)}
}

func (m *MemoryRepository) Create(ctx context.Context, t *domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.TokenHash] = *t
	return nil
}

func (m *MemoryRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (*domain.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok || t.Used || !t.ExpiresAt.After(now) {
		return nil, nil
	}
	t.Used = true
	m.tokens[tokenHash] = t
	return &domain.Redemption{SessionID: t.SessionID, IsDevToken: t.IsDevToken}, nil
}

func (m *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, t := range m.tokens {
		if !t.ExpiresAt.After(now) {
			delete(m.tokens, h)
			n++
		}
	}
	return n, nil
}
