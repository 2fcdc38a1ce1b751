package repository

import (
	"context"
	"sync"
	"time"

	"wavefed/backend/internal/oauth/flow/domain"
)

// MemoryRepository is an in-process Repository. Pending state does not survive a restart, and a
// callback must land on the instance that started the flow.
type MemoryRepository struct {
	mu    sync.Mutex
	auths map[string]domain.PendingAuthorization
	flows map[string]domain.PendingFlow
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		auths: make(map[string]domain.PendingAuthorization),
		flows: make(map[string]domain.PendingFlow),
	}
}

func (m *MemoryRepository) CreateAuthorization(ctx context.Context, a *domain.PendingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auths[a.State] = *a
	return nil
}

func (m *MemoryRepository) TakeAuthorization(ctx context.Context, state string, now time.Time) (*domain.PendingAuthorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[state]
	delete(m.auths, state)
	if !ok || !a.ExpiresAt.After(now) {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryRepository) CreateFlow(ctx context.Context, f *domain.PendingFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[f.State] = *f
	return nil
}

func (m *MemoryRepository) TakeFlow(ctx context.Context, state string, now time.Time) (*domain.PendingFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[state]
	delete(m.flows, state)
	if !ok || !f.ExpiresAt.After(now) {
		return nil, nil
	}
	return &f, nil
}

func (m *MemoryRepository) Take(ctx context.Context, state string, now time.Time) (*domain.PendingAuthorization, *domain.PendingFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[state]
	f, hasFlow := m.flows[state]
	delete(m.auths, state)
	delete(m.flows, state)
	if !ok || !a.ExpiresAt.After(now) {
		return nil, nil, nil
	}
	if !hasFlow || !f.ExpiresAt.After(now) {
		return &a, nil, nil
	}
	return &a, &f, nil
}

func (m *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, a := range m.auths {
		if !a.ExpiresAt.After(now) {
			delete(m.auths, k)
			n++
		}
	}
	for k, f := range m.flows {
		if !f.ExpiresAt.After(now) {
			delete(m.flows, k)
			n++
		}
	}
	return n, nil
}
