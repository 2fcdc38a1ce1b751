package repository

import (
	"context"
	"sync"

	"wavefed/backend/internal/identity/domain"
)

// MemoryRepository is an in-process PreferencesRepository.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]domain.Preferences
}

// NewMemoryRepository returns an empty in-memory preferences repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.Preferences)}
}

func (r *MemoryRepository) Get(ctx context.Context, did string) (*domain.Preferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.m[did]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, p *domain.Preferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[p.DID] = *p
	return nil
}
