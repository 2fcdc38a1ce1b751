package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wavefed/backend/internal/session/domain"
)

// MemoryRepository is an in-process Repository for local development without Postgres and for tests.
// Sessions do not survive a restart and are not shared across instances.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]domain.Record
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]domain.Record)}
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (m *MemoryRepository) Create(ctx context.Context, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; ok {
		return errors.New("duplicate session id")
	}
	m.rows[r.ID] = *copyRecord(*r)
	return nil
}

func (m *MemoryRepository) Replace(ctx context.Context, oldID string, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[oldID]; !ok {
		return ErrOldSessionGone
	}
	delete(m.rows, oldID)
	m.rows[r.ID] = *copyRecord(*r)
	return nil
}

func (m *MemoryRepository) UpdateCredentials(ctx context.Context, id string, encrypted []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return nil
	}
	rec.EncryptedCredentials = append([]byte(nil), encrypted...)
	m.rows[id] = rec
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *MemoryRepository) ListByDID(ctx context.Context, did string, devOnly bool) ([]*domain.Record, error) {
	return m.filter(func(r domain.Record) bool {
		return r.DID == did && (!devOnly || r.IsDeveloperToken)
	}, true), nil
}

func (m *MemoryRepository) ListByGroup(ctx context.Context, groupID string) ([]*domain.Record, error) {
	return m.filter(func(r domain.Record) bool { return groupID != "" && r.GroupID == groupID }, false), nil
}

func (m *MemoryRepository) AssignGroup(ctx context.Context, id, groupID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return "", nil
	}
	if rec.GroupID == "" {
		rec.GroupID = groupID
		m.rows[id] = rec
	}
	return rec.GroupID, nil
}

func (m *MemoryRepository) DeleteByGroup(ctx context.Context, groupID string) (int64, error) {
	return m.deleteWhere(func(r domain.Record) bool { return groupID != "" && r.GroupID == groupID }), nil
}

func (m *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteWhere(func(r domain.Record) bool { return r.Expired(now) }), nil
}

// Len returns the number of stored rows.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *MemoryRepository) filter(keep func(domain.Record) bool, newestFirst bool) []*domain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Record
	for _, r := range m.rows {
		if keep(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryRepository) deleteWhere(match func(domain.Record) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if match(r) {
			delete(m.rows, id)
			n++
		}
	}
	return n
}

func copyRecord(r domain.Record) *domain.Record {
	r.EncryptedCredentials = append([]byte(nil), r.EncryptedCredentials...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	return &r
}
