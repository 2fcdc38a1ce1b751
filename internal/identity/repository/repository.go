package repository

import (
	"context"

	"wavefed/backend/internal/identity/domain"
)

// PreferencesRepository defines persistence for account preferences.
type PreferencesRepository interface {
	// Get returns the preferences for did, or nil if none were saved.
	Get(ctx context.Context, did string) (*domain.Preferences, error)
	Upsert(ctx context.Context, p *domain.Preferences) error
}
