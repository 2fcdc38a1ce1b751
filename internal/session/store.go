// Package session is the encrypted, persistent session store. Rows hold AEAD-sealed credentials
// bound to their session id; a row that no longer decrypts is purged on read.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/session/repository"
)

// CreateParams describes a new session.
type CreateParams struct {
	DID         string
	Handle      string
	Credentials *domain.Credentials
	// TTLDays <= 0 creates a session that never expires.
	TTLDays   int
	DevToken  bool
	TokenName string
	GroupID   string
}

// Store seals credentials on write and opens them on read.
type Store struct {
	repo   repository.Repository
	cipher *security.Cipher
	logger *zap.Logger
	now    func() time.Time
}

// NewStore returns a Store. cipher must be built from the process-wide session key.
func NewStore(repo repository.Repository, cipher *security.Cipher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, cipher: cipher, logger: logger, now: time.Now}
}

// Create persists a new session and returns its id.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	rec, err := s.newRecord(p)
	if err != nil {
		return "", err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return rec.ID, nil
}

// Replace atomically deletes oldID and creates a session from p. If oldID is already gone nothing
// is created and ErrInvalidSession is returned, so an old session never coexists with its successor.
func (s *Store) Replace(ctx context.Context, oldID string, p CreateParams) (string, error) {
	rec, err := s.newRecord(p)
	if err != nil {
		return "", err
	}
	if err := s.repo.Replace(ctx, oldID, rec); err != nil {
		if errors.Is(err, repository.ErrOldSessionGone) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("replace session: %w", err)
	}
	return rec.ID, nil
}

func (s *Store) newRecord(p CreateParams) (*domain.Record, error) {
	if p.DID == "" || p.Credentials == nil {
		return nil, errors.New("session: did and credentials are required")
	}
	id, err := security.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	sealed, err := s.seal(id, p.Credentials)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &domain.Record{
		ID:                   id,
		DID:                  p.DID,
		Handle:               p.Handle,
		EncryptedCredentials: sealed,
		IsDeveloperToken:     p.DevToken,
		TokenName:            p.TokenName,
		GroupID:              p.GroupID,
		CreatedAt:            now,
	}
	if p.TTLDays > 0 {
		exp := now.Add(time.Duration(p.TTLDays) * 24 * time.Hour)
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

// Get returns the session with decrypted credentials. Expired and undecryptable rows are deleted
// and reported as ErrExpired and ErrCorrupt; both wrap domain.ErrInvalidSession.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, domain.ErrNotFound
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrNotFound
	}
	if rec.Expired(s.now()) {
		s.purge(ctx, id, "expired")
		return nil, domain.ErrExpired
	}
	creds, err := s.open(rec)
	if err != nil {
		s.logger.Warn("session credentials unreadable, purging", zap.String("session", security.Redact(id)), zap.Error(err))
		s.purge(ctx, id, "corrupt")
		return nil, domain.ErrCorrupt
	}
	return recordToSession(rec, creds), nil
}

// UpdateCredentials reseals creds for the session.
func (s *Store) UpdateCredentials(ctx context.Context, id string, creds *domain.Credentials) error {
	sealed, err := s.seal(id, creds)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateCredentials(ctx, id, sealed); err != nil {
		return fmt.Errorf("update session credentials: %w", err)
	}
	return nil
}

// Delete removes the session. Deleting an unknown id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListByOwner returns the unexpired sessions of did without credentials.
func (s *Store) ListByOwner(ctx context.Context, did string, devOnly bool) ([]*domain.Session, error) {
	recs, err := s.repo.ListByDID(ctx, did, devOnly)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return s.unexpired(recs), nil
}

// ListByGroup returns the unexpired sessions of a group without credentials.
func (s *Store) ListByGroup(ctx context.Context, groupID string) ([]*domain.Session, error) {
	if groupID == "" {
		return nil, nil
	}
	recs, err := s.repo.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group sessions: %w", err)
	}
	return s.unexpired(recs), nil
}

// AssignGroup puts the session in groupID unless it already belongs to a group and returns the
// group it belongs to afterwards.
func (s *Store) AssignGroup(ctx context.Context, id, groupID string) (string, error) {
	got, err := s.repo.AssignGroup(ctx, id, groupID)
	if err != nil {
		return "", fmt.Errorf("assign session group: %w", err)
	}
	if got == "" {
		return "", domain.ErrNotFound
	}
	return got, nil
}

// DeleteGroup removes every session in the group.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) (int64, error) {
	return s.repo.DeleteByGroup(ctx, groupID)
}

// PurgeExpired deletes expired rows eagerly; reads already do so lazily.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

func (s *Store) unexpired(recs []*domain.Record) []*domain.Session {
	now := s.now()
	out := make([]*domain.Session, 0, len(recs))
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		out = append(out, recordToSession(rec, nil))
	}
	return out
}

func (s *Store) purge(ctx context.Context, id, reason string) {
	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.Warn("purge session failed", zap.String("session", security.Redact(id)), zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Store) seal(id string, creds *domain.Credentials) ([]byte, error) {
	plain, err := domain.EncodeCredentials(creds)
	if err != nil {
		return nil, err
	}
	return s.cipher.Seal(plain, []byte(id))
}

func (s *Store) open(rec *domain.Record) (*domain.Credentials, error) {
	plain, err := s.cipher.Open(rec.EncryptedCredentials, []byte(rec.ID))
	if err != nil {
		return nil, err
	}
	return domain.DecodeCredentials(plain)
}

func recordToSession(rec *domain.Record, creds *domain.Credentials) *domain.Session {
	return &domain.Session{
		ID:               rec.ID,
		DID:              rec.DID,
		Handle:           rec.Handle,
		Credentials:      creds,
		ExpiresAt:        rec.ExpiresAt,
		IsDeveloperToken: rec.IsDeveloperToken,
		TokenName:        rec.TokenName,
		GroupID:          rec.GroupID,
		CreatedAt:        rec.CreatedAt,
	}
}
