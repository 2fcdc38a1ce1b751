// Package accountgroup links sessions of several accounts in one browser so the user can switch
// between them without logging in again.
package accountgroup

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/telemetry"
	teldomain "wavefed/backend/internal/telemetry/domain"
)

// ErrNotInGroup is returned when a switch target is not a live member of the current session's group.
var ErrNotInGroup = errors.New("session is not in the current account group")

// SessionStore is the minimal session store needed by the manager.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	ListByGroup(ctx context.Context, groupID string) ([]*domain.Session, error)
	AssignGroup(ctx context.Context, id, groupID string) (string, error)
	Delete(ctx context.Context, id string) error
	DeleteGroup(ctx context.Context, groupID string) (int64, error)
}

// Manager is safe for concurrent use; all state is in the session store.
type Manager struct {
	sessions SessionStore
	events   telemetry.EventEmitter
	logger   *zap.Logger
}

// NewManager returns a Manager.
func NewManager(sessions SessionStore, events telemetry.EventEmitter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{sessions: sessions, events: events, logger: logger}
}

// GetGroup lists the accounts linked with sessionID, itself included. Developer tokens and expired
// sessions are left out.
func (m *Manager) GetGroup(ctx context.Context, sessionID string) ([]domain.Account, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.GroupID == "" {
		if sess.IsDeveloperToken {
			return []domain.Account{}, nil
		}
		return []domain.Account{{DID: sess.DID, Handle: sess.Handle, SessionID: sess.ID}}, nil
	}
	members, err := m.sessions.ListByGroup(ctx, sess.GroupID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(members))
	for _, s := range members {
		if s.IsDeveloperToken {
			continue
		}
		out = append(out, domain.Account{DID: s.DID, Handle: s.Handle, SessionID: s.ID})
	}
	return out, nil
}

// CreateOrGetGroup returns sessionID's group, assigning a new one on first link.
func (m *Manager) CreateOrGetGroup(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.GroupID != "" {
		return sess.GroupID, nil
	}
	return m.sessions.AssignGroup(ctx, sess.ID, uuid.NewString())
}

// PrepareLink returns the group a new session for did should join when added from sourceID and
// drops any older session of did in that group, so an account appears once per group.
func (m *Manager) PrepareLink(ctx context.Context, sourceID, did string) (string, error) {
	groupID, err := m.CreateOrGetGroup(ctx, sourceID)
	if err != nil {
		return "", err
	}
	members, err := m.sessions.ListByGroup(ctx, groupID)
	if err != nil {
		return "", err
	}
	for _, s := range members {
		if s.DID == did && s.ID != sourceID && !s.IsDeveloperToken {
			if err := m.sessions.Delete(ctx, s.ID); err != nil {
				return "", err
			}
		}
	}
	return groupID, nil
}

// SwitchActive validates that targetID is a live, non-developer member of currentID's group and
// returns it. No token material is minted; the caller points its cookie at the target.
func (m *Manager) SwitchActive(ctx context.Context, currentID, targetID string) (string, error) {
	cur, err := m.sessions.Get(ctx, currentID)
	if err != nil {
		return "", err
	}
	if targetID == currentID {
		return cur.ID, nil
	}
	target, err := m.sessions.Get(ctx, targetID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSession) {
			return "", ErrNotInGroup
		}
		return "", err
	}
	if cur.GroupID == "" || target.GroupID != cur.GroupID || target.IsDeveloperToken {
		return "", ErrNotInGroup
	}
	telemetry.EmitAsync(m.events, ctx, teldomain.NewEvent(teldomain.EventSwitch, target.DID, security.Redact(target.ID)))
	return target.ID, nil
}

// LogoutAll deletes every session in sessionID's group, or just sessionID when it is ungrouped,
// and returns the ids removed.
func (m *Manager) LogoutAll(ctx context.Context, sessionID string) ([]string, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := []string{sess.ID}
	if sess.GroupID == "" {
		if err := m.sessions.Delete(ctx, sess.ID); err != nil {
			return nil, err
		}
	} else {
		members, err := m.sessions.ListByGroup(ctx, sess.GroupID)
		if err != nil {
			return nil, err
		}
		ids = ids[:0]
		for _, s := range members {
			ids = append(ids, s.ID)
		}
		n, err := m.sessions.DeleteGroup(ctx, sess.GroupID)
		if err != nil {
			return nil, err
		}
		m.logger.Info("logged out account group", zap.String("did", sess.DID), zap.Int64("sessions", n))
	}
	telemetry.EmitAsync(m.events, ctx, teldomain.NewEvent(teldomain.EventLogoutAll, sess.DID, security.Redact(sess.ID)))
	return ids, nil
}
