// Package upgrade swaps a session for a wider-scoped one after the user consents to more scopes.
package upgrade

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wavefed/backend/internal/oauth/flow"
	flowdomain "wavefed/backend/internal/oauth/flow/domain"
	"wavefed/backend/internal/scope"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/telemetry"
	teldomain "wavefed/backend/internal/telemetry/domain"
)

var (
	// ErrNoScopes is returned when an upgrade names no scopes.
	ErrNoScopes = errors.New("no scopes requested")
	// ErrDeveloperToken is returned for developer tokens, whose scope is fixed at issuance.
	ErrDeveloperToken = errors.New("developer tokens cannot be upgraded")
	// ErrNotUpgradeFlow is returned when Complete gets a callback of another flow kind.
	ErrNotUpgradeFlow = errors.New("callback is not a scope upgrade")
	// ErrOwnerMismatch is returned when a different account completed the upgrade.
	ErrOwnerMismatch = errors.New("scope upgrade completed by another account")
)

// FlowStarter starts authorizations.
type FlowStarter interface {
	StartFlow(ctx context.Context, p flow.StartParams) (string, string, error)
}

// SessionStore is the minimal session store needed by the coordinator.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Replace(ctx context.Context, oldID string, p session.CreateParams) (string, error)
}

// TokenIssuer mints exchange tokens.
type TokenIssuer interface {
	Create(ctx context.Context, sessionID string, isDevToken bool) (string, error)
}

// Coordinator runs scope upgrades.
type Coordinator struct {
	flows    FlowStarter
	sessions SessionStore
	tokens   TokenIssuer
	ttlDays  int
	events   telemetry.EventEmitter
	logger   *zap.Logger
}

// NewCoordinator returns a Coordinator. ttlDays is the lifetime of the replacement session.
func NewCoordinator(flows FlowStarter, sessions SessionStore, tokens TokenIssuer, ttlDays int, events telemetry.EventEmitter, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{flows: flows, sessions: sessions, tokens: tokens, ttlDays: ttlDays, events: events, logger: logger}
}

// StartUpgrade starts an authorization for sess's granted scope plus additional and records which
// session it replaces.
func (c *Coordinator) StartUpgrade(ctx context.Context, sess *domain.Session, additional []string) (string, string, error) {
	extra := scope.Of(additional...)
	if len(extra) == 0 {
		return "", "", ErrNoScopes
	}
	if sess.IsDeveloperToken {
		return "", "", ErrDeveloperToken
	}
	required := scope.Parse(sess.Credentials.Scope).Union(extra)
	authURL, state, err := c.flows.StartFlow(ctx, flow.StartParams{
		IdentityHint: sess.DID,
		Prompt:       "consent",
		ExtraScopes:  required.Slice(),
		Flow: &flowdomain.PendingFlow{
			Kind:            flowdomain.FlowScopeUpgrade,
			OwnerDID:        sess.DID,
			OldSessionID:    sess.ID,
			RequestedScopes: required.String(),
		},
	})
	if err != nil {
		return "", "", err
	}
	c.logger.Info("scope upgrade started",
		zap.String("did", sess.DID), zap.String("session", security.Redact(sess.ID)), zap.Strings("adding", extra.Slice()))
	return authURL, state, nil
}

// Complete replaces the flow's old session with one holding the new credentials and returns the
// new session id and an exchange token for it. The old session is deleted in the same transaction;
// if it is already gone nothing is created.
func (c *Coordinator) Complete(ctx context.Context, res *flow.CallbackResult) (string, string, error) {
	f := res.Flow
	if f == nil || f.Kind != flowdomain.FlowScopeUpgrade {
		return "", "", ErrNotUpgradeFlow
	}
	if res.DID != f.OwnerDID {
		return "", "", ErrOwnerMismatch
	}
	if err := scope.Require(scope.Parse(res.Credentials.Scope), scope.Parse(f.RequestedScopes)); err != nil {
		return "", "", fmt.Errorf("upgrade not granted: %w", err)
	}
	old, err := c.sessions.Get(ctx, f.OldSessionID)
	if err != nil {
		return "", "", err
	}
	if old.DID != res.DID {
		return "", "", ErrOwnerMismatch
	}
	newID, err := c.sessions.Replace(ctx, old.ID, session.CreateParams{
		DID:         res.DID,
		Handle:      res.Handle,
		Credentials: res.Credentials,
		TTLDays:     c.ttlDays,
		GroupID:     old.GroupID,
	})
	if err != nil {
		return "", "", err
	}
	token, err := c.tokens.Create(ctx, newID, false)
	if err != nil {
		return "", "", fmt.Errorf("issue exchange token: %w", err)
	}
	telemetry.EmitAsync(c.events, ctx,
		teldomain.NewEvent(teldomain.EventScopeUpgrade, res.DID, security.Redact(newID)).With("scope", res.Credentials.Scope))
	return newID, token, nil
}
