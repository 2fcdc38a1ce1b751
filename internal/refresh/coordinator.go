// Package refresh keeps at most one token refresh in flight per session. Correctness across
// processes rests on re-reading the durable session under the lock and comparing access tokens;
// the in-process mutex and the optional redis lock only avoid wasted refresh calls.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"wavefed/backend/internal/oauth/dpop"
	"wavefed/backend/internal/oauth/provider"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/telemetry"
	teldomain "wavefed/backend/internal/telemetry/domain"
)

// ErrRefreshFailed is returned when the access token could not be renewed. It wraps
// ErrInvalidSession: the caller must log in again.
var ErrRefreshFailed = fmt.Errorf("%w: token refresh failed", domain.ErrInvalidSession)

// ErrSessionEnded is returned when the authorization server rejected the refresh token as spent
// or revoked. The session has been deleted.
var ErrSessionEnded = fmt.Errorf("%w: session ended", ErrRefreshFailed)

// SessionStore is the minimal session store needed by the coordinator.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	UpdateCredentials(ctx context.Context, id string, creds *domain.Credentials) error
	Delete(ctx context.Context, id string) error
}

// TokenRefresher calls the authorization server's token endpoint.
type TokenRefresher interface {
	Metadata(ctx context.Context, issuer string) (*provider.ServerMetadata, error)
	Refresh(ctx context.Context, tokenEndpoint, issuer, refreshToken string, signer *dpop.Signer, nonces dpop.NonceStore) (*provider.TokenResponse, error)
}

// Options configures a Coordinator.
type Options struct {
	// RetryPause is waited once after a failed refresh before re-reading the session.
	RetryPause time.Duration
	// Locker, when set, is held around the refresh in addition to the in-process mutex.
	Locker Locker
	Events telemetry.EventEmitter
	Logger *zap.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	store    SessionStore
	provider TokenRefresher
	locks    sync.Map // session id -> *sync.Mutex
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(store SessionStore, p TokenRefresher, opts Options) *Coordinator {
	if opts.RetryPause <= 0 {
		opts.RetryPause = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, provider: p, opts: opts, logger: logger, now: time.Now}
}

func (c *Coordinator) lockFor(sessionID string) *sync.Mutex {
	if mu, ok := c.locks.Load(sessionID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := c.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Forget drops the lock entry of a deleted session.
func (c *Coordinator) Forget(sessionID string) {
	c.locks.Delete(sessionID)
}

// Refresh renews the credentials of sessionID whose access token stale the caller found expired.
// When another refresher already replaced stale, the stored credentials are returned without a
// network call.
func (c *Coordinator) Refresh(ctx context.Context, sessionID, stale string) (*domain.Credentials, error) {
	ctx, span := otel.Tracer("wavefed/refresh").Start(ctx, "refresh.Refresh")
	defer span.End()

	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if c.opts.Locker != nil {
		release, err := c.opts.Locker.Acquire(ctx, "wavefed:refresh:"+sessionID)
		if err != nil {
			c.logger.Warn("distributed refresh lock unavailable, relying on re-read",
				zap.String("session", security.Redact(sessionID)), zap.Error(err))
		} else {
			defer release()
		}
	}

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Credentials.AccessToken != stale {
		span.SetAttributes(attribute.Bool("refresh.won_elsewhere", true))
		return sess.Credentials, nil
	}

	fresh, refreshErr := c.refresh(ctx, sess.Credentials)
	if refreshErr == nil {
		if err := c.store.UpdateCredentials(ctx, sessionID, fresh); err != nil {
			return nil, fmt.Errorf("persist refreshed credentials: %w", err)
		}
		telemetry.EmitAsync(c.opts.Events, ctx, teldomain.NewEvent(teldomain.EventRefresh, sess.DID, security.Redact(sessionID)))
		return fresh, nil
	}
	c.logger.Warn("token refresh failed, re-reading session",
		zap.String("session", security.Redact(sessionID)), zap.String("did", sess.DID), zap.Error(refreshErr))

	// A parallel winner in another process may have rotated the refresh token under us.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.opts.RetryPause):
	}
	if again, err := c.store.Get(ctx, sessionID); err == nil && again.Credentials.AccessToken != stale {
		return again.Credentials, nil
	}

	span.SetStatus(codes.Error, "refresh failed")
	ended := errors.Is(refreshErr, provider.ErrInvalidGrant)
	telemetry.EmitAsync(c.opts.Events, ctx,
		teldomain.NewEvent(teldomain.EventRefreshFailed, sess.DID, security.Redact(sessionID)).
			With("error", refreshErr.Error()).With("session_ended", strconv.FormatBool(ended)))
	if !ended {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, refreshErr)
	}
	// invalid_grant is final for this session.
	if err := c.store.Delete(ctx, sessionID); err != nil {
		c.logger.Warn("delete ended session", zap.String("session", security.Redact(sessionID)), zap.Error(err))
	}
	c.Forget(sessionID)
	return nil, fmt.Errorf("%w: %w", ErrSessionEnded, refreshErr)
}

// refresh exchanges creds' refresh token and returns the rotated credentials.
func (c *Coordinator) refresh(ctx context.Context, creds *domain.Credentials) (*domain.Credentials, error) {
	if creds.RefreshToken == "" {
		return nil, errors.New("session has no refresh token")
	}
	key, err := creds.DPoPKey()
	if err != nil {
		return nil, err
	}
	next := creds.Clone()
	if next.TokenEndpoint == "" {
		meta, err := c.provider.Metadata(ctx, next.Issuer)
		if err != nil {
			return nil, err
		}
		next.TokenEndpoint = meta.TokenEndpoint
	}
	tok, err := c.provider.Refresh(ctx, next.TokenEndpoint, next.Issuer, next.RefreshToken, dpop.NewSigner(key), next)
	if err != nil {
		return nil, err
	}
	if tok.Sub != "" && tok.Sub != creds.DID {
		return nil, fmt.Errorf("%w: refresh returned subject %s for %s", provider.ErrProvider, tok.Sub, creds.DID)
	}
	next.Version = domain.CredentialsVersion
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.AccessExpiresAt = tok.ExpiresAt(c.now())
	if tok.Scope != "" {
		next.Scope = tok.Scope
	}
	return next, nil
}
