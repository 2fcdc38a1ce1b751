// Package service ties authorization flows, sessions and exchange tokens together into the
// operations the HTTP API exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wavefed/backend/internal/audit"
	exchangedomain "wavefed/backend/internal/exchange/domain"
	"wavefed/backend/internal/oauth/flow"
	flowdomain "wavefed/backend/internal/oauth/flow/domain"
	"wavefed/backend/internal/scope"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session"
	sessiondomain "wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/telemetry"
	teldomain "wavefed/backend/internal/telemetry/domain"
)

// DevTokenPrefixLen is how many leading characters of a developer token identify it in listings.
const DevTokenPrefixLen = 8

const maxTokenNameLen = 100

// Sentinel errors for the auth service; the HTTP layer maps them to status codes.
var (
	ErrInvalidTokenName  = errors.New("developer token name must be 1-100 characters")
	ErrInvalidTTL        = errors.New("developer token ttl out of range")
	ErrDevTokenNotFound  = errors.New("developer token not found")
	ErrAmbiguousPrefix   = errors.New("developer token prefix matches more than one token")
	ErrOwnerMismatch     = errors.New("authorization completed by another account")
	ErrDevTokenForbidden = errors.New("developer tokens cannot manage sessions")
)

// FlowStarter starts and completes authorizations.
type FlowStarter interface {
	StartFlow(ctx context.Context, p flow.StartParams) (string, string, error)
	HandleCallback(ctx context.Context, code, state, iss string) (*flow.CallbackResult, error)
}

// SessionStore is the minimal session store needed by the auth service.
type SessionStore interface {
	Create(ctx context.Context, p session.CreateParams) (string, error)
	Get(ctx context.Context, id string) (*sessiondomain.Session, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, did string, devOnly bool) ([]*sessiondomain.Session, error)
}

// ExchangeBroker issues and redeems exchange tokens.
type ExchangeBroker interface {
	Create(ctx context.Context, sessionID string, isDevToken bool) (string, error)
	Consume(ctx context.Context, token string) (*exchangedomain.Redemption, error)
}

// GroupManager links accounts of one browser.
type GroupManager interface {
	GetGroup(ctx context.Context, sessionID string) ([]sessiondomain.Account, error)
	PrepareLink(ctx context.Context, sourceID, did string) (string, error)
	SwitchActive(ctx context.Context, currentID, targetID string) (string, error)
	LogoutAll(ctx context.Context, sessionID string) ([]string, error)
}

// ScopeUpgrader widens a session's scope.
type ScopeUpgrader interface {
	StartUpgrade(ctx context.Context, sess *sessiondomain.Session, additional []string) (string, string, error)
	Complete(ctx context.Context, res *flow.CallbackResult) (string, string, error)
}

// RefreshForgetter drops per-session refresh state once a session is gone.
type RefreshForgetter interface {
	Forget(sessionID string)
}

// Preferences stores per-account opt-ins.
type Preferences interface {
	ExtendedScopeEnabled(ctx context.Context, did string) bool
	SetExtendedScope(ctx context.Context, did string, enabled bool) error
}

// Options configures an AuthService.
type Options struct {
	// SessionTTLDays is the lifetime of browser sessions.
	SessionTTLDays int
	// DevTokenMaxTTLDays caps developer token lifetimes.
	DevTokenMaxTTLDays int
}

// Deps groups the collaborators of an AuthService.
type Deps struct {
	Flows       FlowStarter
	Sessions    SessionStore
	Exchange    ExchangeBroker
	Groups      GroupManager
	Upgrades    ScopeUpgrader
	Refresh     RefreshForgetter
	Preferences Preferences
	Audit       audit.AuditLogger
	Events      telemetry.EventEmitter
}

// AuthService implements login, account linking, developer tokens, scope upgrades and logout.
type AuthService struct {
	Deps
	opts   Options
	logger *zap.Logger
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(deps Deps, opts Options, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = (*audit.Logger)(nil)
	}
	return &AuthService{Deps: deps, opts: opts, logger: logger}
}

// Login starts a plain login and returns the authorization URL.
func (s *AuthService) Login(ctx context.Context, hint, prompt string) (string, error) {
	authURL, _, err := s.Flows.StartFlow(ctx, flow.StartParams{IdentityHint: hint, Prompt: prompt})
	return authURL, err
}

// AddAccount starts a login whose session joins source's account group.
func (s *AuthService) AddAccount(ctx context.Context, source *sessiondomain.Session, hint string) (string, error) {
	if source.IsDeveloperToken {
		return "", ErrDevTokenForbidden
	}
	authURL, _, err := s.Flows.StartFlow(ctx, flow.StartParams{
		IdentityHint: hint,
		Prompt:       "login",
		Flow: &flowdomain.PendingFlow{
			Kind:            flowdomain.FlowAddAccount,
			OwnerDID:        source.DID,
			SourceSessionID: source.ID,
		},
	})
	return authURL, err
}

// StartDevToken starts a consent round for a developer token of sess's account. ttlDays <= 0
// uses the maximum.
func (s *AuthService) StartDevToken(ctx context.Context, sess *sessiondomain.Session, name string, ttlDays int) (string, error) {
	if sess.IsDeveloperToken {
		return "", ErrDevTokenForbidden
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxTokenNameLen {
		return "", ErrInvalidTokenName
	}
	if ttlDays <= 0 {
		ttlDays = s.opts.DevTokenMaxTTLDays
	}
	if ttlDays > s.opts.DevTokenMaxTTLDays {
		return "", fmt.Errorf("%w: at most %d days", ErrInvalidTTL, s.opts.DevTokenMaxTTLDays)
	}
	authURL, _, err := s.Flows.StartFlow(ctx, flow.StartParams{
		IdentityHint: sess.DID,
		Prompt:       "consent",
		Flow: &flowdomain.PendingFlow{
			Kind:      flowdomain.FlowDevToken,
			OwnerDID:  sess.DID,
			TokenName: name,
			TTLDays:   ttlDays,
		},
	})
	return authURL, err
}

// StartScopeUpgrade starts a consent round for additional scopes.
func (s *AuthService) StartScopeUpgrade(ctx context.Context, sess *sessiondomain.Session, scopes []string) (string, error) {
	authURL, _, err := s.Upgrades.StartUpgrade(ctx, sess, scopes)
	return authURL, err
}

// CallbackOutcome is what a completed authorization produced.
type CallbackOutcome struct {
	// Kind is empty for a plain login.
	Kind          flowdomain.FlowKind
	DID           string
	SessionID     string
	ExchangeToken string
	DevToken      bool
}

// Callback completes an authorization and creates the session its flow asks for. The session id
// never leaves the server here; the caller hands out the exchange token instead.
func (s *AuthService) Callback(ctx context.Context, code, state, iss string) (*CallbackOutcome, error) {
	res, err := s.Flows.HandleCallback(ctx, code, state, iss)
	if err != nil {
		s.Audit.LogEvent(ctx, "", "callback_failed", "oauth", err.Error())
		return nil, err
	}
	var out *CallbackOutcome
	switch {
	case res.Flow == nil:
		out, err = s.completeLogin(ctx, res, "")
	case res.Flow.Kind == flowdomain.FlowAddAccount:
		out, err = s.completeAddAccount(ctx, res)
	case res.Flow.Kind == flowdomain.FlowDevToken:
		out, err = s.completeDevToken(ctx, res)
	case res.Flow.Kind == flowdomain.FlowScopeUpgrade:
		out, err = s.completeUpgrade(ctx, res)
	default:
		s.logger.Warn("unknown flow kind, completing as login", zap.String("kind", string(res.Flow.Kind)))
		out, err = s.completeLogin(ctx, res, "")
	}
	if err != nil {
		s.Audit.LogEvent(ctx, res.DID, "callback_failed", "oauth", err.Error())
		return nil, err
	}
	return out, nil
}

func (s *AuthService) completeLogin(ctx context.Context, res *flow.CallbackResult, groupID string) (*CallbackOutcome, error) {
	id, err := s.Sessions.Create(ctx, session.CreateParams{
		DID:         res.DID,
		Handle:      res.Handle,
		Credentials: res.Credentials,
		TTLDays:     s.opts.SessionTTLDays,
		GroupID:     groupID,
	})
	if err != nil {
		return nil, err
	}
	token, err := s.Deps.Exchange.Create(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("issue exchange token: %w", err)
	}
	ev := teldomain.EventLogin
	kind := flowdomain.FlowKind("")
	if groupID != "" {
		ev = teldomain.EventAddAccount
		kind = flowdomain.FlowAddAccount
	}
	s.Audit.LogEvent(ctx, res.DID, "login", "session", security.Redact(id))
	telemetry.EmitAsync(s.Events, ctx, teldomain.NewEvent(ev, res.DID, security.Redact(id)).With("scope", res.Credentials.Scope))
	return &CallbackOutcome{Kind: kind, DID: res.DID, SessionID: id, ExchangeToken: token}, nil
}

func (s *AuthService) completeAddAccount(ctx context.Context, res *flow.CallbackResult) (*CallbackOutcome, error) {
	groupID, err := s.Groups.PrepareLink(ctx, res.Flow.SourceSessionID, res.DID)
	if err != nil {
		if !errors.Is(err, sessiondomain.ErrInvalidSession) {
			return nil, err
		}
		s.logger.Info("add-account source session gone, completing as login", zap.String("did", res.DID))
		return s.completeLogin(ctx, res, "")
	}
	return s.completeLogin(ctx, res, groupID)
}

func (s *AuthService) completeDevToken(ctx context.Context, res *flow.CallbackResult) (*CallbackOutcome, error) {
	f := res.Flow
	if res.DID != f.OwnerDID {
		return nil, ErrOwnerMismatch
	}
	ttl := f.TTLDays
	if ttl <= 0 || ttl > s.opts.DevTokenMaxTTLDays {
		ttl = s.opts.DevTokenMaxTTLDays
	}
	id, err := s.Sessions.Create(ctx, session.CreateParams{
		DID:         res.DID,
		Handle:      res.Handle,
		Credentials: res.Credentials,
		TTLDays:     ttl,
		DevToken:    true,
		TokenName:   f.TokenName,
	})
	if err != nil {
		return nil, err
	}
	token, err := s.Deps.Exchange.Create(ctx, id, true)
	if err != nil {
		return nil, fmt.Errorf("issue exchange token: %w", err)
	}
	s.Audit.LogEvent(ctx, res.DID, "create", "developer_token", f.TokenName)
	telemetry.EmitAsync(s.Events, ctx, teldomain.NewEvent(teldomain.EventDevToken, res.DID, security.Redact(id)).With("name", f.TokenName))
	return &CallbackOutcome{Kind: flowdomain.FlowDevToken, DID: res.DID, SessionID: id, ExchangeToken: token, DevToken: true}, nil
}

func (s *AuthService) completeUpgrade(ctx context.Context, res *flow.CallbackResult) (*CallbackOutcome, error) {
	id, token, err := s.Upgrades.Complete(ctx, res)
	if err != nil {
		return nil, err
	}
	s.forget(res.Flow.OldSessionID)
	s.Audit.LogEvent(ctx, res.DID, "upgrade", "scope", res.Credentials.Scope)
	return &CallbackOutcome{Kind: flowdomain.FlowScopeUpgrade, DID: res.DID, SessionID: id, ExchangeToken: token}, nil
}

// ExchangeResult is a redeemed exchange token.
type ExchangeResult struct {
	SessionID string
	DID       string
	DevToken  bool
}

// Exchange redeems an exchange token for the session it was issued for. A token whose session
// has since disappeared is reported as an invalid session.
func (s *AuthService) Exchange(ctx context.Context, token string) (*ExchangeResult, error) {
	r, err := s.Deps.Exchange.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	sess, err := s.Sessions.Get(ctx, r.SessionID)
	if err != nil {
		return nil, err
	}
	s.Audit.LogEvent(ctx, sess.DID, "exchange", "session", security.Redact(sess.ID))
	return &ExchangeResult{SessionID: sess.ID, DID: sess.DID, DevToken: r.IsDevToken}, nil
}

// Profile describes the signed-in account.
type Profile struct {
	DID                  string
	Handle               string
	Scope                []string
	DevToken             bool
	ExtendedScopeEnabled bool
	Accounts             []sessiondomain.Account
}

// Me returns sess's profile and the accounts linked with it.
func (s *AuthService) Me(ctx context.Context, sess *sessiondomain.Session) (*Profile, error) {
	accounts, err := s.Groups.GetGroup(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	p := &Profile{
		DID:      sess.DID,
		Handle:   sess.Handle,
		DevToken: sess.IsDeveloperToken,
		Accounts: accounts,
	}
	if sess.Credentials != nil {
		p.Scope = scope.Parse(sess.Credentials.Scope).Slice()
	}
	if s.Preferences != nil {
		p.ExtendedScopeEnabled = s.Preferences.ExtendedScopeEnabled(ctx, sess.DID)
	}
	return p, nil
}

// SetExtendedScope records the account's opt-in; it applies from the next authorization on.
func (s *AuthService) SetExtendedScope(ctx context.Context, did string, enabled bool) error {
	if s.Preferences == nil {
		return errors.New("preferences are not configured")
	}
	if err := s.Preferences.SetExtendedScope(ctx, did, enabled); err != nil {
		return err
	}
	s.Audit.LogEvent(ctx, did, "update", "preferences", fmt.Sprintf("extended_scope=%t", enabled))
	return nil
}

// Switch points the caller at another session of its account group.
func (s *AuthService) Switch(ctx context.Context, current *sessiondomain.Session, targetID string) (string, error) {
	if current.IsDeveloperToken {
		return "", ErrDevTokenForbidden
	}
	id, err := s.Groups.SwitchActive(ctx, current.ID, targetID)
	if err != nil {
		return "", err
	}
	s.Audit.LogEvent(ctx, current.DID, "switch", "account_group", security.Redact(id))
	return id, nil
}

// Logout deletes sess.
func (s *AuthService) Logout(ctx context.Context, sess *sessiondomain.Session) error {
	if err := s.Sessions.Delete(ctx, sess.ID); err != nil {
		return err
	}
	s.forget(sess.ID)
	s.Audit.LogEvent(ctx, sess.DID, "logout", "session", security.Redact(sess.ID))
	telemetry.EmitAsync(s.Events, ctx, teldomain.NewEvent(teldomain.EventLogout, sess.DID, security.Redact(sess.ID)))
	return nil
}

// LogoutAll deletes every session of sess's account group.
func (s *AuthService) LogoutAll(ctx context.Context, sess *sessiondomain.Session) (int, error) {
	if sess.IsDeveloperToken {
		return 0, ErrDevTokenForbidden
	}
	ids, err := s.Groups.LogoutAll(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.forget(id)
	}
	s.Audit.LogEvent(ctx, sess.DID, "logout_all", "account_group", fmt.Sprintf("sessions=%d", len(ids)))
	return len(ids), nil
}

// DevTokenInfo is a developer token as listed to its owner. The full id is never listed.
type DevTokenInfo struct {
	Prefix    string
	Name      string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ListDevTokens returns did's developer tokens.
func (s *AuthService) ListDevTokens(ctx context.Context, did string) ([]DevTokenInfo, error) {
	tokens, err := s.Sessions.ListByOwner(ctx, did, true)
	if err != nil {
		return nil, err
	}
	out := make([]DevTokenInfo, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, DevTokenInfo{Prefix: prefix(t.ID), Name: t.TokenName, CreatedAt: t.CreatedAt, ExpiresAt: t.ExpiresAt})
	}
	return out, nil
}

// RevokeDevToken deletes the developer token of did whose id starts with idPrefix.
func (s *AuthService) RevokeDevToken(ctx context.Context, did, idPrefix string) error {
	if len(idPrefix) < DevTokenPrefixLen {
		return ErrDevTokenNotFound
	}
	tokens, err := s.Sessions.ListByOwner(ctx, did, true)
	if err != nil {
		return err
	}
	var match *sessiondomain.Session
	for _, t := range tokens {
		if !strings.HasPrefix(t.ID, idPrefix) {
			continue
		}
		if match != nil {
			return ErrAmbiguousPrefix
		}
		match = t
	}
	if match == nil {
		return ErrDevTokenNotFound
	}
	if err := s.Sessions.Delete(ctx, match.ID); err != nil {
		return err
	}
	s.forget(match.ID)
	s.Audit.LogEvent(ctx, did, "revoke", "developer_token", match.TokenName)
	telemetry.EmitAsync(s.Events, ctx, teldomain.NewEvent(teldomain.EventDevTokenRevoke, did, security.Redact(match.ID)))
	return nil
}

func (s *AuthService) forget(id string) {
	if s.Refresh != nil {
		s.Refresh.Forget(id)
	}
}

func prefix(id string) string {
	if len(id) <= DevTokenPrefixLen {
		return id
	}
	return id[:DevTokenPrefixLen]
}
