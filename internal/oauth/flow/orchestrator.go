// Package flow runs the OAuth authorization code flow: start (PKCE, DPoP key, optional PAR) and
// callback (state lookup, issuer check, DPoP-bound code exchange).
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"wavefed/backend/internal/identity/domain"
	"wavefed/backend/internal/oauth/dpop"
	flowdomain "wavefed/backend/internal/oauth/flow/domain"
	"wavefed/backend/internal/oauth/flow/repository"
	"wavefed/backend/internal/oauth/provider"
	"wavefed/backend/internal/scope"
	"wavefed/backend/internal/security"
	sessiondomain "wavefed/backend/internal/session/domain"
)

var (
	// ErrUnknownState is returned when a callback's state matches no open authorization.
	ErrUnknownState = errors.New("unknown or expired authorization state")
	// ErrIssuerMismatch is returned when the callback iss differs from the issuer the flow started with.
	ErrIssuerMismatch = errors.New("callback issuer mismatch")
	// ErrIdentityMismatch is returned when the authorized account is not the one the flow was started for.
	ErrIdentityMismatch = errors.New("authorized account does not match the requested account")
	// ErrInvalidPrompt is returned for an unsupported prompt value.
	ErrInvalidPrompt = errors.New("invalid prompt")
)

var validPrompts = map[string]bool{"": true, "login": true, "consent": true, "select_account": true, "none": true}

// Provider is the authorization server client the orchestrator needs.
type Provider interface {
	Metadata(ctx context.Context, issuer string) (*provider.ServerMetadata, error)
	PushAuthorization(ctx context.Context, meta *provider.ServerMetadata, params url.Values, signer *dpop.Signer, nonces dpop.NonceStore) (string, error)
	ExchangeCode(ctx context.Context, meta *provider.ServerMetadata, code, verifier, redirectURI string, signer *dpop.Signer, nonces dpop.NonceStore) (*provider.TokenResponse, error)
	Confidential() bool
	ClientID() string
}

// IdentityResolver resolves login hints, handles and scope preferences.
type IdentityResolver interface {
	Resolve(ctx context.Context, hint string) (*domain.Identity, error)
	LookupHandle(ctx context.Context, resourceURL, did string) (string, error)
	ExtendedScopeEnabled(ctx context.Context, did string) bool
}

// Options configures an Orchestrator.
type Options struct {
	RedirectURI   string
	BaseScope     string
	ExtendedScope string
	PendingTTL    time.Duration
}

// Orchestrator is safe for concurrent use; all per-flow state lives in the repository.
type Orchestrator struct {
	provider Provider
	resolver IdentityResolver
	repo     repository.Repository
	cipher   *security.Cipher
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator returns an Orchestrator. cipher seals the PKCE verifier and DPoP key at rest.
func NewOrchestrator(p Provider, resolver IdentityResolver, repo repository.Repository, cipher *security.Cipher, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{provider: p, resolver: resolver, repo: repo, cipher: cipher, opts: opts, logger: logger, now: time.Now}
}

// StartParams describes an authorization to start.
type StartParams struct {
	IdentityHint string
	Prompt       string
	ExtraScopes  []string
	// Flow, when set, is persisted under the new state so the callback knows what to produce.
	Flow *flowdomain.PendingFlow
}

// secrets are sealed into PendingAuthorization.EncryptedSecrets.
type secrets struct {
	PKCEVerifier string `json:"pkce_verifier"`
	DPoPKeyPEM   string `json:"dpop_key_pem"`
}

// StartFlow opens an authorization and returns the URL to send the user agent to and its state.
func (o *Orchestrator) StartFlow(ctx context.Context, p StartParams) (string, string, error) {
	if !validPrompts[p.Prompt] {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPrompt, p.Prompt)
	}
	id, err := o.resolver.Resolve(ctx, p.IdentityHint)
	if err != nil {
		return "", "", fmt.Errorf("resolve identity: %w", err)
	}
	requested := o.Scope(ctx, id.DID, p.ExtraScopes...)

	meta, err := o.provider.Metadata(ctx, id.Issuer)
	if err != nil {
		return "", "", err
	}
	state, err := security.NewOpaqueToken()
	if err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()
	key, keyPEM, err := dpop.GenerateKey()
	if err != nil {
		return "", "", err
	}
	plain, err := json.Marshal(secrets{PKCEVerifier: verifier, DPoPKeyPEM: keyPEM})
	if err != nil {
		return "", "", err
	}
	sealed, err := o.cipher.Seal(plain, []byte(state))
	if err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", o.provider.ClientID())
	params.Set("redirect_uri", o.opts.RedirectURI)
	params.Set("scope", requested)
	params.Set("state", state)
	params.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	params.Set("code_challenge_method", "S256")
	if hint := strings.TrimSpace(p.IdentityHint); hint != "" {
		params.Set("login_hint", strings.TrimPrefix(hint, "@"))
	}
	if p.Prompt != "" {
		params.Set("prompt", p.Prompt)
	}

	nonces := dpop.NonceMap{}
	authURL := meta.AuthorizationEndpoint + "?" + params.Encode()
	if meta.PushedAuthorizationRequestEndpoint != "" {
		requestURI, err := o.provider.PushAuthorization(ctx, meta, params, dpop.NewSigner(key), nonces)
		if err != nil {
			return "", "", err
		}
		authURL = meta.AuthorizationEndpoint + "?" + url.Values{
			"client_id":   {o.provider.ClientID()},
			"request_uri": {requestURI},
		}.Encode()
	} else if meta.RequirePushedAuthorizationRequests {
		return "", "", fmt.Errorf("%w: server requires PAR but advertises no endpoint", provider.ErrProvider)
	}

	now := o.now().UTC()
	pending := &flowdomain.PendingAuthorization{
		State:             state,
		Issuer:            meta.Issuer,
		TokenEndpoint:     meta.TokenEndpoint,
		ResourceServerURL: id.ResourceServerURL,
		ExpectedDID:       id.DID,
		HandleHint:        id.Handle,
		Scope:             requested,
		EncryptedSecrets:  sealed,
		DPoPNonce:         nonces.Nonce(meta.TokenEndpoint),
		ExpiresAt:         now.Add(o.opts.PendingTTL),
		CreatedAt:         now,
	}
	if err := o.repo.CreateAuthorization(ctx, pending); err != nil {
		return "", "", fmt.Errorf("save pending authorization: %w", err)
	}
	if p.Flow != nil {
		f := *p.Flow
		f.State = state
		f.ExpiresAt = pending.ExpiresAt
		f.CreatedAt = now
		if f.RequestedScopes == "" {
			f.RequestedScopes = requested
		}
		if err := o.repo.CreateFlow(ctx, &f); err != nil {
			return "", "", fmt.Errorf("save pending flow: %w", err)
		}
	}
	return authURL, state, nil
}

// Scope is the scope requested for did: the base scope, the extended scope when did opted in,
// and any extra scopes.
func (o *Orchestrator) Scope(ctx context.Context, did string, extra ...string) string {
	set := scope.Parse(o.opts.BaseScope)
	if o.opts.ExtendedScope != "" && o.resolver.ExtendedScopeEnabled(ctx, did) {
		set = set.Union(scope.Parse(o.opts.ExtendedScope))
	}
	return set.Union(scope.Of(extra...)).String()
}

// CallbackResult is a completed authorization.
type CallbackResult struct {
	DID         string
	Handle      string
	Credentials *sessiondomain.Credentials
	// Flow is nil for a plain login, including when the flow row was pruned.
	Flow *flowdomain.PendingFlow
}

// HandleCallback completes the authorization identified by state.
func (o *Orchestrator) HandleCallback(ctx context.Context, code, state, iss string) (*CallbackResult, error) {
	if code == "" || state == "" {
		return nil, ErrUnknownState
	}
	now := o.now()
	pending, flow, err := o.repo.Take(ctx, state, now)
	if err != nil {
		return nil, fmt.Errorf("load pending authorization: %w", err)
	}
	if pending == nil {
		return nil, ErrUnknownState
	}
	meta, err := o.provider.Metadata(ctx, pending.Issuer)
	if err != nil {
		return nil, err
	}
	if iss == "" && meta.AuthorizationResponseISSParameterSupported {
		return nil, fmt.Errorf("%w: missing iss", ErrIssuerMismatch)
	}
	if iss != "" && strings.TrimRight(iss, "/") != strings.TrimRight(pending.Issuer, "/") {
		return nil, ErrIssuerMismatch
	}
	plain, err := o.cipher.Open(pending.EncryptedSecrets, []byte(state))
	if err != nil {
		return nil, fmt.Errorf("open pending secrets: %w", err)
	}
	var sec secrets
	if err := json.Unmarshal(plain, &sec); err != nil {
		return nil, fmt.Errorf("decode pending secrets: %w", err)
	}
	key, err := security.DecodeES256PrivateKeyPEM(sec.DPoPKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("pending dpop key: %w", err)
	}

	nonces := dpop.NonceMap{}
	nonces.SetNonce(pending.TokenEndpoint, pending.DPoPNonce)
	tok, err := o.provider.ExchangeCode(ctx, meta, code, sec.PKCEVerifier, o.opts.RedirectURI, dpop.NewSigner(key), nonces)
	if err != nil {
		return nil, err
	}
	if tok.Sub == "" {
		return nil, fmt.Errorf("%w: token response without sub", provider.ErrProvider)
	}
	if pending.ExpectedDID != "" && tok.Sub != pending.ExpectedDID {
		return nil, ErrIdentityMismatch
	}

	handle := ""
	if tok.Sub == pending.ExpectedDID {
		handle = pending.HandleHint
	}
	if handle == "" {
		h, err := o.resolver.LookupHandle(ctx, pending.ResourceServerURL, tok.Sub)
		if err != nil {
			o.logger.Warn("handle lookup failed, using did", zap.String("did", tok.Sub), zap.Error(err))
			h = tok.Sub
		}
		handle = h
	}

	granted := tok.Scope
	if granted == "" {
		granted = pending.Scope
	}
	authMethod := sessiondomain.ClientAuthNone
	if o.provider.Confidential() {
		authMethod = sessiondomain.ClientAuthPrivateKeyJWT
	}
	creds := &sessiondomain.Credentials{
		Version:           sessiondomain.CredentialsVersion,
		DID:               tok.Sub,
		Handle:            handle,
		ResourceServerURL: pending.ResourceServerURL,
		Issuer:            pending.Issuer,
		TokenEndpoint:     pending.TokenEndpoint,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		AccessExpiresAt:   tok.ExpiresAt(now),
		DPoPKeyPEM:        sec.DPoPKeyPEM,
		Scope:             granted,
		ClientAuthMethod:  authMethod,
	}
	creds.SetNonce(pending.TokenEndpoint, nonces.Nonce(pending.TokenEndpoint))

	if flow == nil {
		o.logger.Debug("no pending flow for state, completing as login", zap.String("did", tok.Sub))
	}
	return &CallbackResult{DID: tok.Sub, Handle: handle, Credentials: creds, Flow: flow}, nil
}

// PurgeExpired deletes expired pending rows.
func (o *Orchestrator) PurgeExpired(ctx context.Context) (int64, error) {
	return o.repo.DeleteExpired(ctx, o.now())
}
