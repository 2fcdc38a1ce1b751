// Package provider talks to OAuth 2.1 authorization servers: discovery, pushed authorization
// requests and the token endpoint, every call DPoP-proofed with nonce rotation.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"wavefed/backend/internal/oauth/dpop"
	"wavefed/backend/internal/security"
)

const maxBodyBytes = 1 << 20

// ErrProvider marks transport and protocol failures talking to an authorization server.
var ErrProvider = errors.New("authorization server request failed")

// ErrInvalidGrant is matched by an *Error whose code is invalid_grant: the refresh token or code is spent.
var ErrInvalidGrant = errors.New("invalid_grant")

// Error is an OAuth error response.
type Error struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("oauth error %s (status %d)", e.Code, e.StatusCode)
}

// Is lets errors.Is match ErrProvider for every OAuth error and ErrInvalidGrant for invalid_grant.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProvider:
		return true
	case ErrInvalidGrant:
		return e.Code == "invalid_grant"
	}
	return false
}

// TokenResponse is a token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// ExpiresAt converts expires_in to an absolute time; nil when the server did not say.
func (t *TokenResponse) ExpiresAt(now time.Time) *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	return &at
}

// Client is safe for concurrent use. Per-flow state (DPoP key, nonces) is passed into each call.
type Client struct {
	httpClient *http.Client
	clientID   string
	assertion  *security.ClientAssertionSigner
	timeout    time.Duration
	logger     *zap.Logger
	metadata   metadataCache
	now        func() time.Time
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	ClientID   string
	// Assertion is set for confidential clients; nil sends token_endpoint_auth_method=none requests.
	Assertion *security.ClientAssertionSigner
	// Timeout bounds each outbound call, retries included.
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewClient returns a Client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		httpClient: opts.HTTPClient,
		clientID:   opts.ClientID,
		assertion:  opts.Assertion,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// Confidential reports whether token requests carry a client assertion.
func (c *Client) Confidential() bool {
	return c.assertion != nil
}

// ClientID is the client identifier sent with every request.
func (c *Client) ClientID() string {
	return c.clientID
}

// PushAuthorization submits params to the PAR endpoint and returns the request_uri.
func (c *Client) PushAuthorization(ctx context.Context, meta *ServerMetadata, params url.Values, signer *dpop.Signer, nonces dpop.NonceStore) (string, error) {
	if meta.PushedAuthorizationRequestEndpoint == "" {
		return "", fmt.Errorf("%w: no pushed authorization request endpoint", ErrProvider)
	}
	var out struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int64  `json:"expires_in"`
	}
	if err := c.postForm(ctx, meta.PushedAuthorizationRequestEndpoint, meta.Issuer, params, signer, nonces, &out); err != nil {
		return "", fmt.Errorf("pushed authorization request: %w", err)
	}
	if out.RequestURI == "" {
		return "", fmt.Errorf("%w: empty request_uri", ErrProvider)
	}
	return out.RequestURI, nil
}

// ExchangeCode redeems an authorization code.
func (c *Client) ExchangeCode(ctx context.Context, meta *ServerMetadata, code, verifier, redirectURI string, signer *dpop.Signer, nonces dpop.NonceStore) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", redirectURI)
	tok, err := c.token(ctx, meta.TokenEndpoint, meta.Issuer, form, signer, nonces)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	return tok, nil
}

// Refresh redeems refreshToken at tokenEndpoint.
func (c *Client) Refresh(ctx context.Context, tokenEndpoint, issuer, refreshToken string, signer *dpop.Signer, nonces dpop.NonceStore) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrInvalidGrant)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	tok, err := c.token(ctx, tokenEndpoint, issuer, form, signer, nonces)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	return tok, nil
}

func (c *Client) token(ctx context.Context, endpoint, issuer string, form url.Values, signer *dpop.Signer, nonces dpop.NonceStore) (*TokenResponse, error) {
	var tok TokenResponse
	if err := c.postForm(ctx, endpoint, issuer, form, signer, nonces, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access_token", ErrProvider)
	}
	if tok.TokenType != "" && !strings.EqualFold(tok.TokenType, "DPoP") {
		return nil, fmt.Errorf("%w: token_type %q is not DPoP", ErrProvider, tok.TokenType)
	}
	return &tok, nil
}

// postForm sends form to endpoint. A use_dpop_nonce challenge gets exactly one retry with the
// issued nonce; every other failure is returned as is.
func (c *Client) postForm(ctx context.Context, endpoint, issuer string, form url.Values, signer *dpop.Signer, nonces dpop.NonceStore, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, header, body, err := c.attempt(ctx, endpoint, issuer, form, signer, nonces)
	if err != nil {
		return err
	}
	if dpop.IsNonceChallenge(status, header, body) {
		c.logger.Debug("dpop nonce challenge, retrying once", zap.String("endpoint", endpoint))
		status, header, body, err = c.attempt(ctx, endpoint, issuer, form, signer, nonces)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return parseError(status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Join(ErrProvider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// attempt sends one request with a fresh proof and client assertion and records any nonce returned.
func (c *Client) attempt(ctx context.Context, endpoint, issuer string, form url.Values, signer *dpop.Signer, nonces dpop.NonceStore) (int, http.Header, []byte, error) {
	values := url.Values{}
	for k, v := range form {
		values[k] = v
	}
	values.Set("client_id", c.clientID)
	if c.assertion != nil {
		assertion, err := c.assertion.Sign(issuer)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("sign client assertion: %w", err)
		}
		values.Set("client_assertion_type", security.ClientAssertionType)
		values.Set("client_assertion", assertion)
	}
	proof, err := signer.Proof(http.MethodPost, endpoint, nonces.Nonce(endpoint), "")
	if err != nil {
		return 0, nil, nil, fmt.Errorf("dpop proof: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(dpop.HeaderName, proof)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	nonces.SetNonce(endpoint, resp.Header.Get(dpop.NonceHeader))
	body, err := readBody(resp)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func parseError(status int, body []byte) error {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error == "" {
		return &Error{StatusCode: status, Code: "http_error", Description: truncate(string(body))}
	}
	return &Error{StatusCode: status, Code: e.Error, Description: e.ErrorDescription}
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProvider, err)
	}
	return body, nil
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
