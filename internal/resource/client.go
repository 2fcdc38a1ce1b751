// Package resource calls the resource server with a session's DPoP-bound access token. An expired
// token triggers one coordinated refresh and one retry; anything else is returned as received.
package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"wavefed/backend/internal/oauth/dpop"
	"wavefed/backend/internal/session/domain"
)

// ErrUpstream is returned when the resource server could not be reached or still rejected the
// token after the refresh-triggered retry.
var ErrUpstream = errors.New("resource server request failed")

const maxResponseBytes = 8 << 20

// Refresher renews a session's credentials after its access token was rejected as expired.
type Refresher interface {
	Refresh(ctx context.Context, sessionID, stale string) (*domain.Credentials, error)
}

// Request is a call to forward. Path is relative to the session's resource server, e.g.
// "/xrpc/com.atproto.repo.getRecord".
type Request struct {
	Method      string
	Path        string
	RawQuery    string
	Body        []byte
	ContentType string
}

// Response is the resource server's answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	refresher  Refresher
	timeout    time.Duration
	nonces     *nonceCache
	logger     *zap.Logger
}

// NewClient returns a Client. timeout bounds each attempt.
func NewClient(httpClient *http.Client, refresher Refresher, timeout time.Duration, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{httpClient: httpClient, refresher: refresher, timeout: timeout, nonces: &nonceCache{m: dpop.NonceMap{}}, logger: logger}
}

// Do sends req for sess: attempt, and on an expired-token 401 refresh once and retry once.
func (c *Client) Do(ctx context.Context, sess *domain.Session, req Request) (*Response, error) {
	ctx, span := otel.Tracer("wavefed/resource").Start(ctx, "resource.Do")
	defer span.End()
	span.SetAttributes(attribute.String("http.method", req.Method), attribute.String("resource.path", req.Path))

	resp, err := c.attempt(ctx, sess.Credentials, req)
	if err != nil {
		return nil, err
	}
	if !IsExpiredToken(resp.StatusCode, resp.Header, resp.Body) {
		return resp, nil
	}

	c.logger.Debug("access token expired, refreshing", zap.String("did", sess.DID))
	span.SetAttributes(attribute.Bool("resource.refreshed", true))
	fresh, err := c.refresher.Refresh(ctx, sess.ID, sess.Credentials.AccessToken)
	if err != nil {
		return nil, err
	}
	resp, err = c.attempt(ctx, fresh, req)
	if err != nil {
		return nil, err
	}
	if IsExpiredToken(resp.StatusCode, resp.Header, resp.Body) {
		return nil, fmt.Errorf("%w: token rejected after refresh", ErrUpstream)
	}
	return resp, nil
}

// attempt sends req once, answering at most one use_dpop_nonce challenge.
func (c *Client) attempt(ctx context.Context, creds *domain.Credentials, req Request) (*Response, error) {
	key, err := creds.DPoPKey()
	if err != nil {
		return nil, fmt.Errorf("session dpop key: %w", err)
	}
	signer := dpop.NewSigner(key)
	target := strings.TrimRight(creds.ResourceServerURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	if c.nonces.Nonce(target) == "" {
		c.nonces.SetNonce(target, creds.Nonce(target))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.send(ctx, signer, creds.AccessToken, target, req)
	if err != nil {
		return nil, err
	}
	if dpop.IsNonceChallenge(resp.StatusCode, resp.Header, resp.Body) {
		resp, err = c.send(ctx, signer, creds.AccessToken, target, req)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, signer *dpop.Signer, accessToken, target string, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	proof, err := signer.Proof(method, target, c.nonces.Nonce(target), accessToken)
	if err != nil {
		return nil, fmt.Errorf("dpop proof: %w", err)
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "DPoP "+accessToken)
	httpReq.Header.Set(dpop.HeaderName, proof)
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	c.nonces.SetNonce(target, resp.Header.Get(dpop.NonceHeader))
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// IsExpiredToken reports whether a response rejects the access token as expired. Only a 401 whose
// body or challenge says so counts; other 401s (missing auth, bad proof) are passed through.
func IsExpiredToken(status int, header http.Header, body []byte) bool {
	if status != http.StatusUnauthorized {
		return false
	}
	if strings.Contains(strings.ToLower(header.Get("WWW-Authenticate")), "expired") {
		return true
	}
	var e struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) != nil {
		return false
	}
	if e.Error == "ExpiredToken" {
		return true
	}
	return e.Error == "invalid_token" && strings.Contains(strings.ToLower(e.Message+" "+e.Description), "expired")
}

// nonceCache holds the resource server nonces learned by this process. They are not written back
// to the session, so a proxied call never races a refresh writing the same row.
type nonceCache struct {
	mu sync.Mutex
	m  dpop.NonceMap
}

func (n *nonceCache) Nonce(target string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.m.Nonce(target)
}

func (n *nonceCache) SetNonce(target, nonce string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.m.SetNonce(target, nonce)
}
