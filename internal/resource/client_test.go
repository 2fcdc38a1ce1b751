package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"wavefed/backend/internal/oauth/dpop"
	"wavefed/backend/internal/oauth/oauthtest"
	"wavefed/backend/internal/oauth/provider"
	"wavefed/backend/internal/refresh"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/session/repository"
)

type fixture struct {
	srv    *oauthtest.Server
	store  *session.Store
	client *Client
	sess   *domain.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := oauthtest.NewServer(t)
	c, err := security.NewCipher(bytes.Repeat([]byte{4}, 32), security.PurposeSessionCredentials)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := session.NewStore(repository.NewMemoryRepository(), c, nil)
	_, keyPEM, err := dpop.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	access, refreshToken := srv.IssueTokens("did:plc:alice", "atproto")
	id, err := store.Create(context.Background(), session.CreateParams{
		DID: "did:plc:alice",
		Credentials: &domain.Credentials{
			Version: domain.CredentialsVersion, DID: "did:plc:alice",
			ResourceServerURL: srv.URL, Issuer: srv.URL, TokenEndpoint: srv.URL + "/oauth/token",
			AccessToken: access, RefreshToken: refreshToken, DPoPKeyPEM: keyPEM, Scope: "atproto",
		},
		TTLDays: 14,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	coord := refresh.NewCoordinator(store, provider.NewClient(provider.Options{ClientID: "https://app.test/client.json"}), refresh.Options{RetryPause: 1})
	return &fixture{srv: srv, store: store, client: NewClient(nil, coord, 0, nil), sess: sess}
}

type echo struct {
	DID    string `json:"did"`
	Method string `json:"method"`
	Query  string `json:"query"`
}

func decode(t *testing.T, resp *Response) echo {
	t.Helper()
	var e echo
	if err := json.Unmarshal(resp.Body, &e); err != nil {
		t.Fatalf("decode %s: %v", resp.Body, err)
	}
	return e
}

func TestDo_PassesThrough(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.Do(context.Background(), f.sess, Request{Method: "GET", Path: "/xrpc/fm.teal.alpha.feed.getPlays", RawQuery: "limit=5"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	e := decode(t, resp)
	if resp.StatusCode != http.StatusOK || e.DID != "did:plc:alice" || e.Method != "fm.teal.alpha.feed.getPlays" || e.Query != "limit=5" {
		t.Errorf("response = %d %+v", resp.StatusCode, e)
	}
	if f.srv.RefreshCalls.Load() != 0 {
		t.Error("refresh called for a valid token")
	}
}

func TestDo_ResourceNonceRetry(t *testing.T) {
	f := newFixture(t)
	f.srv.ResourceNonce = "rs-nonce"
	for i := 0; i < 2; i++ {
		resp, err := f.client.Do(context.Background(), f.sess, Request{Method: "POST", Path: "xrpc/com.atproto.repo.createRecord", Body: []byte(`{}`), ContentType: "application/json"})
		if err != nil || resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: %v %+v", i, err, resp)
		}
	}
	if got := f.client.nonces.Nonce(f.srv.URL); got != "rs-nonce" {
		t.Errorf("cached nonce = %q", got)
	}
}

func TestDo_ExpiredTokenRefreshesOnceAndRetries(t *testing.T) {
	f := newFixture(t)
	f.srv.ExpireAccess("A1")

	resp, err := f.client.Do(context.Background(), f.sess, Request{Method: "GET", Path: "/xrpc/app.test.get"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, resp.Body)
	}
	if f.srv.RefreshCalls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", f.srv.RefreshCalls.Load())
	}
	stored, _ := f.store.Get(context.Background(), f.sess.ID)
	if stored.Credentials.AccessToken != "A2" {
		t.Errorf("stored access token = %q, want A2", stored.Credentials.AccessToken)
	}
}

func TestDo_RefreshFailureIsInvalidSession(t *testing.T) {
	f := newFixture(t)
	f.srv.ExpireAccess("A1")
	f.srv.FailRefresh = true
	_, err := f.client.Do(context.Background(), f.sess, Request{Method: "GET", Path: "/xrpc/app.test.get"})
	if !errors.Is(err, refresh.ErrRefreshFailed) || !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("err = %v, want ErrRefreshFailed", err)
	}
}

type staticRefresher struct{ creds *domain.Credentials }

func (s staticRefresher) Refresh(ctx context.Context, sessionID, stale string) (*domain.Credentials, error) {
	return s.creds, nil
}

func TestDo_RetryIsBoundedToOne(t *testing.T) {
	f := newFixture(t)
	f.srv.ExpireAccess("A1")
	bogus := f.sess.Credentials.Clone()
	bogus.AccessToken = "never-valid"
	c := NewClient(nil, staticRefresher{creds: bogus}, 0, nil)
	if _, err := c.Do(context.Background(), f.sess, Request{Method: "GET", Path: "/xrpc/app.test.get"}); !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestDo_Unreachable(t *testing.T) {
	f := newFixture(t)
	f.srv.Close()
	if _, err := f.client.Do(context.Background(), f.sess, Request{Method: "GET", Path: "/xrpc/app.test.get"}); !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestIsExpiredToken(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		body   string
		want   bool
	}{
		{"ok", 200, "", `{}`, false},
		{"www-authenticate", 401, `DPoP error="invalid_token", error_description="token expired"`, ``, true},
		{"ExpiredToken", 401, "", `{"error":"ExpiredToken","message":"Token has expired"}`, true},
		{"invalid_token expired", 401, "", `{"error":"invalid_token","message":"\"exp\" claim timestamp check failed: token expired"}`, true},
		{"invalid_token other", 401, "", `{"error":"invalid_token","message":"bad signature"}`, false},
		{"auth missing", 401, "", `{"error":"AuthMissing"}`, false},
		{"forbidden", 403, "", `{"error":"ExpiredToken"}`, false},
		{"not json", 401, "", `expired`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("WWW-Authenticate", tt.header)
			}
			if got := IsExpiredToken(tt.status, h, []byte(tt.body)); got != tt.want {
				t.Errorf("IsExpiredToken = %v, want %v", got, tt.want)
			}
		})
	}
}
