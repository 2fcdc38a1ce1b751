package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"wavefed/backend/internal/accountgroup"
	"wavefed/backend/internal/audit"
	auditrepo "wavefed/backend/internal/audit/repository"
	"wavefed/backend/internal/exchange"
	exchangerepo "wavefed/backend/internal/exchange/repository"
	"wavefed/backend/internal/http/handler"
	"wavefed/backend/internal/http/middleware"
	"wavefed/backend/internal/identity"
	identityrepo "wavefed/backend/internal/identity/repository"
	"wavefed/backend/internal/identity/service"
	"wavefed/backend/internal/oauth/flow"
	flowrepo "wavefed/backend/internal/oauth/flow/repository"
	"wavefed/backend/internal/oauth/oauthtest"
	"wavefed/backend/internal/oauth/provider"
	"wavefed/backend/internal/policy/engine"
	"wavefed/backend/internal/refresh"
	"wavefed/backend/internal/resource"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session"
	sessiondomain "wavefed/backend/internal/session/domain"
	sessionrepo "wavefed/backend/internal/session/repository"
	"wavefed/backend/internal/upgrade"
)

const (
	extendedScope = "repo:fm.teal.alpha.feed.play"
	cookieName    = "session_id"
)

type stack struct {
	srv    *oauthtest.Server
	router *gin.Engine
	store  *session.Store
}

func newStack(t *testing.T, ratePerMinute int) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	srv := oauthtest.NewServer(t)
	srv.AddAccount("did:plc:alice", "alice.test")
	pc := provider.NewClient(provider.Options{ClientID: "https://app.test/oauth-client-metadata.json"})
	prefs := identityrepo.NewMemoryRepository()
	resolver := identity.NewResolver(nil, srv.URL, srv.URL, "", pc, prefs, 0, nil)

	key := bytes.Repeat([]byte{7}, 32)
	pendingCipher, err := security.NewCipher(key, security.PurposePendingSecrets)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sessionCipher, err := security.NewCipher(key, security.PurposeSessionCredentials)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	orch := flow.NewOrchestrator(pc, resolver, flowrepo.NewMemoryRepository(), pendingCipher, flow.Options{
		RedirectURI:   "https://app.test/auth/callback",
		BaseScope:     "atproto transition:generic",
		ExtendedScope: extendedScope,
	}, nil)
	store := session.NewStore(sessionrepo.NewMemoryRepository(), sessionCipher, nil)
	broker := exchange.NewBroker(exchangerepo.NewMemoryRepository(), 0)
	coord := refresh.NewCoordinator(store, pc, refresh.Options{RetryPause: 10 * time.Millisecond})
	auditLogger := audit.NewLogger(auditrepo.NewMemoryRepository(), nil)
	policy, err := engine.NewOPAEvaluator(ctx, engine.Options{ExtendedScope: extendedScope, ExtendedPrefix: "fm.teal."})
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}

	svc := service.NewAuthService(service.Deps{
		Flows:       orch,
		Sessions:    store,
		Exchange:    broker,
		Groups:      accountgroup.NewManager(store, nil, nil),
		Upgrades:    upgrade.NewCoordinator(orch, store, broker, 14, nil, nil),
		Refresh:     coord,
		Preferences: resolver,
		Audit:       auditLogger,
	}, service.Options{SessionTTLDays: 14, DevTokenMaxTTLDays: 365}, nil)

	cookie := middleware.CookieConfig{Name: cookieName, Secure: true}
	router := NewRouter(RouterDeps{
		ServiceName: "wavefed-test",
		Auth:        handler.NewAuthHandler(svc, auditLogger, cookie, 14, "https://app.test", nil),
		WellKnown: &handler.WellKnownHandler{Meta: handler.ClientMetadata{
			ClientID:    "https://app.test/oauth-client-metadata.json",
			RedirectURI: "https://app.test/auth/callback",
			Scope:       "atproto transition:generic",
		}},
		Proxy:    &handler.ProxyHandler{Client: resource.NewClient(nil, coord, 0, nil), CookieName: cookieName},
		Health:   &handler.HealthHandler{},
		Sessions: &middleware.SessionAuth{Sessions: store, CookieName: cookieName},
		Policy:   policy,
		Audit:    auditLogger,
		Throttle: middleware.NewThrottle(ratePerMinute),
	})
	return &stack{srv: srv, router: router, store: store}
}

type reqOpt func(*http.Request)

func withCookie(c *http.Cookie) reqOpt {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withBearer(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (s *stack) do(t *testing.T, method, target string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// loginCookie runs the browser login and returns the session cookie.
func (s *stack) loginCookie(t *testing.T) *http.Cookie {
	t.Helper()
	w := s.do(t, http.MethodGet, "/auth/login?handle=alice.test", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	cb, err := s.srv.Approve(w.Header().Get("Location"), "did:plc:alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	w = s.do(t, http.MethodGet, "/auth/callback?"+cb.Encode(), nil)
	if w.Code != http.StatusFound {
		t.Fatalf("callback status = %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "https://app.test/auth/complete?") {
		t.Fatalf("callback redirected to %s", loc)
	}
	token := loc.Query().Get("exchange_token")
	if token == "" {
		t.Fatalf("no exchange token in %s", loc)
	}

	w = s.do(t, http.MethodPost, "/auth/exchange", gin.H{"exchange_token": token})
	if w.Code != http.StatusOK {
		t.Fatalf("exchange status = %d, body %s", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName {
			if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || !c.Secure {
				t.Errorf("cookie flags = %+v", c)
			}
			if strings.Contains(loc.String(), c.Value) {
				t.Error("session id leaked into the redirect URL")
			}
			if w2 := s.do(t, http.MethodPost, "/auth/exchange", gin.H{"exchange_token": token}); w2.Code != http.StatusBadRequest || !strings.Contains(w2.Body.String(), "invalid_exchange_token") {
				t.Errorf("reused exchange token: %d %s", w2.Code, w2.Body.String())
			}
			return c
		}
	}
	t.Fatal("exchange set no session cookie")
	return nil
}

func TestRouter_BrowserLoginAndProxy(t *testing.T) {
	s := newStack(t, 0)
	cookie := s.loginCookie(t)

	w := s.do(t, http.MethodGet, "/auth/me", nil, withCookie(cookie))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"did":"did:plc:alice"`) {
		t.Fatalf("me = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodGet, "/auth/me", nil, withBearer(cookie.Value)); w.Code != http.StatusOK {
		t.Errorf("bearer me = %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/xrpc/app.bsky.feed.getTimeline?limit=1", nil, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("proxy status = %d, body %s", w.Code, w.Body.String())
	}
	var echoed map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &echoed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if echoed["method"] != "app.bsky.feed.getTimeline" || echoed["query"] != "limit=1" || echoed["did"] != "did:plc:alice" {
		t.Errorf("echoed = %v", echoed)
	}
}

func TestRouter_ProxyRefreshesExpiredTokenOnce(t *testing.T) {
	s := newStack(t, 0)
	cookie := s.loginCookie(t)
	sess, err := s.store.Get(context.Background(), cookie.Value)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s.srv.ExpireAccess(sess.Credentials.AccessToken)

	w := s.do(t, http.MethodGet, "/xrpc/app.bsky.actor.getProfile", nil, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("proxy status = %d, body %s", w.Code, w.Body.String())
	}
	if n := s.srv.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}

	s.srv.FailRefresh = true
	sess, _ = s.store.Get(context.Background(), cookie.Value)
	s.srv.ExpireAccess(sess.Credentials.AccessToken)
	w = s.do(t, http.MethodGet, "/xrpc/app.bsky.actor.getProfile", nil, withCookie(cookie))
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "invalid_session") {
		t.Errorf("failed refresh = %d %s", w.Code, w.Body.String())
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("session cookie not cleared after rejected refresh")
	}
	if _, err := s.store.Get(context.Background(), cookie.Value); !errors.Is(err, sessiondomain.ErrInvalidSession) {
		t.Errorf("session after rejected refresh: err = %v, want it deleted", err)
	}
}

func TestRouter_InsufficientScopeIsNotLogout(t *testing.T) {
	s := newStack(t, 0)
	cookie := s.loginCookie(t)

	w := s.do(t, http.MethodPost, "/xrpc/com.atproto.repo.createRecord",
		gin.H{"collection": "fm.teal.alpha.feed.play", "record": gin.H{}}, withCookie(cookie))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "scope_upgrade_required" || len(body.Missing) != 1 || body.Missing[0] != extendedScope {
		t.Errorf("body = %+v", body)
	}
	if w := s.do(t, http.MethodGet, "/auth/me", nil, withCookie(cookie)); w.Code != http.StatusOK {
		t.Errorf("session lost after scope rejection: %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/xrpc/com.atproto.repo.createRecord",
		gin.H{"collection": "app.bsky.feed.post", "record": gin.H{}}, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Errorf("generic write = %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_LogoutClearsCookie(t *testing.T) {
	s := newStack(t, 0)
	cookie := s.loginCookie(t)

	w := s.do(t, http.MethodPost, "/auth/logout", nil, withCookie(cookie))
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout = %d", w.Code)
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("logout did not clear the cookie")
	}
	if w := s.do(t, http.MethodGet, "/auth/me", nil, withCookie(cookie)); w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "invalid_session") {
		t.Errorf("me after logout = %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_UnauthenticatedAndPublicEndpoints(t *testing.T) {
	s := newStack(t, 0)
	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/auth/me", http.StatusUnauthorized, "invalid_session"},
		{"/xrpc/app.bsky.feed.getTimeline", http.StatusUnauthorized, "invalid_session"},
		{"/.well-known/jwks.json", http.StatusOK, `"keys":[]`},
		{"/oauth-client-metadata.json", http.StatusOK, `"token_endpoint_auth_method":"none"`},
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := s.do(t, http.MethodGet, tt.path, nil)
			if w.Code != tt.status || !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("GET %s = %d %s", tt.path, w.Code, w.Body.String())
			}
		})
	}
	if w := s.do(t, http.MethodGet, "/auth/me", nil, withBearer("not-a-session")); w.Code != http.StatusUnauthorized {
		t.Errorf("unknown bearer = %d", w.Code)
	}
}

func TestRouter_CallbackErrorRedirectsToFrontend(t *testing.T) {
	s := newStack(t, 0)
	w := s.do(t, http.MethodGet, "/auth/callback?code=x&state=unknown", nil)
	if w.Code != http.StatusFound || !strings.Contains(w.Header().Get("Location"), "error=login_failed") {
		t.Errorf("callback = %d %s", w.Code, w.Header().Get("Location"))
	}
	w = s.do(t, http.MethodGet, "/auth/callback?error=access_denied", nil)
	if !strings.Contains(w.Header().Get("Location"), "error=access_denied") {
		t.Errorf("denied location = %s", w.Header().Get("Location"))
	}
}

func TestRouter_RateLimitsAuthStart(t *testing.T) {
	s := newStack(t, 1)
	if w := s.do(t, http.MethodGet, "/auth/login?handle=alice.test", nil); w.Code != http.StatusFound {
		t.Fatalf("first login = %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/auth/login?handle=alice.test", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("second login = %d, want 429", w.Code)
	}
}
