// Package oauthtest runs an in-process authorization server and resource server speaking
// OAuth 2.1 + DPoP, for tests of the flows and the refresh path.
package oauthtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Grant is what a token or code stands for.
type Grant struct {
	DID   string
	Scope string
}

type authRequest struct {
	params url.Values
}

// Server is both the authorization server and the resource server. Its URL is the issuer and the
// resource server base URL.
type Server struct {
	*httptest.Server

	// Nonce, when set, must be echoed in every token endpoint and PAR proof.
	Nonce string
	// ResourceNonce, when set, must be echoed in every resource server proof.
	ResourceNonce string
	// DisablePAR hides the PAR endpoint from metadata.
	DisablePAR bool
	// RefreshDelay widens the window in which concurrent refreshers could overlap.
	RefreshDelay time.Duration
	// FailRefresh makes every refresh answer invalid_grant.
	FailRefresh bool

	RefreshCalls atomic.Int32

	mu          sync.Mutex
	requests    map[string]authRequest
	codes       map[string]codeGrant
	access      map[string]Grant
	refresh     map[string]Grant
	handles     map[string]string
	refreshSeen []string
	assertions  []jwt.MapClaims
	seq         int
	accessSeq   int
	refreshSeq  int
}

type codeGrant struct {
	Grant
	challenge   string
	redirectURI string
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		requests: make(map[string]authRequest),
		codes:    make(map[string]codeGrant),
		access:   make(map[string]Grant),
		refresh:  make(map[string]Grant),
		handles:  make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleProtectedResource)
	mux.HandleFunc("/oauth/par", s.handlePAR)
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	mux.HandleFunc("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	mux.HandleFunc("/xrpc/", s.handleXRPC)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddAccount registers did with handle. An empty handle models an account not yet indexed.
func (s *Server) AddAccount(did, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[did] = handle
}

// IssueTokens mints an access/refresh pair directly, as if a login had completed.
func (s *Server) IssueTokens(did, scope string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(Grant{DID: did, Scope: scope})
}

// ExpireAccess invalidates an access token so the resource server reports it expired.
func (s *Server) ExpireAccess(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
}

// RefreshTokensSeen returns the refresh tokens presented to the token endpoint, in order.
func (s *Server) RefreshTokensSeen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refreshSeen...)
}

// Assertions returns the claims of every client assertion received.
func (s *Server) Assertions() []jwt.MapClaims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jwt.MapClaims(nil), s.assertions...)
}

// Approve plays the user consenting at authURL as did and returns the callback query the
// browser would carry back to the client.
func (s *Server) Approve(authURL, did string) (url.Values, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	params := q
	if ru := q.Get("request_uri"); ru != "" {
		req, ok := s.requests[ru]
		if !ok {
			return nil, fmt.Errorf("unknown request_uri %q", ru)
		}
		delete(s.requests, ru)
		params = req.params
	}
	if params.Get("code_challenge_method") != "S256" || params.Get("code_challenge") == "" {
		return nil, fmt.Errorf("missing PKCE challenge")
	}
	s.seq++
	code := fmt.Sprintf("code-%d", s.seq)
	s.codes[code] = codeGrant{
		Grant:       Grant{DID: did, Scope: params.Get("scope")},
		challenge:   params.Get("code_challenge"),
		redirectURI: params.Get("redirect_uri"),
	}
	return url.Values{"code": {code}, "state": {params.Get("state")}, "iss": {s.URL}}, nil
}

func (s *Server) issueLocked(g Grant) (string, string) {
	s.accessSeq++
	s.refreshSeq++
	a := fmt.Sprintf("A%d", s.accessSeq)
	r := fmt.Sprintf("R%d", s.refreshSeq)
	s.access[a] = g
	s.refresh[r] = g
	return a, r
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta := map[string]any{
		"issuer":                            s.URL,
		"authorization_endpoint":            s.URL + "/oauth/authorize",
		"token_endpoint":                    s.URL + "/oauth/token",
		"dpop_signing_alg_values_supported": []string{"ES256"},
		"scopes_supported":                  []string{"atproto", "transition:generic"},

		"authorization_response_iss_parameter_supported": true,
	}
	if !s.DisablePAR {
		meta["pushed_authorization_request_endpoint"] = s.URL + "/oauth/par"
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resource": s.URL, "authorization_servers": []string{s.URL}})
}

// checkProof validates presence of a DPoP proof and the current nonce. It writes the challenge
// and returns false when the proof must be retried.
func (s *Server) checkProof(w http.ResponseWriter, r *http.Request, nonce string, resource bool) (jwt.MapClaims, bool) {
	raw := r.Header.Get("DPoP")
	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if raw == "" || err != nil || tok.Header["typ"] != "dpop+jwt" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return nil, false
	}
	if nonce != "" && claims["nonce"] != nonce {
		w.Header().Set("DPoP-Nonce", nonce)
		if resource {
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "use_dpop_nonce"})
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		}
		return nil, false
	}
	if nonce != "" {
		w.Header().Set("DPoP-Nonce", nonce)
	}
	return claims, true
}

func (s *Server) recordAssertion(r *http.Request) {
	raw := r.PostForm.Get("client_assertion")
	if raw == "" {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		s.mu.Lock()
		s.assertions = append(s.assertions, claims)
		s.mu.Unlock()
	}
}

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_ = r.ParseForm()
	if _, ok := s.checkProof(w, r, s.Nonce, false); !ok {
		return
	}
	s.recordAssertion(r)
	s.mu.Lock()
	s.seq++
	uri := fmt.Sprintf("urn:ietf:params:oauth:request_uri:req-%d", s.seq)
	params := url.Values{}
	for k, v := range r.PostForm {
		params[k] = v
	}
	s.requests[uri] = authRequest{params: params}
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"request_uri": uri, "expires_in": 60})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_ = r.ParseForm()
	if _, ok := s.checkProof(w, r, s.Nonce, false); !ok {
		return
	}
	s.recordAssertion(r)

	var g Grant
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.mu.Lock()
		cg, ok := s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
		s.mu.Unlock()
		if !ok || oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != cg.challenge ||
			r.PostForm.Get("redirect_uri") != cg.redirectURI {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		g = cg.Grant
	case "refresh_token":
		s.RefreshCalls.Add(1)
		rt := r.PostForm.Get("refresh_token")
		s.mu.Lock()
		s.refreshSeen = append(s.refreshSeen, rt)
		s.mu.Unlock()
		if s.RefreshDelay > 0 {
			time.Sleep(s.RefreshDelay)
		}
		s.mu.Lock()
		rg, ok := s.refresh[rt]
		delete(s.refresh, rt)
		s.mu.Unlock()
		if !ok || s.FailRefresh {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "refresh token revoked"})
			return
		}
		g = rg
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	s.mu.Lock()
	access, refresh := s.issueLocked(g)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "DPoP",
		"expires_in":    3600,
		"scope":         g.Scope,
		"sub":           g.DID,
	})
}

func (s *Server) handleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("repo")
	s.mu.Lock()
	handle, ok := s.handles[did]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "RepoNotFound"})
		return
	}
	if handle == "" {
		handle = "handle.invalid"
	}
	writeJSON(w, http.StatusOK, map[string]string{"did": did, "handle": handle})
}

func (s *Server) handleResolveHandle(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("handle")
	s.mu.Lock()
	defer s.mu.Unlock()
	for did, handle := range s.handles {
		if handle != "" && handle == want {
			writeJSON(w, http.StatusOK, map[string]string{"did": did})
			return
		}
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Unable to resolve handle"})
}

func (s *Server) handleXRPC(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "DPoP ")
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthMissing"})
		return
	}
	claims, ok := s.checkProof(w, r, s.ResourceNonce, true)
	if !ok {
		return
	}
	if _, has := claims["ath"]; !has {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_dpop_proof"})
		return
	}
	s.mu.Lock()
	g, valid := s.access[token]
	s.mu.Unlock()
	if !valid {
		w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token", error_description="token expired"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token", "message": "\"exp\" claim timestamp check failed: token expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"did":    g.DID,
		"method": strings.TrimPrefix(r.URL.Path, "/xrpc/"),
		"query":  r.URL.RawQuery,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
