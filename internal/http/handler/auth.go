package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	auditdomain "wavefed/backend/internal/audit/domain"
	"wavefed/backend/internal/http/middleware"
	"wavefed/backend/internal/identity/service"
)

// ActivityLister lists an account's audit trail.
type ActivityLister interface {
	List(ctx context.Context, did string, limit int) ([]*auditdomain.AuditLog, error)
}

// AuthHandler serves the session lifecycle endpoints under /auth.
type AuthHandler struct {
	Auth     *service.AuthService
	Activity ActivityLister
	Cookie   middleware.CookieConfig
	// CookieMaxAge is the browser cookie lifetime in seconds.
	CookieMaxAge int
	// FrontendURL receives the exchange token (or an error) after a callback.
	FrontendURL string
	Logger      *zap.Logger
}

// NewAuthHandler returns an AuthHandler.
func NewAuthHandler(auth *service.AuthService, activity ActivityLister, cookie middleware.CookieConfig, sessionTTLDays int, frontendURL string, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		Auth:         auth,
		Activity:     activity,
		Cookie:       cookie,
		CookieMaxAge: sessionTTLDays * 24 * 60 * 60,
		FrontendURL:  strings.TrimSuffix(frontendURL, "/"),
		Logger:       logger,
	}
}

// Login redirects the browser to the identity provider.
func (h *AuthHandler) Login(c *gin.Context) {
	authURL, err := h.Auth.Login(c.Request.Context(), strings.TrimSpace(c.Query("handle")), c.Query("prompt"))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// Callback completes an authorization and redirects to the frontend with a one-time exchange
// token. The session id is never put in the URL.
func (h *AuthHandler) Callback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		h.Logger.Info("authorization denied", zap.String("error", e), zap.String("description", c.Query("error_description")))
		h.redirectFrontend(c, url.Values{"error": {e}})
		return
	}
	out, err := h.Auth.Callback(c.Request.Context(), c.Query("code"), c.Query("state"), c.Query("iss"))
	if err != nil {
		h.Logger.Warn("authorization callback failed", zap.Error(err))
		h.redirectFrontend(c, url.Values{"error": {"login_failed"}})
		return
	}
	q := url.Values{"exchange_token": {out.ExchangeToken}}
	if out.Kind != "" {
		q.Set("kind", string(out.Kind))
	}
	h.redirectFrontend(c, q)
}

func (h *AuthHandler) redirectFrontend(c *gin.Context, q url.Values) {
	c.Redirect(http.StatusFound, h.FrontendURL+"/auth/complete?"+q.Encode())
}

type exchangeRequest struct {
	ExchangeToken string `json:"exchange_token" binding:"required"`
}

// Exchange redeems an exchange token. Browser sessions get the HttpOnly cookie; developer tokens
// are returned in the body only and never set as a cookie.
func (h *AuthHandler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "exchange_token is required."})
		return
	}
	res, err := h.Auth.Exchange(c.Request.Context(), req.ExchangeToken)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	if res.DevToken {
		c.JSON(http.StatusOK, gin.H{"did": res.DID, "dev_token": true, "token": res.SessionID})
		return
	}
	middleware.SetSessionCookie(c, h.Cookie, res.SessionID, h.CookieMaxAge)
	c.JSON(http.StatusOK, gin.H{"did": res.DID, "dev_token": false})
}

type accountResponse struct {
	DID       string `json:"did"`
	Handle    string `json:"handle"`
	SessionID string `json:"session_id"`
}

// Me returns the signed-in account and its linked accounts.
func (h *AuthHandler) Me(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	p, err := h.Auth.Me(c.Request.Context(), sess)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	accounts := make([]accountResponse, 0, len(p.Accounts))
	for _, a := range p.Accounts {
		accounts = append(accounts, accountResponse{DID: a.DID, Handle: a.Handle, SessionID: a.SessionID})
	}
	c.JSON(http.StatusOK, gin.H{
		"did":                    p.DID,
		"handle":                 p.Handle,
		"scope":                  p.Scope,
		"dev_token":              p.DevToken,
		"extended_scope_enabled": p.ExtendedScopeEnabled,
		"accounts":               accounts,
	})
}

// Logout deletes the current session and clears the cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	if err := h.Auth.Logout(c.Request.Context(), sess); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	middleware.ClearSessionCookie(c, h.Cookie.Name)
	c.Status(http.StatusNoContent)
}

// LogoutAll deletes every session of the current account group.
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	n, err := h.Auth.LogoutAll(c.Request.Context(), sess)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	middleware.ClearSessionCookie(c, h.Cookie.Name)
	c.JSON(http.StatusOK, gin.H{"sessions_removed": n})
}

type switchRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Switch points the cookie at another session of the account group.
func (h *AuthHandler) Switch(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "session_id is required."})
		return
	}
	sess, _ := middleware.GetSession(c)
	id, err := h.Auth.Switch(c.Request.Context(), sess, req.SessionID)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	middleware.SetSessionCookie(c, h.Cookie, id, h.CookieMaxAge)
	c.Status(http.StatusNoContent)
}

type addAccountRequest struct {
	Handle string `json:"handle"`
}

// AddAccount starts a login for another account linked to the current one.
func (h *AuthHandler) AddAccount(c *gin.Context) {
	var req addAccountRequest
	_ = c.ShouldBindJSON(&req)
	sess, _ := middleware.GetSession(c)
	authURL, err := h.Auth.AddAccount(c.Request.Context(), sess, strings.TrimSpace(req.Handle))
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

type scopeUpgradeRequest struct {
	Scopes []string `json:"scopes" binding:"required"`
}

// ScopeUpgrade starts a consent round for additional scopes.
func (h *AuthHandler) ScopeUpgrade(c *gin.Context) {
	var req scopeUpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "scopes is required."})
		return
	}
	sess, _ := middleware.GetSession(c)
	authURL, err := h.Auth.StartScopeUpgrade(c.Request.Context(), sess, req.Scopes)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

type devTokenRequest struct {
	Name    string `json:"name"`
	TTLDays int    `json:"ttl_days"`
}

// CreateDevToken starts a consent round for a developer token.
func (h *AuthHandler) CreateDevToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sess, _ := middleware.GetSession(c)
	authURL, err := h.Auth.StartDevToken(c.Request.Context(), sess, req.Name, req.TTLDays)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

type devTokenResponse struct {
	Prefix    string     `json:"prefix"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ListDevTokens lists the account's developer tokens by prefix.
func (h *AuthHandler) ListDevTokens(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	tokens, err := h.Auth.ListDevTokens(c.Request.Context(), sess.DID)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := make([]devTokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, devTokenResponse{Prefix: t.Prefix, Name: t.Name, CreatedAt: t.CreatedAt, ExpiresAt: t.ExpiresAt})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

// RevokeDevToken deletes a developer token by id prefix.
func (h *AuthHandler) RevokeDevToken(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	if err := h.Auth.RevokeDevToken(c.Request.Context(), sess.DID, c.Param("prefix")); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPreferences returns the account's opt-ins.
func (h *AuthHandler) GetPreferences(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	p, err := h.Auth.Me(c.Request.Context(), sess)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended_scope": p.ExtendedScopeEnabled})
}

type preferencesRequest struct {
	ExtendedScope *bool `json:"extended_scope" binding:"required"`
}

// PutPreferences records the account's opt-ins; they apply from the next authorization on.
func (h *AuthHandler) PutPreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "extended_scope is required."})
		return
	}
	sess, _ := middleware.GetSession(c)
	if err := h.Auth.SetExtendedScope(c.Request.Context(), sess.DID, *req.ExtendedScope); err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended_scope": *req.ExtendedScope})
}

type activityResponse struct {
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListActivity lists the account's recent audit entries.
func (h *AuthHandler) ListActivity(c *gin.Context) {
	if h.Activity == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []activityResponse{}})
		return
	}
	sess, _ := middleware.GetSession(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.Activity.List(c.Request.Context(), sess.DID, limit)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	out := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse{Action: e.Action, Resource: e.Resource, IP: e.IP, Metadata: e.Metadata, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}
