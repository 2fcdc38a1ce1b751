package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wavefed/backend/internal/audit"
	"wavefed/backend/internal/session/domain"
)

const (
	sessionKey   = "session"
	bearerPrefix = "bearer "
)

// SessionLoader loads a session with its credentials.
type SessionLoader interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
}

// SessionAuth resolves the caller's session from the session cookie or an
// "Authorization: Bearer <session id>" header.
type SessionAuth struct {
	Sessions   SessionLoader
	CookieName string
	Logger     *zap.Logger
}

// Require aborts with 401 invalid_session unless the request carries a live session. A cookie
// pointing at a dead session is cleared.
func (m *SessionAuth) Require(c *gin.Context) {
	id, fromCookie := m.sessionID(c)
	if id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
		return
	}
	sess, err := m.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSession) {
			if fromCookie {
				ClearSessionCookie(c, m.CookieName)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
			return
		}
		if m.Logger != nil {
			m.Logger.Error("load session", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

// sessionID prefers the Authorization header over the cookie.
func (m *SessionAuth) sessionID(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Authorization")); len(v) > len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(v[len(bearerPrefix):]), false
	}
	if cookie, err := c.Cookie(m.CookieName); err == nil && cookie != "" {
		return cookie, true
	}
	return "", false
}

// GetSession returns the session set by SessionAuth.Require.
func GetSession(c *gin.Context) (*domain.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*domain.Session)
	return sess, ok && sess != nil
}

// CookieConfig describes the browser session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// SetSessionCookie points the browser at sessionID. maxAge <= 0 makes a browser-session cookie.
func SetSessionCookie(c *gin.Context, cfg CookieConfig, sessionID string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cfg.Name,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie removes the session cookie.
func ClearSessionCookie(c *gin.Context, name string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClientIP stores the request's client IP in the request context for audit entries.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}
