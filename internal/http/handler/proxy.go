package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wavefed/backend/internal/http/middleware"
	"wavefed/backend/internal/refresh"
	"wavefed/backend/internal/resource"
	"wavefed/backend/internal/session/domain"
)

// maxProxyBody bounds request bodies forwarded to the resource server.
const maxProxyBody = 8 << 20

// ResourceClient forwards calls with a session's DPoP-bound token.
type ResourceClient interface {
	Do(ctx context.Context, sess *domain.Session, req resource.Request) (*resource.Response, error)
}

// ProxyHandler forwards /xrpc/* calls to the session's resource server.
type ProxyHandler struct {
	Client ResourceClient
	// CookieName is cleared when a refresh ends the session.
	CookieName string
	Logger     *zap.Logger
}

// forwardedHeaders are the response headers passed back to the caller.
var forwardedHeaders = []string{"Content-Type", "Cache-Control", "Content-Language", "Atproto-Repo-Rev", "Ratelimit-Limit", "Ratelimit-Remaining", "Ratelimit-Reset"}

// XRPC proxies the call. Expired tokens are refreshed once inside the client; a session whose
// refresh failed answers 401 invalid_session, and one whose grant was rejected also loses its cookie.
func (h *ProxyHandler) XRPC(c *gin.Context) {
	sess, _ := middleware.GetSession(c)
	var body []byte
	if c.Request.Body != nil {
		b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		if len(b) > maxProxyBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		body = b
	}
	resp, err := h.Client.Do(c.Request.Context(), sess, resource.Request{
		Method:      c.Request.Method,
		Path:        "/xrpc/" + strings.TrimPrefix(c.Param("method"), "/"),
		RawQuery:    c.Request.URL.RawQuery,
		Body:        body,
		ContentType: c.ContentType(),
	})
	if err != nil {
		if errors.Is(err, refresh.ErrSessionEnded) && h.CookieName != "" {
			middleware.ClearSessionCookie(c, h.CookieName)
		}
		respondError(c, h.Logger, err)
		return
	}
	for _, k := range forwardedHeaders {
		if v := resp.Header.Get(k); v != "" {
			c.Header(k, v)
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}
