package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wavefed/backend/internal/policy/engine"
	"wavefed/backend/internal/scope"
)

// maxInspectBytes bounds how much of a request body is read to find its record collection.
const maxInspectBytes = 1 << 20

// ScopeCheck rejects proxied calls the session's granted scope does not cover with 403
// scope_upgrade_required, listing the missing scopes so the client can start an upgrade.
func ScopeCheck(policy engine.Evaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := GetSession(c)
		if !ok || sess.Credentials == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
			return
		}
		req := engine.Request{
			Method:     c.Request.Method,
			NSID:       strings.TrimPrefix(c.Param("method"), "/"),
			Collection: collectionOf(c),
		}
		required, err := policy.RequiredScopes(c.Request.Context(), req)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if err := scope.Require(scope.Parse(sess.Credentials.Scope), scope.Of(required...)); err != nil {
			var ise *scope.InsufficientScopeError
			missing := []string{}
			if errors.As(err, &ise) {
				missing = ise.Missing
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "scope_upgrade_required", "missing": missing})
			return
		}
		c.Next()
	}
}

// collectionOf finds the record collection from the query or a JSON body, restoring the body
// for the handler.
func collectionOf(c *gin.Context) string {
	if col := c.Query("collection"); col != "" {
		return col
	}
	if c.Request.Body == nil || !strings.HasPrefix(c.ContentType(), "application/json") {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInspectBytes))
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
	var peek struct {
		Collection string `json:"collection"`
	}
	if json.Unmarshal(body, &peek) != nil {
		return ""
	}
	return peek.Collection
}
