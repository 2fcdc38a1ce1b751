package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"wavefed/backend/internal/audit"
)

// AuditWrites records an audit entry after each state-changing proxied call of an authenticated
// session. Reads are not audited. Best-effort: failures are logged by the audit logger.
func AuditWrites(logger audit.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if logger == nil {
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		sess, ok := GetSession(c)
		if !ok {
			return
		}
		ar := audit.ParseXRPCMethod(c.Param("method"))
		logger.LogEvent(c.Request.Context(), sess.DID, ar.Action, ar.Resource, fmt.Sprintf("status=%d", c.Writer.Status()))
	}
}
