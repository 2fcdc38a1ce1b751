package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavefed/backend/internal/security"
)

const requestIDKey = "request_id"

// RequestID returns the id AccessLog assigned to the request, or "".
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AccessLog assigns each request an id (honouring an inbound X-Request-ID) and logs one line per
// request when it completes. Routes are logged by template and the query string is never logged,
// since callbacks carry authorization codes and session ids appear only as a redacted prefix.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	return func(c *gin.Context) {
		start := time.Now()
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if nsid := strings.TrimPrefix(c.Param("method"), "/"); nsid != "" {
			fields = append(fields, zap.String("xrpc", nsid))
		}
		if sess, ok := GetSession(c); ok {
			fields = append(fields, zap.String("did", sess.DID), zap.String("session", security.Redact(sess.ID)))
			if sess.IsDeveloperToken {
				fields = append(fields, zap.Bool("dev_token", true))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
