package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReadinessChecker reports per-dependency readiness.
type ReadinessChecker interface {
	Check(ctx context.Context) (map[string]string, error)
}

// HealthHandler serves liveness and readiness checks.
type HealthHandler struct {
	Checker ReadinessChecker
}

// Live always answers 200 while the process serves requests.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready answers 503 when any dependency is unavailable.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.Checker == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	deps, err := h.Checker.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "dependencies": deps})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "dependencies": deps})
}
