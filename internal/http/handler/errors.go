package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wavefed/backend/internal/accountgroup"
	"wavefed/backend/internal/exchange"
	"wavefed/backend/internal/identity"
	"wavefed/backend/internal/identity/service"
	"wavefed/backend/internal/oauth/flow"
	"wavefed/backend/internal/oauth/provider"
	"wavefed/backend/internal/resource"
	"wavefed/backend/internal/scope"
	sessiondomain "wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/upgrade"
)

// respondError maps service errors to status codes and stable error strings. Callers treat
// invalid_session and scope_upgrade_required as redirect signals.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var ise *scope.InsufficientScopeError
	switch {
	case errors.Is(err, sessiondomain.ErrInvalidSession):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
	case errors.As(err, &ise):
		c.JSON(http.StatusForbidden, gin.H{"error": "scope_upgrade_required", "missing": ise.Missing})
	case errors.Is(err, scope.ErrInsufficientScope):
		c.JSON(http.StatusForbidden, gin.H{"error": "scope_upgrade_required", "missing": []string{}})
	case errors.Is(err, exchange.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_exchange_token"})
	case errors.Is(err, resource.ErrUpstream), errors.Is(err, provider.ErrProvider):
		logger.Warn("upstream request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error"})
	case errors.Is(err, flow.ErrInvalidPrompt),
		errors.Is(err, identity.ErrUnresolvable),
		errors.Is(err, service.ErrInvalidTokenName),
		errors.Is(err, service.ErrInvalidTTL),
		errors.Is(err, upgrade.ErrNoScopes):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, flow.ErrUnknownState),
		errors.Is(err, flow.ErrIssuerMismatch),
		errors.Is(err, flow.ErrIdentityMismatch),
		errors.Is(err, service.ErrOwnerMismatch),
		errors.Is(err, upgrade.ErrOwnerMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_callback"})
	case errors.Is(err, service.ErrDevTokenForbidden),
		errors.Is(err, upgrade.ErrDeveloperToken),
		errors.Is(err, accountgroup.ErrNotInGroup):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": err.Error()})
	case errors.Is(err, service.ErrDevTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, service.ErrAmbiguousPrefix):
		c.JSON(http.StatusConflict, gin.H{"error": "ambiguous_prefix"})
	default:
		logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
