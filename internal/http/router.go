// Package http wires the gin routes and middleware of the browser/API surface.
package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"wavefed/backend/internal/audit"
	"wavefed/backend/internal/http/handler"
	"wavefed/backend/internal/http/middleware"
	"wavefed/backend/internal/policy/engine"
)

// RouterDeps holds everything the router mounts.
type RouterDeps struct {
	ServiceName string
	Auth        *handler.AuthHandler
	WellKnown   *handler.WellKnownHandler
	Proxy       *handler.ProxyHandler
	Health      *handler.HealthHandler
	Sessions    *middleware.SessionAuth
	Policy      engine.Evaluator
	Audit       audit.AuditLogger
	Throttle    *middleware.Throttle
	Logger      *zap.Logger
}

// NewRouter wires gin routes and middleware.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.ForwardedByClientIP = true
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(d.ServiceName))
	r.Use(middleware.AccessLog(d.Logger))
	r.Use(middleware.ClientIP())

	r.GET("/healthz", d.Health.Live)
	r.GET("/readyz", d.Health.Ready)
	r.GET("/oauth-client-metadata.json", d.WellKnown.ClientMetadataDocument)
	r.GET("/.well-known/jwks.json", d.WellKnown.JWKS)

	limited := d.Throttle.Handler()
	authGroup := r.Group("/auth")
	{
		authGroup.GET("/login", limited, d.Auth.Login)
		authGroup.GET("/callback", limited, d.Auth.Callback)
		authGroup.POST("/exchange", limited, d.Auth.Exchange)

		signedIn := authGroup.Group("", d.Sessions.Require)
		signedIn.GET("/me", d.Auth.Me)
		signedIn.POST("/logout", d.Auth.Logout)
		signedIn.POST("/logout-all", d.Auth.LogoutAll)
		signedIn.POST("/switch", d.Auth.Switch)
		signedIn.POST("/add-account", limited, d.Auth.AddAccount)
		signedIn.POST("/scope-upgrade", limited, d.Auth.ScopeUpgrade)
		signedIn.POST("/developer-token", limited, d.Auth.CreateDevToken)
		signedIn.GET("/developer-tokens", d.Auth.ListDevTokens)
		signedIn.DELETE("/developer-tokens/:prefix", d.Auth.RevokeDevToken)
		signedIn.GET("/preferences", d.Auth.GetPreferences)
		signedIn.PUT("/preferences", d.Auth.PutPreferences)
		signedIn.GET("/activity", d.Auth.ListActivity)
	}

	r.Any("/xrpc/*method", d.Sessions.Require, middleware.ScopeCheck(d.Policy), middleware.AuditWrites(d.Audit), d.Proxy.XRPC)

	return r
}
