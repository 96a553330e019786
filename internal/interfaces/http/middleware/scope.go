package middleware

import (
	"net/http"

	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ScopeConfig holds configuration for scope middleware
type ScopeConfig struct {
	Logger *zap.Logger
	// OnDenied is called when a scope is missing (optional)
	OnDenied func(c *gin.Context, required []string)
}

// RequireScope requires any of the given scopes on the token
func RequireScope(scopes ...string) gin.HandlerFunc {
	return RequireScopeWithConfig(ScopeConfig{}, scopes...)
}

// RequireScopeWithConfig requires any of the given scopes with custom config
func RequireScopeWithConfig(cfg ScopeConfig, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			handleScopeDenied(c, cfg, scopes, "No authentication claims found")
			return
		}
		if !claims.HasAnyScope(scopes...) {
			handleScopeDenied(c, cfg, scopes, "Token lacks required scope")
			return
		}
		c.Next()
	}
}

// RequireMethodScope maps the HTTP method to a scope: safe methods need
// crm:read, everything else crm:write.
func RequireMethodScope(cfg ScopeConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := methodToScope(c.Request.Method)
		claims := GetJWTClaims(c)
		if claims == nil {
			handleScopeDenied(c, cfg, []string{scope}, "No authentication claims found")
			return
		}
		if !claims.HasScope(scope) {
			handleScopeDenied(c, cfg, []string{scope}, "Token lacks required scope for method")
			return
		}
		c.Next()
	}
}

func methodToScope(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return auth.ScopeRead
	default:
		return auth.ScopeWrite
	}
}

func handleScopeDenied(c *gin.Context, cfg ScopeConfig, required []string, reason string) {
	if cfg.OnDenied != nil {
		cfg.OnDenied(c, required)
		return
	}

	if cfg.Logger != nil {
		cfg.Logger.Warn("Scope check failed",
			zap.String("subject", GetJWTSubject(c)),
			zap.Strings("required", required),
			zap.String("reason", reason),
			zap.String("path", c.Request.URL.Path),
		)
	}

	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "FORBIDDEN",
			"message": "Insufficient scope",
		},
	})
}
