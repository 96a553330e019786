package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/interfaces/http/handler"
	"github.com/authscape/crmsync/internal/interfaces/http/middleware"
)

// Handlers are the HTTP handlers mounted by RegisterAPI
type Handlers struct {
	Connections *handler.ConnectionHandler
	Mappings    *handler.MappingHandler
	Sync        *handler.SyncHandler
	Webhooks    *handler.WebhookHandler
	Auth        *handler.AuthHandler
	System      *handler.SystemHandler
}

// APIConfig holds the access controls applied to the route table
type APIConfig struct {
	// Authenticate validates the bearer token; required on every group
	// except webhooks and health.
	Authenticate gin.HandlerFunc
	// PostAuth runs right after Authenticate on protected groups
	PostAuth []gin.HandlerFunc
	// WebhookLimiter throttles deliveries per session token; nil disables it.
	WebhookLimiter *middleware.RateLimiter
	// WebhookMaxBytes caps delivery bodies before they are read; 0 disables it.
	WebhookMaxBytes int64

	// SyncTimeout bounds the request context of manual sync passes; 0 disables it.
	SyncTimeout time.Duration
	Logger      *zap.Logger
}

// RegisterAPI mounts the administration API, webhook receiver and health
// endpoints on the engine and returns the registered route groups.
func RegisterAPI(engine *gin.Engine, h Handlers, cfg APIConfig) []*DomainGroup {
	scopeCfg := middleware.ScopeConfig{Logger: cfg.Logger}
	authenticated := func(extra ...gin.HandlerFunc) []gin.HandlerFunc {
		chain := append([]gin.HandlerFunc{cfg.Authenticate}, cfg.PostAuth...)
		return append(chain, extra...)
	}

	engine.GET("/health", h.System.Health)
	engine.NoRoute(h.System.RouteNotFound)

	health := NewDomainGroup("health", "/health").GET("", h.System.Health)

	webhooks := NewDomainGroup("webhooks", "/webhooks")
	if cfg.WebhookLimiter != nil {
		webhooks.Use(middleware.RateLimitByKey(cfg.WebhookLimiter, func(c *gin.Context) string {
			return "webhook:" + c.Param("token")
		}))
	}
	if cfg.WebhookMaxBytes > 0 {
		webhooks.Use(middleware.BodyLimit(cfg.WebhookMaxBytes))
	}
	webhooks.POST("/crm/:token", h.Webhooks.Deliver)

	authRoutes := NewDomainGroup("auth", "/auth").Use(authenticated()...)
	authRoutes.GET("/me", h.Auth.Me)
	authRoutes.POST("/revoke", h.Auth.Revoke)

	system := NewDomainGroup("system", "/system").
		Use(authenticated(middleware.RequireScopeWithConfig(scopeCfg, auth.ScopeRead))...)
	system.GET("/info", h.System.GetSystemInfo)
	system.GET("/ping", h.System.Ping)

	// Administration: reads need crm:read, changes need crm:write
	admin := NewDomainGroup("crm", "/crm").
		Use(authenticated(middleware.RequireMethodScope(scopeCfg))...)

	connections := admin.Group("connections", "/connections")
	connections.POST("", h.Connections.Create)
	connections.GET("", h.Connections.List)
	connections.GET("/:id", h.Connections.Get)
	connections.PUT("/:id", h.Connections.Update)
	connections.DELETE("/:id", h.Connections.Delete)
	connections.POST("/:id/test", h.Connections.Test)
	connections.GET("/:id/entities", h.Connections.Entities)
	connections.GET("/:id/entities/:entity/fields", h.Connections.Fields)
	connections.GET("/:id/logs", h.Connections.Logs)
	connections.GET("/:id/logs/summary", h.Connections.LogSummary)
	connections.POST("/:id/webhook-sessions", h.Webhooks.CreateSession)
	connections.POST("/:id/mappings", h.Mappings.Create)
	connections.GET("/:id/mappings", h.Mappings.ListByConnection)
	connections.GET("/:id/sync-jobs", h.Sync.ConnectionJobs)

	mappings := admin.Group("mappings", "/mappings")
	mappings.GET("/:id", h.Mappings.Get)
	mappings.PUT("/:id", h.Mappings.Update)
	mappings.DELETE("/:id", h.Mappings.Delete)
	mappings.PUT("/:id/fields", h.Mappings.ReplaceFields)
	mappings.POST("/:id/relationships", h.Mappings.AddRelationship)
	mappings.DELETE("/:id/relationships/:relId", h.Mappings.RemoveRelationship)

	admin.DELETE("/webhook-sessions/:token", h.Webhooks.RevokeSession)
	admin.GET("/sync/progress/:syncId", h.Sync.Progress)
	admin.GET("/sync/jobs", h.Sync.Jobs)

	// Triggering passes needs crm:sync only
	syncRoutes := NewDomainGroup("crm-sync", "/crm").
		Use(authenticated(middleware.RequireScopeWithConfig(scopeCfg, auth.ScopeSync))...).
		Use(middleware.Timeout(cfg.SyncTimeout))
	syncRoutes.POST("/connections/:id/sync", h.Sync.SyncConnection)
	syncRoutes.POST("/connections/:id/records/outbound", h.Sync.SyncOutbound)
	syncRoutes.POST("/connections/:id/records/inbound", h.Sync.SyncInbound)
	syncRoutes.POST("/mappings/:id/sync", h.Sync.SyncMapping)
	syncRoutes.POST("/mappings/:id/sync-relationships", h.Sync.SyncRelationships)

	groups := []*DomainGroup{health, webhooks, authRoutes, system, admin, syncRoutes}
	r := NewRouter(engine, WithAPIVersion("v1"))
	for _, g := range groups {
		r.Register(g)
	}
	r.Setup()
	return groups
}
