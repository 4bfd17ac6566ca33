// Package router defines how HTTP routes are registered for the API.
package router

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/token-issuance/internal/config"
	"github.com/iliyamo/token-issuance/internal/handler"
	"github.com/iliyamo/token-issuance/internal/middleware"
	"github.com/iliyamo/token-issuance/internal/model"
)

// RegisterRoutes registers the unauthenticated operational endpoints:
// liveness probes and the Prometheus exposition.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Healthz)
	e.GET("/v1/health", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth registers the session endpoints.  Register, login and
// refresh need no session; logout accepts either a refresh token or a
// bearer; the profile endpoints require a valid access token and the user
// list is restricted to admins.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh) // rotates the refresh token
	g.POST("/logout", a.Logout, middleware.OptionalJWT(jwtSecret))

	auth := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	auth.GET("/me", a.Me)
	auth.GET("/users", a.ListUsers, middleware.RequireRole(model.RoleAdmin))
}

// TokenDeps carries what the token routes need besides the handler.
// Redis may be nil, which disables caching and rate limiting.
type TokenDeps struct {
	JWTSecret string
	Redis     *redis.Client
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Log       *slog.Logger
}

// RegisterTokens registers the redeemable token endpoints under /v1/tokens.
// Reads are served through the response cache, which every successful
// mutation invalidates.  The cache runs after authentication so a cached
// usage history is never served to an anonymous caller.  Validate and
// consume sit behind the token bucket.
func RegisterTokens(e *echo.Echo, h *handler.TokenHandler, d TokenDeps) {
	cache := middleware.NewRedisCache(d.Cache, d.Redis, d.Log)
	limit := middleware.NewTokenBucket(d.RateLimit, d.Redis, d.Log)
	requireJWT := middleware.JWTAuth(d.JWTSecret)

	g := e.Group("/v1/tokens")
	g.POST("", h.Create, middleware.OptionalJWT(d.JWTSecret), cache)
	g.GET("", h.List, cache)
	g.GET("/:code", h.Get, cache)
	g.POST("/:code/validate", h.Validate, limit)
	g.POST("/:code/consume", h.Consume, limit, cache)
	g.PATCH("/:code/active", h.SetActive, requireJWT, cache)
	g.DELETE("/:code", h.Delete, requireJWT, cache)
	g.GET("/:code/usage", h.Usage, requireJWT, cache)
}
