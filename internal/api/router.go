package api

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/99minutos/auth-service/internal/api/handler"
	"github.com/99minutos/auth-service/internal/api/middleware"
	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
	"github.com/99minutos/auth-service/internal/infrastructure/http/handlers"
)

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	Auth        ports.AuthService
	Sessions    ports.SessionService
	Verifier    ports.AccessTokenVerifier
	RateLimiter ports.RateLimiter
	Readiness   map[string]handlers.Pinger
	CORSOrigins []string
	Log         zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(d.Log)
	e.Validator = handler.NewValidator()

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: d.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(middleware.Metrics())

	authHandler := handler.NewAuthHandler(d.Auth)
	sessionHandler := handler.NewSessionHandler(d.Sessions)
	adminHandler := handler.NewAdminHandler(d.Auth)
	requireAuth := middleware.Auth(d.Verifier)

	api := e.Group("/api")
	if d.RateLimiter != nil {
		api.Use(middleware.RateLimit(d.RateLimiter, d.Log))
	}

	// --- Auth routes ---
	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", authHandler.Logout)
	auth.POST("/change-password", authHandler.ChangePassword, requireAuth)

	// --- Session routes ---
	sessions := api.Group("/sessions", requireAuth)
	sessions.GET("/active", sessionHandler.ListActive)
	sessions.DELETE("/revoke-all", sessionHandler.RevokeAll)
	sessions.DELETE("/:id", sessionHandler.Revoke)

	// --- Admin routes ---
	admin := api.Group("/admin", requireAuth, middleware.RBAC(domain.RoleAdmin))
	admin.POST("/users/:id/unlock", adminHandler.Unlock)

	// --- Health probes (no auth required) ---
	healthHandler := handlers.NewHealthHandler()
	healthDepsHandler := handlers.NewHealthDependenciesHandler(d.Readiness)

	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	return e
}
