package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/app"
	"github.com/dangson92/licensegate/internal/app/maintenance"
	iauth "github.com/dangson92/licensegate/internal/auth"
	"github.com/dangson92/licensegate/internal/handlers"
	"github.com/dangson92/licensegate/internal/licensing"
	"github.com/dangson92/licensegate/internal/middleware"
	"github.com/dangson92/licensegate/internal/monitoring"
	"github.com/dangson92/licensegate/internal/realtime"
	"github.com/dangson92/licensegate/internal/token"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
// Client endpoints under /api/client are unauthenticated; admin endpoints
// require a bearer token with the admin claim.
func NewRouter(db *gorm.DB, tokens *token.Service, jwt *iauth.JWTService, hasher *licensing.Hasher, hub *realtime.Hub, scanner *maintenance.Scanner, cfg *app.Config) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if hasher == nil {
		return nil, fmt.Errorf("fingerprint hasher must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())

	// Health endpoint (public)
	if cfg.Monitoring.Health.Enabled {
		registry := monitoring.NewRegistry()
		registry.Register(monitoring.DatabaseCheck(db, 0))
		if hub != nil {
			registry.Register(monitoring.HubCheck(hub))
		}
		if scanner != nil {
			registry.Register(monitoring.ScannerCheck(scanner, 0))
		}
		r.GET("/health", handlers.Health(registry))
	}

	// Client protocol endpoints (public, rate limited)
	activationHandler, err := handlers.NewActivationHandler(db, tokens, hasher)
	if err != nil {
		return nil, err
	}

	client := r.Group("/api/client")
	if cfg.Server.RateLimit.Enabled {
		client.Use(middleware.RateLimit(
			middleware.NewMemoryRateStore(),
			cfg.Server.RateLimit.MaxRequests,
			cfg.Server.RateLimit.Window,
		))
	}
	{
		client.POST("/activate", activationHandler.Activate)
		client.POST("/checkin", activationHandler.CheckIn)
	}

	// Public auth routes
	authHandler, err := handlers.NewAuthHandler(db, jwt)
	if err != nil {
		return nil, err
	}
	r.POST("/api/auth/login", authHandler.Login)

	// Admin routes
	api := r.Group("/api")
	api.Use(middleware.Auth(jwt), middleware.RequireAdmin())

	api.GET("/auth/me", authHandler.Me)

	appHandler, err := handlers.NewAppHandler(db)
	if err != nil {
		return nil, err
	}
	apps := api.Group("/apps")
	{
		apps.GET("", appHandler.List)
		apps.POST("", appHandler.Create)
	}

	licenseHandler, err := handlers.NewLicenseHandler(db)
	if err != nil {
		return nil, err
	}
	licenses := api.Group("/licenses")
	{
		licenses.GET("", licenseHandler.List)
		licenses.POST("", licenseHandler.Issue)
		licenses.GET("/:id", licenseHandler.Get)
		licenses.POST("/:id/revoke", licenseHandler.Revoke)
		licenses.POST("/:id/extend", licenseHandler.Extend)
		licenses.DELETE("/:id", licenseHandler.Delete)
		licenses.GET("/:id/activations", licenseHandler.ListActivations)
		licenses.DELETE("/:id/activations/:activationId", licenseHandler.RemoveActivation)
	}

	if cfg.Features.Notifications.Enabled {
		notificationHandler, err := handlers.NewNotificationHandler(db, hub)
		if err != nil {
			return nil, err
		}
		notifications := api.Group("/notifications")
		{
			notifications.GET("", notificationHandler.List)
			notifications.POST("/:id/read", notificationHandler.MarkRead)
		}
	}

	// Realtime stream (token via query parameter, validated in the handler)
	if hub != nil {
		realtimeHandler := handlers.NewRealtimeHandler(hub, jwt)
		r.GET("/api/ws", realtimeHandler.Stream)
	}

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
