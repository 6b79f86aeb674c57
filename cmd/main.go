package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gestio-core/internal/apperr"
	"gestio-core/internal/handler"
	"gestio-core/internal/identity"
	"gestio-core/internal/middleware"
	"gestio-core/internal/permission"
	"gestio-core/internal/session"
	"gestio-core/internal/tenantconn"
	"gestio-core/pkg/config"
	"gestio-core/pkg/database"
	"gestio-core/pkg/jwtutil"
	"gestio-core/pkg/logger"
	"gestio-core/prometheus"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting identity core...", zap.String("environment", cfg.Server.Env))

	// Initialize control-plane database
	if err := database.InitDB(cfg); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	db := database.GetDB()
	log.Info("Control-plane database connected")

	// Core services
	jwt := jwtutil.New(&cfg.JWT)
	sessions := session.NewRegistry(db, cfg.Session.TTL)
	perms := permission.NewResolver(db)
	conns := tenantconn.NewRegistry(db, &cfg.TenantDB, log)
	auth := middleware.NewAuth(db, jwt, sessions, perms)

	// Periodic session sweep; not part of the request path
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Session.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if deleted, err := sessions.SweepExpired(); err != nil {
					log.Error("Session sweep failed", zap.Error(err))
				} else if deleted > 0 {
					log.Info("Expired sessions swept", zap.Int64("deleted", deleted))
				}
				if active, err := sessions.CountActive(); err == nil {
					prometheus.UpdateActiveSessions(active)
				}
			case <-sweepDone:
				return
			}
		}
	}()

	// Initialize Echo framework
	e := echo.New()
	e.HideBanner = true

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	// Handlers
	authHandler := handler.NewAuthHandler(db, jwt, sessions, perms, cfg)
	tenantHandler := handler.NewTenantHandler(db, conns, cfg)
	permHandler := handler.NewPermissionHandler(db, perms)
	adminHandler := handler.NewAdminHandler(db)

	// Public routes - no authentication required
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", handler.MetricsHandler)
	e.POST("/auth/login", authHandler.Login)

	// Authenticated routes
	authed := e.Group("", auth.Authenticate)
	authed.POST("/auth/logout", authHandler.Logout)

	api := e.Group("/api", auth.Authenticate)
	api.GET("/me", authHandler.Me)
	api.POST("/switch-database", authHandler.SwitchDatabase)
	api.GET("/sessions", authHandler.ListSessions)
	api.POST("/sessions/revoke-all", authHandler.RevokeAllSessions)
	api.GET("/menus", permHandler.VisibleMenus)

	// Permission management - master or tenant admin, checked in handler
	api.GET("/permissions/:user_id", permHandler.GetPermissions)
	api.PUT("/permissions/:user_id", permHandler.SetPermissions)

	// Master-only surface
	master := api.Group("", middleware.RequireMaster)
	master.GET("/tenants", tenantHandler.ListTenants)
	master.POST("/tenants", tenantHandler.CreateTenant)
	master.PUT("/tenants/:id", tenantHandler.UpdateTenant)
	master.DELETE("/tenants/:id", tenantHandler.DeleteTenant)
	master.POST("/tenants/sync", tenantHandler.SyncCatalog)
	master.POST("/tenants/:id/clone-template", tenantHandler.CloneTemplate)
	master.GET("/users", adminHandler.ListUsers)
	master.POST("/grants", adminHandler.AssignGrant)
	master.DELETE("/grants/:user_id/:tenant_id", adminHandler.RemoveGrant)
	master.GET("/config", adminHandler.GetConfig)
	master.PUT("/config", adminHandler.SetConfig)

	// Example of a menu-gated business route group: handlers resolve their
	// tenant store through the connection registry
	sales := api.Group("/sales", auth.RequireMenu("sales.clients", identity.ActionView))
	sales.GET("/clients/ping", func(c echo.Context) error {
		name, _ := middleware.TenantFrom(c)
		conn, err := conns.Acquire(c.Request().Context(), name)
		if err != nil {
			prometheus.RecordPoolResolution("error")
			log.Error("Tenant store unavailable", zap.String("tenant", name), zap.Error(err))
			if e, ok := apperr.From(err); ok {
				return c.JSON(e.Status, echo.Map{"error": e.Message, "code": e.Code})
			}
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "storage temporarily unavailable"})
		}
		defer conn.Close()
		if err := conn.PingContext(c.Request().Context()); err != nil {
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "storage temporarily unavailable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"database": name, "status": "ok"})
	})

	// Start server
	go func() {
		log.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown: close the HTTP server, then every tenant pool
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	close(sweepDone)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	conns.EvictAll()
	log.Info("Shutdown complete")
}
