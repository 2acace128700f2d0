package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/internal/domain/records"
	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/internal/platform/db"
	"github.com/diaglab/lims/internal/platform/middleware"
)

const version = "0.1.0"

// rebuildPath runs without the request deadline.
const rebuildPath = "/api/v1/maintenance/rebuild"

func runServer() error {
	logger := newLogger(nil, os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg, os.Stdout)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize services")
	}
	defer a.Close()
	logger.Info().
		Str("sequence_backend", cfg.SequenceBackend).
		Str("timezone", cfg.Timezone).
		Msg("connected to database")

	e := newServer(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Actor())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader, middleware.ActorHeader, "X-Tenant-ID"},
		ExposeHeaders: []string{"Link", middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, rebuildPath))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, healthChecks(a)...))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	issuance.NewHandler(a.issuer).RegisterRoutes(apiV1)
	maintenance.NewHandler(a.maint).RegisterRoutes(apiV1)
	records.NewHandler(a.records).RegisterRoutes(apiV1)
	audit.NewHandler(a.recorder).RegisterRoutes(apiV1)

	return e
}

func healthChecks(a *app) []db.Check {
	var checks []db.Check
	if a.rdb != nil {
		rdb := a.rdb
		checks = append(checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return checks
}
