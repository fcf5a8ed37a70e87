package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prep/prep/internal/config"
	"github.com/prep/prep/internal/domain/resource"
	"github.com/prep/prep/internal/platform/middleware"
	"github.com/prep/prep/internal/platform/prep"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "prep-server",
		Short: "Resource server with per-resource event streams",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the resource server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", "Accept-Events", "Last-Event-ID", "X-Request-ID"},
		ExposeHeaders: []string{"Accept-Events", "Events", "Event-ID", "ETag", "Location"},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	// Event plumbing: one engine and one event id store for the process,
	// a session per request.
	engine := prep.NewEngine(logger)
	ids := prep.NewEventIDStore()
	e.Use(prep.Sessions(engine, ids, logger, prep.Options{
		ContentTypes:    cfg.NotificationContentTypes,
		DefaultDuration: time.Duration(cfg.NotificationDuration) * time.Second,
		MaxDuration:     time.Duration(cfg.NotificationDurationMax) * time.Second,
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	// Hosted resources
	store := resource.NewStore()
	store.Put("/notes/1", "text/plain", "The quick brown fox jumped over the lazy dog.")
	resource.NewHandler(store, logger).RegisterRoutes(e)

	// Long-lived event streams must outlive the default write timeout; the
	// per-stream deadline is managed by the session instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(srv.Addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.StartServer(srv)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()
	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
		return err
	}
	return nil
}
