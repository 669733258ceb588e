package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/auth"
	"github.com/openwatchparty/session-server/internal/v1/config"
	"github.com/openwatchparty/session-server/internal/v1/health"
	"github.com/openwatchparty/session-server/internal/v1/logging"
	"github.com/openwatchparty/session-server/internal/v1/ratelimit"
	"github.com/openwatchparty/session-server/internal/v1/session"
	"github.com/openwatchparty/session-server/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.LogLevel, cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// The validator logs its own advisories (auth disabled, weak secret).
	validator := auth.NewValidator(cfg.JWTSecret, cfg.JWTAudience, cfg.JWTIssuer)
	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins)

	// --- Optional Tracing ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "session-server", cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			logging.Info(ctx, "✅ Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Error(shutdownCtx, "Error shutting down tracer provider", zap.Error(err))
				}
			}()
		}
	}

	// --- Upgrade Rate Limiter ---
	upgradeLimiter, err := ratelimit.New(cfg.RateLimitWsIP)
	if err != nil {
		logging.Fatal(ctx, "Invalid rate limit configuration", zap.Error(err))
	}

	// --- Hub ---
	hub := session.NewHub(validator, validator.Enabled, allowedOrigins, upgradeLimiter)
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go hub.Run(sweepCtx)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware("session-server"))
	}

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", hub.ServeWs)
	router.GET("/health", health.NewHandler(validator.Enabled).Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Session server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	stopSweeper()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
