// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/config"
	"github.com/capitalize-ai/live-conversations/internal/handler"
	"github.com/capitalize-ai/live-conversations/internal/middleware"
	natsclient "github.com/capitalize-ai/live-conversations/internal/nats"
	"github.com/capitalize-ai/live-conversations/internal/postgres"
	redisstore "github.com/capitalize-ai/live-conversations/internal/redis"
	"github.com/capitalize-ai/live-conversations/internal/service"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
	"github.com/capitalize-ai/live-conversations/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "live-conversations", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Connect to Postgres
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()

	perms := postgres.NewPermissionRepository(pool)
	conversations := postgres.NewConversationRepository(pool, perms)

	// Connect to Redis
	rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()
	pauses := redisstore.NewPauseAuthority(rdb)

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		Name:     "live-conversations-api",
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	// Ensure JetStream stream exists
	streamManager := natsclient.NewStreamManager(natsClient, log)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}

	// Initialize services
	sessions := service.NewSessionService(service.Backend{
		Store:       conversations,
		Permissions: perms,
		Changes:     streamManager,
		Pauses:      pauses,
		Reads:       conversations,
	}, cfg.Live, cfg.SessionIdleTimeout, log)
	go sessions.Run(ctx)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(map[string]handler.Checker{
		"postgres": conversations,
		"redis":    pauses,
		"nats":     natsClient,
	})
	conversationHandler := handler.NewConversationHandler(sessions, log)
	pauseHandler := handler.NewPauseHandler(sessions, log)
	streamHandler := handler.NewStreamHandler(sessions, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1/live", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/stream", streamHandler.Stream)
		r.Delete("/session", conversationHandler.CloseSession)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Get("/{key}", conversationHandler.Get)
			r.Post("/{key}/read", conversationHandler.MarkRead)
		})

		r.Route("/pauses/{key}", func(r chi.Router) {
			r.Get("/", pauseHandler.Get)
			r.Put("/", pauseHandler.Set)
			r.Delete("/", pauseHandler.Clear)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	sessions.Shutdown()

	log.Info("server stopped")
}
