// Case desk server: conversation mutation API and push channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/casedesk/internal/api"
	"github.com/ashureev/casedesk/internal/claims"
	"github.com/ashureev/casedesk/internal/config"
	"github.com/ashureev/casedesk/internal/hub"
	"github.com/ashureev/casedesk/internal/id"
	"github.com/ashureev/casedesk/internal/identity"
	"github.com/ashureev/casedesk/internal/middleware"
	"github.com/ashureev/casedesk/internal/service"
	"github.com/ashureev/casedesk/internal/store"
	"github.com/ashureev/casedesk/internal/transcript"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "node_id", cfg.NodeID)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		slog.Error("Failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	audit, err := transcript.NewLogger(transcript.Config{
		Enabled:       cfg.Transcript.Enabled,
		Dir:           cfg.Transcript.Dir,
		GlobalEnabled: cfg.Transcript.GlobalEnabled,
		GlobalPath:    cfg.Transcript.GlobalPath,
		QueueSize:     cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := audit.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize services.
	pushHub := hub.New(logger)
	if cfg.RedisURL != "" {
		redisClient, err := startBackplane(ctx, cfg, pushHub, logger)
		if err != nil {
			slog.Error("Failed to start backplane", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	} else {
		slog.Info("Backplane disabled (REDIS_URL not set), broadcasts stay on this instance")
	}

	svc := service.New(repo, node, pushHub, audit, service.Config{DedupWindow: cfg.DedupWindow}, logger)

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Close()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, cfg.HealthTimeout)
	conversationHandler := api.NewConversationHandler(svc, limiter, logger)
	claimHandler := api.NewClaimHandler(claims.NewProcessor(repo, claims.DefaultConfig(), logger), logger)
	wsHandler := hub.NewHandler(pushHub, svc, cfg.AllowedOrigins, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware())

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Route("/api", func(r chi.Router) {
		conversationHandler.Routes(r)
		claimHandler.Routes(r)
	})

	// WebSocket endpoints.
	wsHandler.Routes(r)

	// Create server.
	// Note: websocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pushHub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func startBackplane(ctx context.Context, cfg *config.Config, h *hub.Hub, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	hostname, _ := os.Hostname()
	backplane, err := hub.NewRedisBackplane(client, hub.RedisConfig{
		Stream:   cfg.RedisStream,
		Instance: fmt.Sprintf("%s-%d-%d", hostname, cfg.NodeID, os.Getpid()),
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	h.SetBackplane(backplane)

	go func() {
		if err := backplane.Run(ctx, h.Deliver); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Backplane stopped", "error", err)
		}
	}()
	slog.Info("Backplane connected", "stream", cfg.RedisStream)
	return client, nil
}
