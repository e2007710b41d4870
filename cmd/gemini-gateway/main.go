// Package main is the entry point for the Gemini Business gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geminibiz/gateway/internal/account"
	"github.com/geminibiz/gateway/internal/config"
	"github.com/geminibiz/gateway/internal/debug"
	"github.com/geminibiz/gateway/internal/gateway"
	"github.com/geminibiz/gateway/internal/handler"
	"github.com/geminibiz/gateway/internal/maintenance"
	"github.com/geminibiz/gateway/internal/media"
	"github.com/geminibiz/gateway/internal/redis"
	"github.com/geminibiz/gateway/internal/session"
	"github.com/geminibiz/gateway/internal/upstream"
	"github.com/geminibiz/gateway/pkg/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := setupLogger(cfg)
	logger.Info("starting gateway",
		"port", cfg.Port,
		"store", cfg.RedisURL != "",
	)

	// Account store is optional; without it accounts come from the environment.
	redisClient, store := connectStore(cfg, logger)

	// Create upstream client
	client, err := upstream.NewClient(upstream.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Proxy:               cfg.Proxy,
		AuthTimeout:         cfg.AuthTimeout,
		SessionTimeout:      cfg.SessionTimeout,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to create upstream client", "error", err)
		os.Exit(1)
	}

	// Create account pool
	poolOpts := account.PoolOptions{
		AccountDefaults: account.Options{
			Exchanger: client,
			Cooldowns: account.Cooldowns{
				Auth:      cfg.AuthCooldown,
				RateLimit: cfg.RateLimitCooldown,
				Default:   cfg.DefaultCooldown,
			},
			TokenTTL: cfg.TokenTTL,
		},
		Logger: logger,
	}
	if store != nil {
		poolOpts.Store = store
	}
	pool := account.NewPool(poolOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	n, err := pool.Reload(ctx, os.Environ())
	cancel()
	if err != nil {
		logger.Warn("account store unavailable at startup", "error", err)
	}
	if n == 0 {
		logger.Warn("no accounts configured; requests will fail until accounts are added")
	}

	registry := session.NewRegistry(session.Options{
		Client: client,
		TTL:    cfg.SessionTTL,
		Logger: logger,
	})

	mediaStore, err := media.NewStore(media.Options{Dir: cfg.MediaDir, Logger: logger})
	if err != nil {
		logger.Error("failed to create media store", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(gateway.Options{
		Pool:         pool,
		Sessions:     registry,
		Assistant:    client,
		Media:        mediaStore,
		ChatTimeout:  cfg.ChatTimeout,
		ImageTimeout: cfg.ImageTimeout,
		VideoTimeout: cfg.VideoTimeout,
		MaxAttempts:  cfg.MaxRetries,
		Logger:       logger,
	})

	// Background jobs
	reloadInterval := time.Duration(0)
	if cfg.KeepaliveEnabled {
		reloadInterval = cfg.KeepaliveInterval
	}
	scheduler, err := maintenance.New(maintenance.Options{
		Pool:           pool,
		Sessions:       registry,
		StoreEnabled:   store != nil,
		ReloadInterval: reloadInterval,
		AffinityMaxAge: cfg.SessionTTL,
		Media:          mediaStore,
		ImageCacheTTL:  cfg.ImageCacheTTL,
		VideoCacheTTL:  cfg.VideoCacheTTL,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create maintenance scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	// Create handlers
	chatHandler := handler.NewChatHandler(handler.ChatHandlerOptions{
		Gateway: gw,
		Dumper: debug.NewDumper(debug.Options{
			Enabled:   cfg.DebugDump,
			ErrorDump: cfg.ErrorDump,
			Dir:       cfg.DebugDir,
		}),
		Logger: logger,
	})
	modelsHandler := handler.NewModelsHandler()
	healthHandler := handler.NewHealthHandler(store, pool)

	// Create router
	mux := http.NewServeMux()

	// Health endpoints (no auth required)
	mux.Handle("GET /health", healthHandler)
	mux.Handle("GET /v1/health", healthHandler)

	mux.Handle("GET /v1/models", modelsHandler)
	mux.Handle("GET /v1/models/{id}", modelsHandler)
	mux.Handle("POST /v1/chat/completions", chatHandler)

	handler.NewStudioHandler(handler.StudioHandlerOptions{
		Gateway: gw,
		Media:   mediaStore,
		Logger:  logger,
	}).Register(mux)

	handler.NewAdminHandler(handler.AdminHandlerOptions{
		Pool:      pool,
		Sessions:  registry,
		Store:     store,
		Scheduler: scheduler,
		Logger:    logger,
	}).Register(mux)

	if cfg.APIKey == "" {
		logger.Warn("API_KEY not set, authentication disabled")
	}

	// Apply middleware
	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(middleware.StaticKey(cfg.APIKey), logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", server.Addr, "accounts", pool.Len())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	scheduler.Stop(ctx)

	// Persist the final runtime state before the store goes away.
	if err := pool.SyncToStore(ctx); err != nil {
		logger.Warn("final account sync failed", "error", err)
	}

	// Close connections
	client.Close()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close Redis connection", "error", err)
		}
	}

	logger.Info("server stopped")
}

// connectStore opens the account store. It returns nils when the store is
// disabled or unreachable.
func connectStore(cfg *config.Config, logger *slog.Logger) (*redis.Client, *redis.AccountStore) {
	if cfg.RedisURL == "" {
		logger.Info("account store disabled, using environment accounts")
		return nil, nil
	}

	redisClient, err := redis.NewClient(redis.ClientOptions{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
		PoolSize:  cfg.RedisPoolSize,
		Timeout:   cfg.RedisTimeout,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := redisClient.Connect(ctx); err != nil {
		logger.Warn("failed to connect to Redis, falling back to environment accounts", "error", err)
		_ = redisClient.Close()
		return nil, nil
	}

	return redisClient, redis.NewAccountStore(redisClient)
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
