package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"market-proxy/internal/api/routes"
	"market-proxy/internal/config"
	"market-proxy/internal/database"
	"market-proxy/internal/services"
	"market-proxy/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	logger.Info("Starting market data proxy", "upstream", cfg.Upstream.URL, "wsPath", cfg.WebSocket.Path)

	// Rate limiter: shared through Redis when configured, per process otherwise
	var limiter services.RateLimiter
	if cfg.Redis.URL != "" {
		redisClient, err := database.NewRedisConnection(cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		limiter = services.NewRedisRateLimiter(redisClient.GetClient())
	} else {
		logger.Info("REDIS_URL not set, using in-memory rate limiter")
		limiter = services.NewMemoryRateLimiter()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Initialize WebSocket hub
	hub := websocket.NewHub(websocket.HubConfig{
		UpstreamURL:       cfg.Upstream.URL,
		Channel:           cfg.Upstream.Channel,
		DefaultInstrument: cfg.WebSocket.DefaultInstrument,
		ReconnectDelay:    cfg.Upstream.ReconnectDelay,
		DialTimeout:       cfg.Upstream.DialTimeout,
		PingInterval:      cfg.Upstream.PingInterval,
		IdleTimeout:       cfg.Upstream.IdleTimeout,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, nil, websocket.NewMetrics(registry), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	// Initialize router with all dependencies
	router := routes.NewRouter(cfg, hub, services.NewOKXService(cfg.REST), limiter, registry, logger)
	router.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Server shutting down...")
	case runErr = <-serveErr:
		logger.Error("Server failed to start", "error", runErr)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop WebSocket hub; client sockets get 1001 going away
	hub.Stop()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
	return runErr
}
