// Beatdown.ai chat widget server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/beatdown/internal/api"
	"github.com/ashureev/beatdown/internal/chatapi"
	"github.com/ashureev/beatdown/internal/config"
	"github.com/ashureev/beatdown/internal/identity"
	"github.com/ashureev/beatdown/internal/ledger"
	"github.com/ashureev/beatdown/internal/live"
	"github.com/ashureev/beatdown/internal/middleware"
	"github.com/ashureev/beatdown/internal/session"
	"github.com/ashureev/beatdown/internal/store"
	"github.com/ashureev/beatdown/internal/transcript"
	"github.com/ashureev/beatdown/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "ledger_backend", cfg.Ledger.Backend)

	// Initialize dependencies.
	kv, err := store.Open(context.Background(), store.Options{
		Backend:     cfg.Ledger.Backend,
		SQLitePath:  cfg.Ledger.DBPath,
		RedisURL:    cfg.Ledger.RedisURL,
		PostgresURL: cfg.Ledger.PostgresURL,
	})
	if err != nil {
		slog.Error("Failed to initialize balance store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close balance store", "error", closeErr)
		}
	}()

	if err := kv.Ping(context.Background()); err != nil {
		slog.Error("Balance store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Balance store connected", "backend", cfg.Ledger.Backend)

	endpoint, err := chatapi.New(chatapi.Options{
		URL:     cfg.Chat.EndpointURL,
		Timeout: cfg.Chat.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to initialize chat endpoint", "error", err, "url", cfg.Chat.EndpointURL)
		os.Exit(1)
	}
	defer func() {
		if closeErr := endpoint.Close(); closeErr != nil {
			slog.Warn("Failed to close chat endpoint", "error", closeErr)
		}
	}()

	transcriptLogger, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcriptLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript logger", "error", closeErr)
		}
	}()

	registry := session.NewRegistry(session.Factory{
		KV:       kv,
		Endpoint: endpoint,
		Ledger: ledger.Options{
			InitialBalance: cfg.Ledger.DefaultCredits,
			Bonus:          cfg.Ledger.RedemptionBonus,
			RedemptionCode: cfg.Ledger.RedemptionCode,
		},
		Transcript: transcriptLogger,
	}, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(registry, logger)
	chatHandler := api.NewChatHandler(baseHandler, cfg.Chat.CheckoutURL)
	healthHandler := api.NewHealthHandler(kv, cfg.Ledger.Backend, registry.Len)
	wsHandler := live.NewHandler(registry, cfg.AllowedOrigins(), cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Widget routes carry the anonymous browser identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded widget.
	r.Handle("/*", web.WidgetHandler())

	// Chat round-trips have no deadline by default, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartTTLWorker(ctx, cfg.SessionTTL)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
