package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/scribeflow/internal/auth"
	"github.com/vnmchuo/scribeflow/internal/health"
	"github.com/vnmchuo/scribeflow/internal/logging"
	"github.com/vnmchuo/scribeflow/internal/proxy"
	"github.com/vnmchuo/scribeflow/internal/telemetry"
	"github.com/vnmchuo/scribeflow/internal/usage"
	"github.com/vnmchuo/scribeflow/pkg/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load config
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, Version, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	logging.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	logging.Info().Msg("Redis connected")

	// 5. Auth, usage and rate limiting
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewPostgresStore(pool), rdb)
	usageStore := usage.NewPostgresStore(pool)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)

	// 6. Providers
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	cache := proxy.NewCache(cfg.Providers(), proxy.DefaultFactories())
	router := proxy.NewRouter(cache, cfg.DefaultProvider, cfg.ProviderTimeout, tracer)
	handler := proxy.NewHandler(router, usageStore, limiter, tracer, proxy.Defaults{
		Model:       cfg.DefaultModel,
		Temperature: cfg.DefaultTemperature,
		MaxTokens:   cfg.DefaultMaxTokens,
	})
	healthHandler := health.NewHandler(serviceName, pool, rdb, router)

	available := router.AvailableProviders()
	if len(available) == 0 {
		logging.Warn().Msg("no AI provider has an API key configured")
	}
	logging.Info().
		Interface("providers", available).
		Str("default_provider", cfg.DefaultProvider.String()).
		Msg("AI providers configured")

	// 7. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/db", healthHandler.HandleDatabase)
	r.Get("/health/ai", healthHandler.HandleAI)

	// Protected routes
	r.Route("/api/v1/ai", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/providers", handler.HandleProviders)
		r.Get("/providers/{provider}/models", handler.HandleModels)
		r.Post("/chat", handler.HandleChat)
		r.Post("/chat/stream", handler.HandleChatStream)
		r.Post("/analyze-text", handler.HandleAnalyzeText)
		r.Get("/usage", handler.HandleUsage)
	})

	// 8. Graceful shutdown
	// Streams may legitimately run for the whole provider timeout.
	var writeTimeout time.Duration
	if cfg.ProviderTimeout > 0 {
		writeTimeout = cfg.ProviderTimeout + 30*time.Second
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logging.Info().Str("port", cfg.Port).Msg("ScribeFlow AI gateway starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}
	logging.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info().Msg("Server stopped")
	return nil
}
