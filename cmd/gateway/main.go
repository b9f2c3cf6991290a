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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nudgeworks/nudge/internal/api"
	"github.com/nudgeworks/nudge/internal/circuitbreaker"
	"github.com/nudgeworks/nudge/internal/config"
	"github.com/nudgeworks/nudge/internal/db"
	"github.com/nudgeworks/nudge/internal/dispatch"
	"github.com/nudgeworks/nudge/internal/metrics"
	"github.com/nudgeworks/nudge/internal/observ"
	"github.com/nudgeworks/nudge/internal/redis"
	"github.com/nudgeworks/nudge/internal/sms"
	"github.com/nudgeworks/nudge/internal/transform"
	"github.com/nudgeworks/nudge/internal/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting nudge gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("sms_provider", cfg.SMSProvider),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the dispatch lease, idempotent creation, and rate limits.
	// The service degrades to single-instance behavior without it.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var apiLimiter *redis.RateLimiter
	var resendLimiter *redis.RateLimiter
	var tickLease *redis.Lease
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per client IP
		})
		resendLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  3,               // 3 codes
			Window: 5 * time.Minute, // per 5 minutes per phone
		})
		tickLease = redis.NewLease(redisClient, logger)
		defer redisClient.Close()
	}

	// Pick the SMS gateway and wrap it in a circuit breaker so a provider
	// outage stops hammering the API.
	var gateway sms.Gateway
	switch cfg.SMSProvider {
	case "sns":
		gateway, err = sms.NewSNSGateway(ctx, sms.SNSConfig{
			Region:   cfg.AWSRegion,
			SenderID: cfg.SMSSenderID,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS gateway: %w", err)
		}
	default:
		gateway = sms.NewLogGateway(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sms-gateway"), logger)
	protected := circuitbreaker.Protect(gateway, breaker)

	verifier := verify.New(repo, protected, cfg.CodeTTL, logger)
	if resendLimiter != nil {
		verifier = verifier.WithResendLimiter(resendLimiter)
	}

	dispatcher := dispatch.New(repo, protected, transform.New(), dispatch.Config{
		Interval:    cfg.DispatchInterval,
		BatchSize:   cfg.DispatchBatchSize,
		SendTimeout: cfg.SendTimeout,
	}, logger)
	if tickLease != nil {
		dispatcher = dispatcher.WithLease(tickLease)
	}

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()

	go dispatcher.Start(dispatchCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, repo, verifier)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))

		r.Post("/reminders", handler.CreateReminder)
		r.Get("/reminders", handler.ListReminders)
		r.Get("/reminders/{id}", handler.GetReminder)
		r.Delete("/reminders/{id}", handler.DeleteReminder)

		r.Post("/verifications", handler.CreateVerification)
		r.Post("/verifications/confirm", handler.ConfirmVerification)
		r.Delete("/verifications/{phone}", handler.DeleteVerification)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop scheduling new ticks before draining HTTP.
		dispatchCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
