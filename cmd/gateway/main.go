package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/admission"
	"github.com/lalithlochan/postal/internal/api"
	"github.com/lalithlochan/postal/internal/broker"
	"github.com/lalithlochan/postal/internal/circuitbreaker"
	"github.com/lalithlochan/postal/internal/config"
	"github.com/lalithlochan/postal/internal/db"
	"github.com/lalithlochan/postal/internal/metrics"
	"github.com/lalithlochan/postal/internal/observ"
	"github.com/lalithlochan/postal/internal/redis"
	"github.com/lalithlochan/postal/internal/template"
	"github.com/lalithlochan/postal/internal/users"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting postal gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	shutdownTracing, err := observ.SetupTracing(ctx, cfg.ServiceName+"-gateway", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := observ.ShutdownTracing(shutdownTracing); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Template store for the admin routes
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Redis backs idempotency, status, the user and template caches and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	templates := template.NewService(
		db.NewRepository(database, logger),
		template.NewCache(redisClient, cfg.TemplateCacheTTL, logger),
		circuitbreaker.New(observ.BreakerConfig("template-store", cfg), logger),
		logger,
	)

	statuses := redis.NewStatusStore(redisClient, logger)
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.ThrottleLimit,
		Window: cfg.ThrottleTTL,
	})

	conn, err := broker.Dial(cfg.RabbitURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("rabbitmq close failed", zap.Error(err))
		}
	}()

	brokerCfg := broker.Config{
		Exchange:    cfg.RabbitExchange,
		EmailQueue:  cfg.EmailQueue,
		PushQueue:   cfg.PushQueue,
		FailedQueue: cfg.FailedQueue,
	}
	if err := conn.DeclareTopology(brokerCfg.Topology()); err != nil {
		return err
	}

	publisher, err := broker.NewPublisher(conn, cfg.RabbitExchange, logger)
	if err != nil {
		return err
	}

	admitter := admission.NewService(
		users.NewClient(cfg.UserServiceURL, redisClient, logger),
		redis.NewIdempotencyService(redisClient, logger, cfg.IdempotencyTTL),
		statuses,
		publisher,
		logger,
	)

	handler := api.NewHandler(logger, admitter, statuses, templates)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
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

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))
		handler.Mount(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := errors.Join(database.Health(ctx), redisClient.Ping(ctx)); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	connClosed := conn.NotifyClose()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case amqpErr := <-connClosed:
		return fmt.Errorf("rabbitmq connection lost: %v", amqpErr)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
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
