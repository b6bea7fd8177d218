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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/postal/internal/broker"
	"github.com/lalithlochan/postal/internal/circuitbreaker"
	"github.com/lalithlochan/postal/internal/config"
	"github.com/lalithlochan/postal/internal/db"
	"github.com/lalithlochan/postal/internal/metrics"
	"github.com/lalithlochan/postal/internal/observ"
	"github.com/lalithlochan/postal/internal/redis"
	"github.com/lalithlochan/postal/internal/retry"
	"github.com/lalithlochan/postal/internal/template"
	"github.com/lalithlochan/postal/internal/worker"
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
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting postal worker",
		zap.String("env", cfg.Env),
		zap.String("email_provider", cfg.EmailProvider),
		zap.String("push_provider", cfg.PushProvider),
		zap.Int("prefetch", cfg.PrefetchCount),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observ.SetupTracing(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := observ.ShutdownTracing(shutdownTracing); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

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

	// Template cache entries are shared with the gateway, which evicts them on edits
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

	emailProvider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	pushProvider, err := newPushProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

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
		Prefetch:    cfg.PrefetchCount,
	}
	if err := conn.DeclareTopology(brokerCfg.Topology()); err != nil {
		return err
	}

	deadLetters, err := broker.NewPublisher(conn, cfg.RabbitExchange, logger)
	if err != nil {
		return err
	}

	retries := retry.NewCoordinator(retry.Policy{
		MaxAttempts:  cfg.MaxRetryAttempts,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
		Multiplier:   cfg.RetryMultiplier,
		Jitter:       0.2,
	}, logger)

	processors := map[string]*worker.Processor{
		cfg.EmailQueue: worker.NewProcessor(templates, emailProvider, retries, deadLetters, worker.Config{
			Queue:       cfg.EmailQueue,
			FailedQueue: cfg.FailedQueue,
			FromEmail:   cfg.FromEmail,
			FromName:    cfg.FromName,
		}, logger),
		cfg.PushQueue: worker.NewProcessor(templates, pushProvider, retries, deadLetters, worker.Config{
			Queue:       cfg.PushQueue,
			FailedQueue: cfg.FailedQueue,
		}, logger),
	}

	health := func(ctx context.Context) error {
		return errors.Join(database.Health(ctx), redisClient.Ping(ctx))
	}
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux(logger, health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	for queue, p := range processors {
		consumer := broker.NewConsumer(conn, queue, cfg.PrefetchCount, logger)
		g.Go(func() error {
			return consumer.Run(gctx, p.Handle)
		})
	}

	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started",
		zap.String("email_queue", cfg.EmailQueue),
		zap.String("push_queue", cfg.PushQueue),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("worker stopped gracefully")
	return nil
}

func metricsMux(logger *zap.Logger, health func(ctx context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
