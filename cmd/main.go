// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server, the expiry worker
// and, when enabled, the payment.success consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/clock"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/config"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/database"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/handler"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/logger"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/payment"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/repository"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/scheduler"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/service"
	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ticket-queue: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── 1. Configuration and logging ─────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.App.Environment, cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	checks := map[string]handler.Check{}

	// ── 2. Store ─────────────────────────────────────────────────────────
	retry := repository.RetryConfig{
		MaxAttempts:     cfg.Queue.TxMaxRetries,
		InitialInterval: cfg.Queue.TxRetryInitial,
		MaxInterval:     cfg.Queue.TxRetryMax,
	}
	var store repository.Store
	switch cfg.Database.Driver {
	case "memory":
		log.Warn("using the in-memory store, state is lost on restart")
		store = repository.NewMemoryStore(retry, log)
	default:
		pool, err := database.NewPool(ctx, database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			DBName:          cfg.Database.DBName,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			MaxRetries:      cfg.Database.ConnectRetries,
			RetryInterval:   cfg.Database.RetryInterval,
			EnableTracing:   cfg.OTel.Enabled,
		}, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()

		if cfg.Database.AutoMigrate {
			if err := database.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("database schema applied")
		}
		log.Info("connected to PostgreSQL", zap.String("host", cfg.Database.Host))
		store = repository.NewPostgresStore(pool, retry, log)
	}
	checks["store"] = store.Ping

	// ── 3. Expiry queue ──────────────────────────────────────────────────
	var queue scheduler.Queue
	if cfg.Redis.Host == "" {
		log.Warn("REDIS_HOST not set, expiry tasks are kept in memory")
		queue = scheduler.NewMemoryQueue()
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer func() { _ = rdb.Close() }()
		if cfg.OTel.Enabled {
			if err := redisotel.InstrumentTracing(rdb); err != nil {
				return fmt.Errorf("redis tracing: %w", err)
			}
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		log.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr()))
		queue = scheduler.NewRedisQueue(rdb, cfg.Redis.QueueKey)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	sched := scheduler.New(queue)

	// ── 4. Services ──────────────────────────────────────────────────────
	clk := clock.Real{}
	queueSvc := service.NewQueueService(store, sched, clk, service.Policy{
		OfferWindow:         cfg.Queue.OfferWindow,
		EarlyTolerance:      cfg.Queue.EarlyTolerance,
		PurchaseGracePeriod: cfg.Queue.PurchaseGracePeriod,
		PromoteOnRelease:    cfg.Queue.PromoteOnRelease,
	}, metrics, log)
	eventSvc := service.NewEventService(store, clk, log)

	worker := scheduler.NewWorker(sched, queueSvc, queueSvc, clk, scheduler.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		ClaimBatch:    cfg.Scheduler.ClaimBatch,
		ClaimLease:    cfg.Scheduler.ClaimLease,
		SweepInterval: cfg.Scheduler.SweepInterval,
		SweepBatch:    cfg.Scheduler.SweepBatch,
	}, log)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("expiry worker: %w", err)
	}
	defer worker.Stop()

	var consumer *payment.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = payment.NewConsumer(ctx, payment.ConsumerConfig{
			Brokers:      cfg.Kafka.Brokers,
			GroupID:      cfg.Kafka.ConsumerGroup,
			ClientID:     cfg.Kafka.ClientID,
			Topic:        cfg.Kafka.Topic,
			RetryTimeout: cfg.Kafka.RetryTimeout,
		}, queueSvc, log)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer consumer.Close()
	}

	// ── 5. Build the router ──────────────────────────────────────────────
	var limiter *handler.UserRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = handler.NewUserRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	router := handler.NewRouter(handler.RouterConfig{
		Events:   handler.NewEventHandler(eventSvc, log),
		Queue:    handler.NewQueueHandler(queueSvc, eventSvc, log),
		Webhooks: handler.NewWebhookHandler(queueSvc, cfg.Payment.StripeWebhookSecret, cfg.Payment.RazorpayWebhookSecret, log),
		Health:   handler.NewHealthHandler(checks),
		Auth: handler.AuthConfig{
			Enabled: cfg.JWT.Enabled,
			Secret:  cfg.JWT.Secret,
			Issuer:  cfg.JWT.Issuer,
		},
		JoinLimiter:     limiter,
		StripeEnabled:   cfg.Payment.StripeWebhookSecret != "",
		RazorpayEnabled: cfg.Payment.RazorpayWebhookSecret != "",
		Log:             log.Named("http"),
	})

	var root http.Handler = router
	if cfg.OTel.Enabled {
		root = otelhttp.NewHandler(router, "http.server")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// ── 6. Run until signalled ───────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if consumer != nil {
		// A stuck record stops the consumer, not the API; it is redelivered
		// on the next start. Shutdown waits for an in-flight record.
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil {
				log.Error("payment consumer exited", zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
