package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/dedupe"
	"github.com/safar/storefront/internal/events"
	"github.com/safar/storefront/internal/gateway"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/internal/metrics"
	"github.com/safar/storefront/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.App.Service, cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service_exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database_connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Webhooks still reconcile correctly without the dedupe cache.
		logger.Warn("redis_unavailable", zap.Error(err))
	}

	writer := events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer writer.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	txOpts := database.DefaultTxOptions()
	txOpts.LockTimeout = cfg.Database.LockTimeout
	txOpts.MaxRetries = cfg.Database.MaxRetries

	deps := service.Deps{DB: db, TxOptions: txOpts, Metrics: m, Logger: logger}
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	carts := service.NewCartService(deps)
	orders := service.NewOrderService(deps, cfg.Gateway.Currency)
	payments := service.NewPaymentService(deps, gw, dedupe.NewStore(rdb, cfg.Redis.DedupeTTL))

	if cfg.Gateway.WebhookSecret == "" {
		logger.Warn("webhook_signature_verification_disabled")
	}

	router := httpapi.NewRouter(httpapi.Options{
		Carts:          carts,
		Orders:         orders,
		Payments:       payments,
		Webhooks:       gateway.NewWebhookVerifier(cfg.Gateway.WebhookSecret, cfg.Gateway.SignatureTolerance),
		Logger:         logger,
		Development:    cfg.App.Development(),
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Health:         db.PingContext,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, cfg.App.Service),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	relay := events.NewRelay(db, writer, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, m, logger.Named("outbox"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server_starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return relay.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server_stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
