// Package main provides the batch calculation worker entry point.
// Consumes calculation requests and publishes one result per request.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/observability/tracing"
	"github.com/drfirst/go-ndc/internal/worker"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
	"github.com/drfirst/go-ndc/pkg/idempotency"
	"github.com/drfirst/go-ndc/pkg/workerpool"
)

const serviceName = "calc-worker"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("calc-worker requires KAFKA_BROKERS")
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(1)); err != nil {
		admin.Close()
		return err
	}
	admin.Close()

	reg, m := app.NewRegistry()
	breakers := circuitbreaker.NewManager(logger)
	breakers.OnStateChange(m.ObserveBreaker)

	pool, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	store, err := app.NewStore(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := app.NewEngine(app.Deps{Config: cfg, Logger: logger, Metrics: m, Breakers: breakers, Cache: store})
	if err != nil {
		return err
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	pcfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.WorkerConcurrency
	handler, err := worker.NewHandler(eng, producer, redpanda.TopicCalculationResults, poolCfg, logger)
	if err != nil {
		return err
	}

	if pool != nil {
		eng.WithHistory(postgres.NewHistoryRepository(pool, redpanda.TopicCalculations, logger))

		icfg := idempotency.DefaultInboxConfig()
		icfg.Terminal = worker.Terminal
		inbox := idempotency.NewInbox(pool, icfg, logger)
		if err := inbox.EnsureSchema(ctx); err != nil {
			return err
		}
		inbox.StartCleanup()
		defer inbox.Stop()
		handler.WithInbox(inbox)
	} else {
		eng.WithPublisher(producer)
	}

	handler.Start()
	defer func() {
		if err := handler.Stop(); err != nil {
			logger.Error("worker pool stop failed", zap.Error(err))
		}
	}()

	consumer, err := redpanda.NewConsumer(func() redpanda.ConsumerConfig {
		c := redpanda.DefaultConsumerConfig()
		c.Brokers = cfg.KafkaBrokers
		return c
	}(), handler.HandleBatch, logger)
	if err != nil {
		return err
	}

	server := opsServer(cfg.Port, reg, handler, map[string]handlers.Check{
		"redpanda": producer.Ping,
		"cache":    store.Ping,
	})
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("calc worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.Int("workers", poolCfg.Workers),
		zap.Bool("inbox", pool != nil))

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consumer: %w", err)
	}
	logger.Info("calc worker stopped")
	return nil
}

func opsServer(port string, reg prometheus.Gatherer, handler *worker.Handler, checks map[string]handlers.Check) *http.Server {
	health := handlers.NewHealthHandler(serviceName, app.Version, checks)
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler.Stats())
	})
	return &http.Server{Addr: ":" + port, Handler: r, ReadTimeout: 5 * time.Second}
}
