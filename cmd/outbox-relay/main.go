// Package main provides the outbox relay entry point.
// Publishes calculation events written by the history repository.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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
	if cfg.DatabaseURL == "" || len(cfg.KafkaBrokers) == 0 {
		return errors.New("outbox-relay requires DATABASE_URL and KAFKA_BROKERS")
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

	pool, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	pcfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	reg, m := app.NewRegistry()
	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger)
	relay.OnPublish(m.ObservePublish)

	health := handlers.NewHealthHandler(serviceName, app.Version, map[string]handlers.Check{
		"postgres": pool.Ping,
		"redpanda": producer.Ping,
	})
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	defer server.Shutdown(context.Background())

	go reportPending(ctx, relay, m, logger)

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// reportPending refreshes the pending gauge until ctx ends
func reportPending(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Failing > 0 {
				logger.Warn("outbox entries failing", zap.Int64("failing", stats.Failing))
			}
		}
	}
}
