// Package main provides the NDC calculation API entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/observability/tracing"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

const serviceName = "ndc-api"

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
	defer shutdown(logger, "tracing", tp.Shutdown)

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

	checks := map[string]handlers.Check{"cache": store.Ping}

	// With a database, history and its outbox carry the events; the outbox
	// relay binary publishes them. Without one, events go straight out.
	switch {
	case pool != nil:
		topic := ""
		if len(cfg.KafkaBrokers) > 0 {
			topic = redpanda.TopicCalculations
		}
		eng.WithHistory(postgres.NewHistoryRepository(pool, topic, logger))
		checks["postgres"] = pool.Ping
	case len(cfg.KafkaBrokers) > 0:
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		pcfg.ClientID = serviceName
		producer, err := redpanda.NewProducer(pcfg, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		eng.WithPublisher(producer)
		checks["redpanda"] = producer.Ping
	}

	calcHandler := handlers.NewCalculationHandler(eng, logger)
	health := handlers.NewHealthHandler(serviceName, app.Version, checks)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	r.Get("/breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(breakers.GetHealthStatus())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(limiter.Handler)
		r.Mount("/", calcHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting NDC API",
			zap.String("port", cfg.Port),
			zap.String("cache_backend", cfg.CacheBackend),
			zap.Bool("history", pool != nil),
			zap.Bool("auth", len(cfg.APIKeys) > 0))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func shutdown(logger *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
