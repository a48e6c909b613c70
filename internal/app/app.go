// Package app wires the engine and its infrastructure from configuration.
// Both binaries build their engine here.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/advisory"
	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/catalog"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/engine"
	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
	"github.com/drfirst/go-ndc/internal/infrastructure/sqlite"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/openfda"
	"github.com/drfirst/go-ndc/internal/resolver"
	"github.com/drfirst/go-ndc/internal/rxnorm"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
	"github.com/drfirst/go-ndc/pkg/retry"
)

// Version is reported by health endpoints
const Version = "0.1.0"

// NewLogger builds a production logger, or a development one for debug
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	if err := zc.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	return zc.Build()
}

// NewRegistry returns a registry with runtime collectors and the app metrics
func NewRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

// Connect opens the postgres pool and creates the schema. It returns nil
// when no DATABASE_URL is configured.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return pool, nil
}

// Store is a cache backend with its health check and cleanup
type Store struct {
	cache.Cache
	Ping  func(ctx context.Context) error
	Close func() error
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// NewStore selects the cache backend named by CACHE_BACKEND and starts
// purging its expired entries. Close stops the purge loop.
func NewStore(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*Store, error) {
	switch cfg.CacheBackend {
	case config.CachePostgres:
		if pool == nil {
			return nil, errors.New("postgres cache requires DATABASE_URL")
		}
		c := postgres.NewCache(pool, logger)
		stop := startPurge(c, cfg.CachePurgeInterval, logger)
		return &Store{Cache: c, Ping: pool.Ping, Close: func() error { stop(); return nil }}, nil
	case config.CacheSQLite:
		c, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		stop := startPurge(c, cfg.CachePurgeInterval, logger)
		return &Store{Cache: c, Ping: c.Ping, Close: func() error { stop(); return c.Close() }}, nil
	default:
		c := cache.NewMemory()
		stop := startPurge(c, cfg.CachePurgeInterval, logger)
		return &Store{
			Cache: c,
			Ping:  func(context.Context) error { return nil },
			Close: func() error { stop(); return nil },
		}, nil
	}
}

// startPurge deletes expired entries on every interval until the returned
// stop function is called
func startPurge(p purger, interval time.Duration, logger *zap.Logger) func() {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := p.Purge(ctx); err != nil {
					logger.Error("cache purge failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("cache purge completed", zap.Int64("deleted", n))
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Deps are the collaborators shared by the engine's components
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Manager
	Cache    cache.Cache
	// HTTPClient defaults to a client with pooled connections
	HTTPClient retry.Doer
}

// NewEngine builds the resolver, catalog adapter and recommender and the
// engine around them
func NewEngine(d Deps) (*engine.Engine, error) {
	cfg, logger := d.Config, d.Logger
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}}
	}

	rxCaller, err := d.caller("rxnorm")
	if err != nil {
		return nil, err
	}
	fdaCaller, err := d.caller("openfda")
	if err != nil {
		return nil, err
	}

	res := resolver.New(rxnorm.NewClient(cfg.RxNormBaseURL, rxCaller, logger.Named("rxnorm")), cfg.Resolver(), logger.Named("resolver"))
	adapter := catalog.NewAdapter(openfda.NewClient(cfg.OpenFDABaseURL, cfg.OpenFDAAPIKey, fdaCaller, logger.Named("openfda")),
		catalog.DefaultConfig(), logger.Named("catalog"))

	service, err := d.advisoryService()
	if err != nil {
		return nil, err
	}
	rec := advisory.NewRecommender(service, cfg.Optimizer(), logger.Named("advisory"))

	ecfg := engine.DefaultConfig()
	ecfg.CacheTTL = cfg.CacheTTL
	eng := engine.New(res, adapter, rec, d.Cache, ecfg, logger.Named("engine"))

	if d.Metrics != nil {
		res.Observe(d.Metrics.ObserveStrategy)
		rec.OnOutcome(d.Metrics.ObserveAdvisory)
		eng.Observe(d.Metrics.ObserveCalculation)
	}
	return eng, nil
}

// caller builds the retrying client for one upstream, guarded by its breaker
func (d Deps) caller(name string) (*retry.Caller, error) {
	bcfg := circuitbreaker.DefaultConfig(name)
	bcfg.Ignore = retry.IsNotFound
	cb, err := d.Breakers.GetOrCreate(name, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create %s breaker: %w", name, err)
	}
	c := retry.New(d.Config.Retry(name), d.HTTPClient, d.Logger)
	if d.Metrics != nil {
		c.OnRetry(d.Metrics.ObserveRetry)
	}
	return c.WithBreaker(cb), nil
}

// advisoryService returns nil when the advisory is disabled or has no credentials
func (d Deps) advisoryService() (advisory.Service, error) {
	cfg := d.Config
	if !cfg.AdvisoryEnabled {
		d.Logger.Info("advisory service disabled")
		return nil, nil
	}
	model, err := advisory.NewModel(cfg.Model())
	if errors.Is(err, advisory.ErrNotConfigured) {
		d.Logger.Warn("advisory service not configured, using algorithmic recommendations",
			zap.String("provider", string(cfg.LLMProvider)))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cb, err := d.Breakers.GetOrCreate("advisory", circuitbreaker.DefaultConfig("advisory"))
	if err != nil {
		return nil, fmt.Errorf("create advisory breaker: %w", err)
	}
	return advisory.NewLLMService(model, advisory.LLMConfig{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
	}, cb, d.Logger.Named("llm")), nil
}
