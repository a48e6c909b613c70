package app

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/advisory"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

func testConfig() *config.Config {
	return &config.Config{
		CacheBackend:              config.CacheMemory,
		CacheTTL:                  time.Hour,
		UpstreamTimeout:           time.Second,
		UpstreamMaxRetries:        2,
		UpstreamBaseDelay:         time.Millisecond,
		UpstreamBackoffMultiplier: 2,
		MinConfidence:             0.5,
		WasteThresholdPercent:     20,
		MaxAlternatives:           4,
		LLMProvider:               advisory.ProviderOpenAI,
		LLMModel:                  "gpt-4o-mini",
		WorkerConcurrency:         1,
	}
}

func TestNewStore(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	mem, err := NewStore(cfg, nil, zap.NewNop())
	if err != nil || mem.Ping(ctx) != nil {
		t.Fatalf("memory store: %v", err)
	}
	defer mem.Close()

	cfg.CacheBackend = config.CachePostgres
	if _, err := NewStore(cfg, nil, zap.NewNop()); err == nil {
		t.Error("postgres store without a pool should fail")
	}

	cfg.CacheBackend = config.CacheSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "cache.db")
	lite, err := NewStore(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer lite.Close()
	if err := lite.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, err := lite.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Errorf("sqlite round trip: %q %v", v, err)
	}
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) Purge(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	return 1, nil
}

func TestStartPurgeRunsUntilStopped(t *testing.T) {
	p := &countingPurger{}
	stop := startPurge(p, 5*time.Millisecond, zap.NewNop())

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.calls.Load() < 2 {
		t.Fatalf("expected repeated purges, got %d", p.calls.Load())
	}

	stop()
	stop()
	after := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := p.calls.Load(); got != after {
		t.Errorf("purge ran after stop: %d -> %d", after, got)
	}
}

func TestNewEngineRegistersBreakers(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		breakers int
	}{
		{"advisory disabled", false, 2},
		// no OPENAI_API_KEY: falls back to algorithmic recommendations
		{"advisory without credentials", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AdvisoryEnabled = tt.enabled
			_, m := NewRegistry()
			manager := circuitbreaker.NewManager(zap.NewNop())

			store, _ := NewStore(cfg, nil, zap.NewNop())
			defer store.Close()
			eng, err := NewEngine(Deps{Config: cfg, Logger: zap.NewNop(), Metrics: m, Breakers: manager, Cache: store})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if eng == nil {
				t.Fatal("expected engine")
			}
			if got := len(manager.GetHealthStatus()); got != tt.breakers {
				t.Errorf("expected %d breakers, got %d", tt.breakers, got)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := NewLogger(level); err != nil {
			t.Errorf("%s: %v", level, err)
		}
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
