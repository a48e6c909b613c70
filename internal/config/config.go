// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/drfirst/go-ndc/internal/advisory"
	"github.com/drfirst/go-ndc/internal/observability/tracing"
	"github.com/drfirst/go-ndc/internal/openfda"
	"github.com/drfirst/go-ndc/internal/optimizer"
	"github.com/drfirst/go-ndc/internal/resolver"
	"github.com/drfirst/go-ndc/internal/rxnorm"
	"github.com/drfirst/go-ndc/pkg/retry"
)

// Cache backends
const (
	CacheMemory   = "memory"
	CachePostgres = "postgres"
	CacheSQLite   = "sqlite"
)

// Config holds application configuration
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	DatabaseURL  string
	KafkaBrokers []string

	CacheBackend       string
	CacheTTL           time.Duration
	CachePurgeInterval time.Duration
	SQLitePath         string

	RxNormBaseURL  string
	OpenFDABaseURL string
	OpenFDAAPIKey  string

	UpstreamTimeout           time.Duration
	UpstreamMaxRetries        int
	UpstreamBaseDelay         time.Duration
	UpstreamBackoffMultiplier float64

	MinConfidence         float64
	WasteThresholdPercent float64
	MaxAlternatives       int

	AdvisoryEnabled bool
	LLMProvider     advisory.Provider
	LLMModel        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string

	TracingEnabled bool
	OTLPEndpoint   string

	RateLimitRPS   float64
	RateLimitBurst int
	// APIKeys maps key to client name; empty disables auth
	APIKeys map[string]string

	WorkerConcurrency int
}

var defaultModels = map[advisory.Provider]string{
	advisory.ProviderOpenAI:    "gpt-4o-mini",
	advisory.ProviderAnthropic: "claude-3-5-haiku-latest",
	advisory.ProviderOllama:    "llama3.1",
}

// Load reads .env files (missing files are ignored) and the environment
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	e := &env{}
	cfg := &Config{
		Port:        e.str("PORT", "8080"),
		LogLevel:    strings.ToLower(e.str("LOG_LEVEL", "info")),
		Environment: e.str("ENVIRONMENT", "development"),

		DatabaseURL:  e.str("DATABASE_URL", ""),
		KafkaBrokers: e.list("KAFKA_BROKERS"),

		CacheBackend:       strings.ToLower(e.str("CACHE_BACKEND", CacheMemory)),
		CacheTTL:           e.duration("CACHE_TTL", 6*time.Hour),
		CachePurgeInterval: e.duration("CACHE_PURGE_INTERVAL", time.Hour),
		SQLitePath:         e.str("SQLITE_PATH", "ndc-cache.db"),

		RxNormBaseURL:  e.str("RXNORM_BASE_URL", rxnorm.DefaultBaseURL),
		OpenFDABaseURL: e.str("OPENFDA_BASE_URL", openfda.DefaultBaseURL),
		OpenFDAAPIKey:  e.str("OPENFDA_API_KEY", ""),

		UpstreamTimeout:           e.duration("UPSTREAM_TIMEOUT", 10*time.Second),
		UpstreamMaxRetries:        e.integer("UPSTREAM_MAX_RETRIES", 3),
		UpstreamBaseDelay:         e.duration("UPSTREAM_BASE_DELAY", 200*time.Millisecond),
		UpstreamBackoffMultiplier: e.number("UPSTREAM_BACKOFF_MULTIPLIER", 2),

		MinConfidence:         e.number("MIN_CONFIDENCE", 0.5),
		WasteThresholdPercent: e.number("WASTE_THRESHOLD_PERCENT", 20),
		MaxAlternatives:       e.integer("MAX_ALTERNATIVES", 4),

		AdvisoryEnabled: e.flag("ADVISORY_ENABLED", true),
		LLMProvider:     advisory.Provider(strings.ToLower(e.str("LLM_PROVIDER", string(advisory.ProviderOpenAI)))),
		LLMModel:        e.str("LLM_MODEL", ""),
		OpenAIAPIKey:    e.str("OPENAI_API_KEY", ""),
		AnthropicAPIKey: e.str("ANTHROPIC_API_KEY", ""),
		OllamaHost:      e.str("OLLAMA_HOST", "http://localhost:11434"),

		TracingEnabled: e.flag("TRACING_ENABLED", false),
		OTLPEndpoint:   e.str("OTLP_ENDPOINT", "localhost:4317"),

		RateLimitRPS:   e.number("RATE_LIMIT_RPS", 10),
		RateLimitBurst: e.integer("RATE_LIMIT_BURST", 20),
		APIKeys:        apiKeys(e.list("API_KEY")),

		WorkerConcurrency: e.integer("WORKER_CONCURRENCY", 8),
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultModels[cfg.LLMProvider]
	}

	if err := errors.Join(append(e.errs, cfg.Validate())...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	switch c.CacheBackend {
	case CacheMemory, CacheSQLite:
	case CachePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("CACHE_BACKEND=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be memory, postgres or sqlite, got %q", c.CacheBackend))
	}
	if c.CachePurgeInterval <= 0 {
		errs = append(errs, errors.New("CACHE_PURGE_INTERVAL must be positive"))
	}
	if _, ok := defaultModels[c.LLMProvider]; !ok {
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE must be within [0,1], got %v", c.MinConfidence))
	}
	if c.WasteThresholdPercent <= 0 || c.WasteThresholdPercent > 100 {
		errs = append(errs, fmt.Errorf("WASTE_THRESHOLD_PERCENT must be within (0,100], got %v", c.WasteThresholdPercent))
	}
	if c.MaxAlternatives < 0 {
		errs = append(errs, errors.New("MAX_ALTERNATIVES must not be negative"))
	}
	if c.UpstreamMaxRetries < 1 {
		errs = append(errs, errors.New("UPSTREAM_MAX_RETRIES must be at least 1"))
	}
	if c.UpstreamBackoffMultiplier < 1 {
		errs = append(errs, errors.New("UPSTREAM_BACKOFF_MULTIPLIER must be at least 1"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

// Retry returns the caller settings for one upstream
func (c *Config) Retry(name string) retry.Config {
	rc := retry.DefaultConfig(name)
	rc.Timeout = c.UpstreamTimeout
	rc.MaxRetries = c.UpstreamMaxRetries
	rc.BaseDelay = c.UpstreamBaseDelay
	rc.Multiplier = c.UpstreamBackoffMultiplier
	return rc
}

// Resolver returns resolver thresholds
func (c *Config) Resolver() resolver.Config {
	rc := resolver.DefaultConfig()
	rc.MinConfidence = c.MinConfidence
	rc.MaxAlternatives = c.MaxAlternatives
	return rc
}

// Optimizer returns optimizer options
func (c *Config) Optimizer() optimizer.Options {
	o := optimizer.DefaultOptions()
	o.WasteThresholdPercent = c.WasteThresholdPercent
	o.MaxAlternatives = c.MaxAlternatives
	return o
}

// Model returns the LLM backend selection
func (c *Config) Model() advisory.ModelConfig {
	return advisory.ModelConfig{
		Provider:        c.LLMProvider,
		Model:           c.LLMModel,
		OpenAIAPIKey:    c.OpenAIAPIKey,
		AnthropicAPIKey: c.AnthropicAPIKey,
		OllamaHost:      c.OllamaHost,
	}
}

// Tracing returns tracing settings; export is off unless TRACING_ENABLED
func (c *Config) Tracing(service string) tracing.Config {
	tc := tracing.DefaultConfig(service)
	tc.Environment = c.Environment
	if c.TracingEnabled {
		tc.OTLPEndpoint = c.OTLPEndpoint
	}
	return tc
}

// apiKeys parses "key" or "key:client" entries
func apiKeys(entries []string) map[string]string {
	keys := make(map[string]string, len(entries))
	for i, entry := range entries {
		key, client, ok := strings.Cut(entry, ":")
		if !ok || client == "" {
			client = "client-" + strconv.Itoa(i+1)
		}
		keys[key] = client
	}
	return keys
}

// env reads typed variables and collects parse errors
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) flag(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
