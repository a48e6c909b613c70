package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Service is an advisory recommendation service.
type Service interface {
	// Available returns false and a reason when calls would certainly fail
	Available() (bool, string)
	// Advise returns the raw reply for req
	Advise(ctx context.Context, req Request) (*Reply, error)
}

// Reply is an unvalidated service reply
type Reply struct {
	Content string
	Usage   Usage
}

// Usage is token accounting for one call
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	// Cost is the estimated USD cost; nil when the model has no known price
	Cost *float64
}

// Provider names an LLM backend
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// ModelConfig selects and authenticates an LLM backend
type ModelConfig struct {
	Provider        Provider
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaHost      string
}

// ErrNotConfigured is returned when the backend is missing credentials
var ErrNotConfigured = errors.New("advisory service not configured")

// NewModel creates the langchaingo model for cfg.
func NewModel(cfg ModelConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOllama:
		m, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return m, nil

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
		}
		m, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return m, nil

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
		}
		m, err := anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// Generator is the part of llms.Model the service uses
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Price is USD per million tokens
type Price struct {
	Prompt     float64
	Completion float64
}

// Prices for models the service knows about. Local models are free.
var Prices = map[string]Price{
	"gpt-4o":                   {Prompt: 2.50, Completion: 10.00},
	"gpt-4o-mini":              {Prompt: 0.15, Completion: 0.60},
	"gpt-4.1":                  {Prompt: 2.00, Completion: 8.00},
	"gpt-4.1-mini":             {Prompt: 0.40, Completion: 1.60},
	"claude-3-5-haiku-latest":  {Prompt: 0.80, Completion: 4.00},
	"claude-3-5-sonnet-latest": {Prompt: 3.00, Completion: 15.00},
	"claude-sonnet-4-0":        {Prompt: 3.00, Completion: 15.00},
}

// EstimateCost prices a call, or returns nil when the model is unknown.
func EstimateCost(provider Provider, model string, promptTokens, completionTokens int) *float64 {
	if provider == ProviderOllama {
		zero := 0.0
		return &zero
	}
	p, ok := Prices[model]
	if !ok {
		return nil
	}
	cost := (float64(promptTokens)*p.Prompt + float64(completionTokens)*p.Completion) / 1_000_000
	return &cost
}

// LLMConfig tunes the LLM service
type LLMConfig struct {
	Provider    Provider
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// LLMService is the langchaingo-backed advisory service, guarded by a circuit breaker.
type LLMService struct {
	gen     Generator
	config  LLMConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewLLMService creates an advisory service. gen may be nil, in which case the
// service reports itself unavailable.
func NewLLMService(gen Generator, cfg LLMConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *LLMService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &LLMService{gen: gen, config: cfg, breaker: breaker, logger: logger}
}

// Available implements Service
func (s *LLMService) Available() (bool, string) {
	if s.gen == nil {
		return false, ErrNotConfigured.Error()
	}
	if s.breaker != nil && !s.breaker.Available() {
		return false, "advisory circuit breaker open"
	}
	return true, ""
}

// Advise implements Service
func (s *LLMService) Advise(ctx context.Context, req Request) (*Reply, error) {
	if s.gen == nil {
		return nil, ErrNotConfigured
	}
	system, user, err := Prompt(req)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()

		messages := []llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeSystem, system),
			llms.TextParts(schema.ChatMessageTypeHuman, user),
		}
		opts := []llms.CallOption{
			llms.WithTemperature(s.config.Temperature),
			llms.WithMaxTokens(s.config.MaxTokens),
		}
		if s.config.Provider != ProviderAnthropic {
			opts = append(opts, llms.WithJSONMode())
		}

		resp, err := s.gen.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return nil, fmt.Errorf("generate recommendation: %w", err)
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
			return nil, fmt.Errorf("generate recommendation: empty response")
		}
		return resp.Choices[0], nil
	}

	var out interface{}
	if s.breaker != nil {
		out, err = s.breaker.Execute(ctx, call)
	} else {
		out, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	choice := out.(*llms.ContentChoice)
	prompt, completion := tokenCounts(choice.GenerationInfo)
	s.logger.Debug("advisory reply received",
		zap.String("model", s.config.Model),
		zap.Int("prompt_tokens", prompt),
		zap.Int("completion_tokens", completion))

	return &Reply{
		Content: choice.Content,
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Cost:             EstimateCost(s.config.Provider, s.config.Model, prompt, completion),
		},
	}, nil
}

// tokenCounts reads token usage from provider generation info; OpenAI and
// Ollama report Prompt/CompletionTokens, Anthropic Input/OutputTokens.
func tokenCounts(info map[string]any) (prompt, completion int) {
	prompt = firstInt(info, "PromptTokens", "InputTokens")
	completion = firstInt(info, "CompletionTokens", "OutputTokens")
	return prompt, completion
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
