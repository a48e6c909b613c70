// Package retry provides a resilient HTTP caller for upstream catalog services.
// Retries 5xx, 429 and transport timeouts with exponential backoff; other 4xx fail fast.
package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Config holds retry configuration
type Config struct {
	// Name labels logs, spans and metrics (e.g. "rxnorm")
	Name string
	// MaxRetries is the maximum number of attempts, including the first
	MaxRetries int
	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration
	// Multiplier grows the delay between subsequent attempts
	Multiplier float64
	// MaxDelay caps a single backoff (and any Retry-After hint)
	MaxDelay time.Duration
	// Timeout is the fixed per-attempt timeout
	Timeout time.Duration
	// MaxBodyBytes bounds how much of a response body is read
	MaxBodyBytes int64
}

// DefaultConfig returns defaults suitable for public drug catalogs
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRetries:   3,
		BaseDelay:    200 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		Timeout:      10 * time.Second,
		MaxBodyBytes: 10 << 20,
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Service    string
	URL        string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s returned status %d", e.Service, e.URL, e.StatusCode)
}

// Retryable reports whether the status should be retried
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Retryable classifies an error returned by a single attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// IsNotFound reports whether err is an upstream 404
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Doer is satisfied by *http.Client
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryHook is notified before each retry sleep
type RetryHook func(service string, attempt int, err error)

// Response is a successful upstream response
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Attempts   int
}

// Caller executes HTTP requests with bounded retry.
type Caller struct {
	client  Doer
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	onRetry RetryHook
	breaker *circuitbreaker.CircuitBreaker

	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Caller. A nil client uses http.DefaultClient.
func New(cfg Config, client Doer, logger *zap.Logger) *Caller {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig(cfg.Name).MaxBodyBytes
	}
	return &Caller{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("upstream", cfg.Name)),
		tracer: otel.Tracer("retry-caller"),
		sleep:  sleepContext,
	}
}

// OnRetry registers a hook invoked before every retry
func (c *Caller) OnRetry(hook RetryHook) {
	c.onRetry = hook
}

// WithBreaker guards every call (all attempts together) with cb. An open
// circuit fails the call without touching the network.
func (c *Caller) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Caller {
	c.breaker = cb
	return c
}

// Config returns the caller configuration
func (c *Caller) Config() Config {
	return c.config
}

// Get performs a GET with retry
func (c *Caller) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, header)
}

// Do performs the request, retrying retryable failures.
func (c *Caller) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	if c.breaker == nil {
		return c.do(ctx, method, url, body, header)
	}
	out, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return c.do(ctx, method, url, body, header)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Caller) do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "upstream_call",
		trace.WithAttributes(
			attribute.String("upstream", c.config.Name),
			attribute.String("http.method", method),
		))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		resp, err := c.attempt(ctx, method, url, body, header)
		if err == nil {
			resp.Attempts = attempt
			span.SetAttributes(attribute.Int("attempts", attempt), attribute.Int("http.status_code", resp.StatusCode))
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !Retryable(err) {
			c.logger.Debug("upstream call failed, not retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			break
		}
		if attempt == c.config.MaxRetries {
			break
		}

		delay := c.config.Backoff(attempt)
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > delay && (c.config.MaxDelay == 0 || se.RetryAfter <= c.config.MaxDelay) {
			delay = se.RetryAfter
		}

		c.logger.Debug("retrying upstream call",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.onRetry != nil {
			c.onRetry(c.config.Name, attempt, err)
		}

		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

// attempt runs one request under the per-call timeout
func (c *Caller) attempt(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.config.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", c.config.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Service:    c.config.Name,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), 512),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				se.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, se
	}

	return &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
