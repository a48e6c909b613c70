package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

func newTestCaller(t *testing.T, maxRetries int) (*Caller, *[]time.Duration) {
	t.Helper()
	cfg := DefaultConfig("test")
	cfg.MaxRetries = maxRetries
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.Multiplier = 2
	c := New(cfg, &http.Client{}, nil)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestRetryOn503ThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, slept := newTestCaller(t, 3)
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
	if resp.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", resp.Attempts)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if len(*slept) != 1 || (*slept)[0] != 10*time.Millisecond {
		t.Errorf("expected one base delay sleep, got %v", *slept)
	}
}

func TestNoRetryOn404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, slept := newTestCaller(t, 3)
	_, err := c.Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
	if !IsNotFound(err) {
		t.Errorf("expected not-found status error, got %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no sleeps, got %v", *slept)
	}
}

func TestRetryOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, slept := newTestCaller(t, 3)
	if _, err := c.Get(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), *slept)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], (*slept)[i])
		}
	}
}

func TestExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestCaller(t, 4)
	var hooked int
	c.OnRetry(func(service string, attempt int, err error) { hooked++ })

	_, err := c.Get(context.Background(), srv.URL, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("expected 4 calls, got %d", got)
	}
	if hooked != 3 {
		t.Errorf("expected 3 retry hooks, got %d", hooked)
	}
}

func TestPerCallTimeoutIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestCaller(t, 2)
	c.config.Timeout = 50 * time.Millisecond
	if _, err := c.Get(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"400", &StatusError{StatusCode: 400}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"429", &StatusError{StatusCode: 429}, true},
		{"500", &StatusError{StatusCode: 500}, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBreakerGuardsCaller(t *testing.T) {
	var status, calls int32 = http.StatusNotFound, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	bcfg := circuitbreaker.DefaultConfig("test")
	bcfg.Ignore = IsNotFound
	cb, err := circuitbreaker.New(bcfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := newTestCaller(t, 1)
	c.WithBreaker(cb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.Get(ctx, srv.URL, nil); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if cb.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("not-found responses should not trip the breaker")
	}

	atomic.StoreInt32(&status, http.StatusBadGateway)
	for i := 0; i < 3; i++ {
		c.Get(ctx, srv.URL, nil)
	}
	before := atomic.LoadInt32(&calls)
	if _, err := c.Get(ctx, srv.URL, nil); !circuitbreaker.IsOpen(err) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Error("open circuit should not reach the upstream")
	}
}
