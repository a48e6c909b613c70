package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

var echoClient = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetClientID(r.Context())))
})

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"propagated", "req-123", true},
		{"missing", "", false},
		{"spaces rejected", "bad id", false},
		{"too long", strings.Repeat("a", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get(RequestIDHeader); got != seen || got == "" {
				t.Errorf("response id %q does not match context id %q", got, seen)
			}
			if (seen == tt.incoming) != tt.keep {
				t.Errorf("incoming %q, got %q", tt.incoming, seen)
			}
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"secret": "pharmacy"})(echoClient)

	tests := []struct {
		name   string
		header string
		value  string
		status int
		body   string
	}{
		{"missing", "", "", http.StatusUnauthorized, "missing API key"},
		{"invalid", "X-API-Key", "nope", http.StatusUnauthorized, "invalid API key"},
		{"header", "X-API-Key", "secret", http.StatusOK, "pharmacy"},
		{"bearer", "Authorization", "Bearer secret", http.StatusOK, "pharmacy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status || !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("got %d %q", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	APIKeyAuth(nil)(echoClient).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected pass-through, got %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, 2, nil)
	l.now = func() time.Time { return now }
	h := l.Handler(echoClient)

	call := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := call("10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d within burst rejected: %d", i, rec.Code)
		}
	}
	rec := call("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected 429 with Retry-After 1, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "RATE_LIMITED" {
		t.Errorf("unexpected body %v", body)
	}

	if rec := call("10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Error("other clients must have their own budget")
	}

	now = now.Add(time.Second)
	if rec := call("10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("expected token refill after a second, got %d", rec.Code)
	}
}

func TestRateLimiterKeysByClient(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := clientKey(req); got != "ip:192.0.2.1" {
		t.Errorf("unexpected key %s", got)
	}
	req = req.WithContext(context.WithValue(req.Context(), ClientIDKey, "pharmacy"))
	if got := clientKey(req); got != "client:pharmacy" {
		t.Errorf("unexpected key %s", got)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), `"code":"INTERNAL"`) {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoggerAndTracingKeepStatus(t *testing.T) {
	h := Logger(zap.NewNop())(Tracing("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("got %d", rec.Code)
	}
}
