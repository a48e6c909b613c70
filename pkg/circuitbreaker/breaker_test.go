package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("advisory")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var transitions []State
	cb.OnStateChange(func(name string, from, to State) { transitions = append(transitions, to) })

	boom := errors.New("upstream 500")
	for i := 0; i < 2; i++ {
		if _, err := cb.Execute(context.Background(), func(context.Context) (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}

	if cb.Available() || cb.GetState() != StateOpen {
		t.Fatalf("expected open circuit, state %s", cb.GetState())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("unexpected transitions %v", transitions)
	}

	called := false
	_, err = cb.Execute(context.Background(), func(context.Context) (interface{}, error) {
		called = true
		return "ok", nil
	})
	if called {
		t.Error("open circuit must not call through")
	}
	if !IsOpen(err) {
		t.Errorf("expected open-circuit error, got %v", err)
	}
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("advisory")
	cfg.FailureThreshold = 1
	cb, _ := New(cfg, nil)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func(context.Context) (interface{}, error) { return nil, context.Canceled })
	}
	if !cb.Available() {
		t.Error("cancellations should not open the circuit")
	}
}

func TestManagerHealth(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("rxnorm", DefaultConfig(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := m.GetOrCreate("rxnorm", DefaultConfig(""))
	if a != b {
		t.Error("expected the same breaker for the same name")
	}
	if a.Name() != "rxnorm" {
		t.Errorf("unexpected name %q", a.Name())
	}

	a.Execute(context.Background(), func(context.Context) (interface{}, error) { return 1, nil })
	statuses := m.GetHealthStatus()
	if len(statuses) != 1 || !statuses[0].Healthy || statuses[0].Requests != 1 {
		t.Errorf("unexpected health %+v", statuses)
	}
}
