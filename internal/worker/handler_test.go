package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/engine"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/pkg/idempotency"
	"github.com/drfirst/go-ndc/pkg/workerpool"
)

type fakeCalculator struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeCalculator) Calculate(ctx context.Context, req engine.Request) (*dispense.Calculation, error) {
	f.mu.Lock()
	f.calls[req.Drug]++
	f.mu.Unlock()
	switch req.Drug {
	case "unknown":
		return nil, dispense.NewError(dispense.KindIdentityNotFound, "no match", nil)
	case "flaky":
		return nil, dispense.NewError(dispense.KindUpstreamService, "catalog down", errors.New("503"))
	}
	return &dispense.Calculation{ID: "calc-" + req.Drug, Query: req.Drug, TotalQuantity: 30}, nil
}

type capturePublisher struct {
	mu      sync.Mutex
	results map[string]CalculationResult
	fail    bool
}

func (p *capturePublisher) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	b, _ := json.Marshal(v)
	var r CalculationResult
	json.Unmarshal(b, &r)
	p.mu.Lock()
	p.results[key] = r
	p.mu.Unlock()
	return nil
}

func message(offset int64, key, value string) *redpanda.Message {
	return &redpanda.Message{Topic: redpanda.TopicCalculationRequests, Offset: offset, Key: []byte(key), Value: []byte(value)}
}

func newTestHandler(t *testing.T, pub *capturePublisher) (*Handler, *fakeCalculator) {
	t.Helper()
	calc := &fakeCalculator{calls: map[string]int{}}
	h, err := NewHandler(calc, pub, redpanda.TopicCalculationResults,
		workerpool.Config{Workers: 2, QueueSize: 8, MaxRetries: 2, RetryDelay: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Start()
	t.Cleanup(func() { h.Stop() })
	return h, calc
}

func TestHandleBatch(t *testing.T) {
	pub := &capturePublisher{results: map[string]CalculationResult{}}
	h, calc := newTestHandler(t, pub)

	err := h.HandleBatch(context.Background(), []*redpanda.Message{
		message(1, "", `{"request_id":"r1","drug":"lisinopril","prescription":{"dose":1,"frequency":1,"days_supply":30}}`),
		message(2, "r2", `{"drug":"unknown","prescription":{"dose":1,"frequency":1,"days_supply":30}}`),
		message(3, "r3", `{"drug":"flaky","prescription":{"dose":1,"frequency":1,"days_supply":30}}`),
		message(4, "r4", `not json`),
		message(5, "", `{"prescription":{"dose":1,"frequency":1,"days_supply":30}}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r := pub.results["r1"]; r.Calculation == nil || r.Calculation.ID != "calc-lisinopril" || r.Error != nil {
		t.Errorf("r1: unexpected result %+v", r)
	}
	if r := pub.results["r2"]; r.Error == nil || r.Error.Kind != dispense.KindIdentityNotFound {
		t.Errorf("r2: expected IDENTITY_NOT_FOUND, got %+v", r)
	}
	if r := pub.results["r3"]; r.Error == nil || r.Error.Kind != dispense.KindUpstreamService {
		t.Errorf("r3: expected upstream error, got %+v", r)
	}
	if r := pub.results["r4"]; r.Error == nil || r.Error.Kind != dispense.KindInvalidRequirement {
		t.Errorf("r4: expected malformed request error, got %+v", r)
	}
	if r, ok := pub.results["ndc.calculation.requests-0-5"]; !ok || r.Error == nil {
		t.Errorf("missing drug should be rejected under a derived id, got %v", pub.results)
	}

	if calc.calls["unknown"] != 1 {
		t.Errorf("not-found should not be retried, got %d calls", calc.calls["unknown"])
	}
	if calc.calls["flaky"] != 3 {
		t.Errorf("upstream failures should be retried, got %d calls", calc.calls["flaky"])
	}
}

func TestHandleBatchPublishFailure(t *testing.T) {
	pub := &capturePublisher{results: map[string]CalculationResult{}, fail: true}
	h, _ := newTestHandler(t, pub)

	err := h.HandleBatch(context.Background(), []*redpanda.Message{
		message(1, "r1", `{"drug":"lisinopril","prescription":{"dose":1,"frequency":1,"days_supply":30}}`),
	})
	if err == nil {
		t.Fatal("expected publish failure to be reported so offsets stay uncommitted")
	}
}

type memoryInbox struct {
	mu     sync.Mutex
	stored map[string]json.RawMessage
}

func (m *memoryInbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	if r, ok := m.stored[key]; ok {
		m.mu.Unlock()
		return &idempotency.ProcessResult{Duplicate: true, Result: r}, nil
	}
	m.mu.Unlock()
	r, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stored[key] = r
	m.mu.Unlock()
	return &idempotency.ProcessResult{Result: r}, nil
}

func TestHandleBatchDeduplicatesRedelivery(t *testing.T) {
	pub := &capturePublisher{results: map[string]CalculationResult{}}
	h, calc := newTestHandler(t, pub)
	h.WithInbox(&memoryInbox{stored: map[string]json.RawMessage{}})

	batch := []*redpanda.Message{
		message(1, "r1", `{"drug":"lisinopril","prescription":{"dose":1,"frequency":1,"days_supply":30}}`),
	}
	for i := 0; i < 2; i++ {
		if err := h.HandleBatch(context.Background(), batch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calc.calls["lisinopril"] != 1 {
		t.Errorf("expected one calculation, got %d", calc.calls["lisinopril"])
	}
	if r := pub.results["r1"]; r.Calculation == nil || r.Calculation.ID != "calc-lisinopril" {
		t.Errorf("stored result not republished: %+v", r)
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(dispense.NewError(dispense.KindIdentityNotFound, "x", nil)) {
		t.Error("not found is terminal")
	}
	if Terminal(dispense.NewError(dispense.KindUpstreamService, "x", nil)) {
		t.Error("upstream errors are retryable")
	}
	if Terminal(errors.New("connection reset")) {
		t.Error("unclassified errors are retryable")
	}
}

func TestRequestKeyIncludesContent(t *testing.T) {
	a := CalculationRequest{RequestID: "r1", Drug: "Lisinopril 10 MG", Requirement: dispense.PrescriptionRequirement{DosePerAdministration: 1, FrequencyPerDay: 1, DaysSupply: 30}}
	b := a
	b.Drug = "lisinopril  10 mg"
	if RequestKey(a) != RequestKey(b) {
		t.Error("normalized drug names should share a key")
	}
	b.Requirement.DaysSupply = 90
	if RequestKey(a) == RequestKey(b) {
		t.Error("different requirements must not share a key")
	}
}
