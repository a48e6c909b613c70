package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/dispense"
)

func TestNewCalculationEntry(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calc := &dispense.Calculation{
		ID:            "5b0e7a64-8c1f-4a57-9f3e-0d7a3c1b2e44",
		Query:         "lisinopril 10 mg",
		Identity:      dispense.ResolvedIdentity{ID: "314076", CanonicalName: "lisinopril 10 MG Oral Tablet"},
		TotalQuantity: 30,
		RecommendedPackages: []dispense.PackageChoice{
			{Code: "68180-0513-01", QuantityToDispense: 30},
		},
		Warnings:  []string{"low confidence"},
		Metadata:  dispense.RecommendationMetadata{UsedAI: true},
		CreatedAt: created,
	}

	entry, err := NewCalculationEntry(calc, "ndc.calculations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Topic != "ndc.calculations" || entry.Key != "314076" || entry.AggregateID != calc.ID {
		t.Errorf("unexpected routing: %+v", entry)
	}
	if entry.EventType != EventCalculationCompleted {
		t.Errorf("unexpected event type %q", entry.EventType)
	}

	var ev CalculationEvent
	if err := json.Unmarshal(entry.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.PrimaryNDC != "68180-0513-01" || ev.Dispensed != 30 || !ev.UsedAI || ev.Warnings != 1 {
		t.Errorf("unexpected event: %+v", ev)
	}
	if !ev.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, ev.CreatedAt)
	}

	if _, err := NewCalculationEntry(nil, "x"); err == nil {
		t.Error("expected error for nil calculation")
	}
}

func TestNewCalculationEntryWithoutPackages(t *testing.T) {
	entry, err := NewCalculationEntry(&dispense.Calculation{ID: "1"}, "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ev map[string]any
	json.Unmarshal(entry.Payload, &ev)
	if _, ok := ev["primary_ndc"]; ok {
		t.Error("primary_ndc should be omitted")
	}
}

func TestDeadLetterPayload(t *testing.T) {
	msg := "broker unavailable"
	e := &OutboxEntry{
		ID:          7,
		AggregateID: "calc-1",
		EventType:   EventCalculationCompleted,
		Payload:     json.RawMessage(`{"calculation_id":"calc-1"}`),
		Topic:       "ndc.calculations",
		RetryCount:  5,
		LastError:   &msg,
	}

	var out struct {
		OriginalTopic string          `json:"original_topic"`
		Payload       json.RawMessage `json:"payload"`
		RetryCount    int             `json:"retry_count"`
		LastError     string          `json:"last_error"`
	}
	if err := json.Unmarshal(DeadLetterPayload(e), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.OriginalTopic != "ndc.calculations" || out.RetryCount != 5 || out.LastError != msg {
		t.Errorf("unexpected dead letter: %+v", out)
	}
	if string(out.Payload) != `{"calculation_id":"calc-1"}` {
		t.Errorf("payload not embedded verbatim: %s", out.Payload)
	}
}

func TestDefaultRelayConfig(t *testing.T) {
	cfg := DefaultRelayConfig()
	if cfg.MaxRetries != 5 || cfg.DeadLetterTopic == "" || cfg.BatchSize != 100 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	r := NewRelay(nil, nil, RelayConfig{}, nil)
	if r.cfg.BatchSize != 100 || r.cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("zero config should take defaults: %+v", r.cfg)
	}
}

func TestCacheSatisfiesInterface(t *testing.T) {
	var _ cache.Cache = (*Cache)(nil)
}
