// Package worker runs batch calculation requests consumed from the broker on
// a bounded worker pool and publishes one result per request.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/engine"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/pkg/idempotency"
	"github.com/drfirst/go-ndc/pkg/workerpool"
)

const handlerName = "calc-worker"

// Calculator runs one calculation
type Calculator interface {
	Calculate(ctx context.Context, req engine.Request) (*dispense.Calculation, error)
}

// Publisher emits results
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v interface{}) error
}

// Deduper runs a function at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// CalculationRequest is the payload of a batch request record
type CalculationRequest struct {
	RequestID   string                           `json:"request_id"`
	Drug        string                           `json:"drug"`
	Requirement dispense.PrescriptionRequirement `json:"prescription"`
	Context     string                           `json:"context,omitempty"`
}

// CalculationResult is published for every request, successful or not
type CalculationResult struct {
	RequestID   string                `json:"request_id"`
	Calculation *dispense.Calculation `json:"calculation,omitempty"`
	Error       *dispense.Error       `json:"error,omitempty"`
}

// Handler turns request batches into results
type Handler struct {
	calc   Calculator
	pool   *workerpool.Pool
	pub    Publisher
	inbox  Deduper
	topic  string
	logger *zap.Logger
}

// NewHandler creates a handler and its pool. Call Start before use.
func NewHandler(calc Calculator, pub Publisher, topic string, poolCfg workerpool.Config, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{calc: calc, pub: pub, topic: topic, logger: logger}
	pool, err := workerpool.New(poolCfg, h.run, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	h.pool = pool
	return h, nil
}

// WithInbox deduplicates redelivered requests
func (h *Handler) WithInbox(inbox Deduper) *Handler {
	h.inbox = inbox
	return h
}

// Start launches the pool
func (h *Handler) Start() { h.pool.Start() }

// Stop drains the pool
func (h *Handler) Stop() error { return h.pool.Stop() }

// Stats exposes pool counters
func (h *Handler) Stats() workerpool.Stats { return h.pool.Stats() }

// run calculates one request. Only upstream failures are retried.
func (h *Handler) run(ctx context.Context, task *workerpool.Task) (interface{}, error) {
	req := task.Payload.(CalculationRequest)
	var (
		calc *dispense.Calculation
		err  error
	)
	if h.inbox != nil {
		calc, err = h.runOnce(ctx, req)
	} else {
		calc, err = h.calculate(ctx, req)
	}
	if err != nil {
		if dispense.IsKind(err, dispense.KindUpstreamService) || errors.Is(err, idempotency.ErrMessageInProgress) {
			return nil, err
		}
		return nil, workerpool.Permanent(err)
	}
	return calc, nil
}

func (h *Handler) calculate(ctx context.Context, req CalculationRequest) (*dispense.Calculation, error) {
	return h.calc.Calculate(ctx, engine.Request{Drug: req.Drug, Requirement: req.Requirement, Context: req.Context})
}

func (h *Handler) runOnce(ctx context.Context, req CalculationRequest) (*dispense.Calculation, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	res, err := h.inbox.Process(ctx, RequestKey(req), handlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			calc, err := h.calculate(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(calc)
		})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		h.logger.Info("request already processed", zap.String("request_id", req.RequestID))
	}
	var calc dispense.Calculation
	if err := json.Unmarshal(res.Result, &calc); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return &calc, nil
}

// RequestKey identifies a request by its id and content
func RequestKey(req CalculationRequest) string {
	r := req.Requirement
	return idempotency.Key(
		req.RequestID,
		dispense.NormalizeName(req.Drug),
		fmt.Sprintf("%g/%g/%d", r.DosePerAdministration, r.FrequencyPerDay, r.DaysSupply),
	)
}

// Terminal reports calculation errors that will fail the same way on retry
func Terminal(err error) bool {
	kind := dispense.KindOf(err)
	return kind != "" && kind != dispense.KindUpstreamService
}

// HandleBatch implements redpanda.BatchHandler. It returns an error only when
// results could not be published, so the batch is redelivered.
func (h *Handler) HandleBatch(ctx context.Context, msgs []*redpanda.Message) error {
	var (
		tasks   []*workerpool.Task
		results []CalculationResult
	)
	for _, m := range msgs {
		req, err := decodeRequest(m)
		if err != nil {
			h.logger.Warn("rejecting malformed request",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			results = append(results, CalculationResult{
				RequestID: requestID(m, req),
				Error:     dispense.NewError(dispense.KindInvalidRequirement, err.Error(), nil),
			})
			continue
		}
		taskCtx := m.Context
		if taskCtx == nil {
			taskCtx = ctx
		}
		tasks = append(tasks, &workerpool.Task{ID: req.RequestID, Payload: req, Context: taskCtx})
	}

	for _, res := range h.pool.Map(ctx, tasks) {
		results = append(results, toResult(res))
	}

	var errs []error
	for _, r := range results {
		if err := h.pub.PublishJSON(ctx, h.topic, r.RequestID, r); err != nil {
			errs = append(errs, fmt.Errorf("publish result %s: %w", r.RequestID, err))
		}
	}
	h.logger.Info("batch processed", zap.Int("requests", len(msgs)), zap.Int("publish_failures", len(errs)))
	return errors.Join(errs...)
}

func decodeRequest(m *redpanda.Message) (CalculationRequest, error) {
	var req CalculationRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return req, fmt.Errorf("malformed request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = string(m.Key)
	}
	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}
	if req.Drug == "" {
		return req, errors.New("drug is required")
	}
	return req, nil
}

func requestID(m *redpanda.Message, req CalculationRequest) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	if len(m.Key) > 0 {
		return string(m.Key)
	}
	return fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
}

func toResult(res *workerpool.Result) CalculationResult {
	out := CalculationResult{RequestID: res.TaskID}
	if res.Error == nil {
		out.Calculation, _ = res.Data.(*dispense.Calculation)
		return out
	}
	var de *dispense.Error
	if !errors.As(res.Error, &de) {
		de = dispense.NewError(dispense.KindUpstreamService, "calculation failed", res.Error)
	}
	out.Error = de
	return out
}
