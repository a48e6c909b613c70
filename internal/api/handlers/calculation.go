// Package handlers provides HTTP handlers for the NDC API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/engine"
	"github.com/drfirst/go-ndc/internal/resolver"
)

const maxBodyBytes = 1 << 20

// Calculator is the engine surface the handlers use
type Calculator interface {
	Calculate(ctx context.Context, req engine.Request) (*dispense.Calculation, error)
	Resolve(ctx context.Context, drug string) (*resolver.Resolution, []dispense.Explanation, error)
	Get(ctx context.Context, id string) (*dispense.Calculation, error)
	Recent(ctx context.Context, rxcui string, limit int) ([]*dispense.Calculation, error)
}

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

// CalculationHandler serves calculation endpoints
type CalculationHandler struct {
	engine Calculator
	logger *zap.Logger
}

// NewCalculationHandler creates a handler
func NewCalculationHandler(e Calculator, logger *zap.Logger) *CalculationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalculationHandler{engine: e, logger: logger}
}

// Routes returns the handler routes
func (h *CalculationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/calculate", h.Calculate)
	r.Get("/drugs/resolve", h.Resolve)
	r.Get("/calculations", h.List)
	r.Get("/calculations/{id}", h.Get)
	return r
}

// Calculate handles POST /calculate
func (h *CalculationHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("calculation-handler").Start(r.Context(), "calculate_request")
	defer span.End()

	var req engine.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Drug) == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Error: "drug is required"})
		return
	}
	span.SetAttributes(attribute.String("drug_name", req.Drug))

	calc, err := h.engine.Calculate(ctx, req)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.logger.Info("calculation completed",
		zap.String("calculation_id", calc.ID),
		zap.String("rxcui", calc.Identity.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, calc)
}

// ResolveResponse is returned by GET /drugs/resolve
type ResolveResponse struct {
	Query        string                      `json:"query"`
	Identity     dispense.ResolvedIdentity   `json:"identity"`
	Alternatives []dispense.ResolvedIdentity `json:"alternatives,omitempty"`
	Strategy     resolver.Strategy           `json:"strategy"`
	MatchedName  string                      `json:"matched_name"`
	Explanations []dispense.Explanation      `json:"explanations"`
}

// Resolve handles GET /drugs/resolve?name=
func (h *CalculationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Error: "name is required"})
		return
	}

	res, steps, err := h.engine.Resolve(r.Context(), name)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		Query:        name,
		Identity:     res.Identity,
		Alternatives: res.Alternatives,
		Strategy:     res.Strategy,
		MatchedName:  res.MatchedName,
		Explanations: steps,
	})
}

// Get handles GET /calculations/{id}
func (h *CalculationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Error: "calculation not found"})
		return
	}

	calc, err := h.engine.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, calc)
	case errors.Is(err, dispense.ErrCalculationNotFound):
		writeError(w, http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Error: "calculation not found"})
	case errors.Is(err, engine.ErrHistoryDisabled):
		writeError(w, http.StatusNotImplemented, errorResponse{Code: "HISTORY_DISABLED", Error: err.Error()})
	default:
		h.logger.Error("failed to load calculation", zap.String("calculation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Error: "failed to load calculation"})
	}
}

// List handles GET /calculations?rxcui=&limit=
func (h *CalculationHandler) List(w http.ResponseWriter, r *http.Request) {
	rxcui := strings.TrimSpace(r.URL.Query().Get("rxcui"))
	if !engine.IsIdentifier(rxcui) {
		writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Error: "rxcui query parameter must be a numeric RxCUI"})
		return
	}
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecentLimit {
			writeError(w, http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Error: "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	calcs, err := h.engine.Recent(r.Context(), rxcui, limit)
	switch {
	case err == nil:
		if calcs == nil {
			calcs = []*dispense.Calculation{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"rxcui": rxcui, "calculations": calcs})
	case errors.Is(err, engine.ErrHistoryDisabled):
		writeError(w, http.StatusNotImplemented, errorResponse{Code: "HISTORY_DISABLED", Error: err.Error()})
	default:
		h.logger.Error("failed to list calculations", zap.String("rxcui", rxcui), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Error: "failed to list calculations"})
	}
}

func (h *CalculationHandler) engineError(w http.ResponseWriter, r *http.Request, err error) {
	var de *dispense.Error
	if !errors.As(err, &de) {
		h.logger.Error("unexpected engine error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Error: "internal error"})
		return
	}
	status := StatusFor(de.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("calculation failed",
			zap.String("code", string(de.Kind)),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	writeError(w, status, errorResponse{
		Code:         string(de.Kind),
		Error:        de.Message,
		Details:      de.Details,
		Explanations: de.Explanations,
	})
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind dispense.ErrorKind) int {
	switch kind {
	case dispense.KindIdentityNotFound, dispense.KindNoPackagesFound:
		return http.StatusNotFound
	case dispense.KindNoActivePackages, dispense.KindInvalidRequirement:
		return http.StatusUnprocessableEntity
	case dispense.KindUpstreamService, dispense.KindAdvisoryService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error        string                 `json:"error"`
	Code         string                 `json:"code"`
	Details      map[string]string      `json:"details,omitempty"`
	Explanations []dispense.Explanation `json:"explanations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}
