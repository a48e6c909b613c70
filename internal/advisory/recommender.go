package advisory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/optimizer"
)

// Outcome labels how a recommendation was produced
type Outcome string

const (
	OutcomeAI          Outcome = "ai"
	OutcomeUnavailable Outcome = "fallback_unavailable"
	OutcomeCallFailed  Outcome = "fallback_error"
	OutcomeInvalid     Outcome = "fallback_invalid"
	OutcomeDisabled    Outcome = "disabled"
)

// Input is everything the recommender needs for one calculation
type Input struct {
	Identity    dispense.ResolvedIdentity
	Requirement dispense.PrescriptionRequirement
	Required    int
	Packages    []dispense.PackageRecord
	Context     string
}

// Recommender produces a recommendation, preferring the advisory service and
// falling back to the optimizer.
type Recommender struct {
	service   Service
	options   optimizer.Options
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	onOutcome func(Outcome)
}

// NewRecommender creates a recommender. A nil service always uses the optimizer.
func NewRecommender(service Service, opts optimizer.Options, logger *zap.Logger) *Recommender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recommender{
		service: service,
		options: opts,
		logger:  logger,
		tracer:  otel.Tracer("advisory"),
		now:     time.Now,
	}
}

// OnOutcome registers a callback invoked once per recommendation
func (r *Recommender) OnOutcome(fn func(Outcome)) {
	r.onOutcome = fn
}

// Recommend returns the advisory recommendation or the optimizer's.
// Advisory failures never surface; only optimizer failures (such as
// NO_ACTIVE_PACKAGES) are returned.
func (r *Recommender) Recommend(ctx context.Context, in Input, trail *dispense.Trail) (dispense.Recommendation, error) {
	ctx, span := r.tracer.Start(ctx, "recommend", trace.WithAttributes(
		attribute.String("rxcui", in.Identity.ID),
		attribute.Int("required", in.Required)))
	defer span.End()

	start := r.now()

	fallback, err := optimizer.Recommend(in.Required, in.Packages, r.options)
	if err != nil {
		trail.Add("optimize", "No package can fill the prescription", map[string]any{"required": in.Required})
		return dispense.Recommendation{}, err
	}

	finish := func(rec dispense.Recommendation, outcome Outcome, reason string) dispense.Recommendation {
		rec.Metadata.ExecutionTimeMs = r.now().Sub(start).Milliseconds()
		if outcome != OutcomeAI {
			rec.Metadata.UsedAI = false
			rec.Metadata.AlgorithmicFallback = true
			rec.Metadata.FallbackReason = reason
			trail.Add("optimize", fmt.Sprintf("Selected %s by waste minimization", rec.Primary.Code),
				map[string]any{"ndc": rec.Primary.Code, "packages": rec.Primary.NumberOfPackages,
					"waste": rec.Primary.Waste, "waste_percentage": rec.Primary.WastePercentage, "reason": reason})
		}
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if r.onOutcome != nil {
			r.onOutcome(outcome)
		}
		return rec
	}

	if r.service == nil {
		return finish(fallback, OutcomeDisabled, "advisory service disabled"), nil
	}
	if ok, reason := r.service.Available(); !ok {
		r.logger.Warn("advisory service unavailable, using optimizer",
			zap.String("rxcui", in.Identity.ID), zap.String("reason", reason))
		return finish(fallback, OutcomeUnavailable, reason), nil
	}

	req := BuildRequest(in.Identity, in.Requirement, in.Required, in.Packages, in.Context)
	reply, err := r.service.Advise(ctx, req)
	if err != nil {
		advErr := dispense.NewError(dispense.KindAdvisoryService, "advisory call failed", err)
		r.logger.Warn("advisory call failed, using optimizer",
			zap.String("rxcui", in.Identity.ID), zap.Error(advErr))
		span.RecordError(advErr)
		return finish(fallback, OutcomeCallFailed, "advisory call failed: "+err.Error()), nil
	}

	resp, err := ParseResponse(reply.Content, req)
	if err != nil {
		var ve *ValidationError
		field := ""
		if errors.As(err, &ve) {
			field = ve.Field
		}
		r.logger.Warn("advisory response rejected, using optimizer",
			zap.String("rxcui", in.Identity.ID), zap.String("field", field), zap.Error(err))
		rec := finish(fallback, OutcomeInvalid, err.Error())
		rec.Metadata.Cost = reply.Usage.Cost
		return rec, nil
	}

	rec := r.fromResponse(resp, in)
	rec.Metadata.UsedAI = true
	rec.Metadata.Cost = reply.Usage.Cost
	trail.Add("advisory", fmt.Sprintf("Advisory service recommended %s", rec.Primary.Code),
		map[string]any{"ndc": rec.Primary.Code, "confidence": resp.PrimaryRecommendation.ConfidenceScore,
			"alternatives": len(rec.Alternatives)})
	return finish(rec, OutcomeAI, ""), nil
}

// fromResponse converts a validated response into a recommendation.
// Alternatives that name unknown or inactive packages, split a package or fall
// short of the requirement are dropped.
func (r *Recommender) fromResponse(resp *Response, in Input) dispense.Recommendation {
	byCode := make(map[string]dispense.PackageRecord, len(in.Packages))
	for _, p := range in.Packages {
		byCode[p.Code] = p
	}

	rec := dispense.Recommendation{
		Primary:      aiChoice(resp.PrimaryRecommendation, byCode[resp.PrimaryRecommendation.Code], in.Required),
		Alternatives: []dispense.PackageChoice{},
		AIInsights: &dispense.AIInsights{
			Factors:        resp.Reasoning.Factors,
			Considerations: resp.Reasoning.Considerations,
			Rationale:      resp.Reasoning.Rationale,
		},
	}
	if ce := resp.CostEfficiency; ce != nil {
		rec.AIInsights.CostEfficiency = &dispense.CostEfficiency{EstimatedWaste: ce.EstimatedWaste, Rating: ce.Rating}
	}

	for _, alt := range resp.Alternatives {
		if r.options.MaxAlternatives >= 0 && len(rec.Alternatives) >= r.options.MaxAlternatives {
			break
		}
		pkg, ok := byCode[alt.Code]
		if !ok || !pkg.Active() || alt.QuantityToDispense < float64(in.Required) || alt.Code == rec.Primary.Code {
			r.logger.Debug("dropping advisory alternative", zap.String("ndc", alt.Code))
			continue
		}
		if err := wholePackages("alternatives", alt, pkg.Size.Quantity); err != nil {
			r.logger.Debug("dropping advisory alternative", zap.String("ndc", alt.Code), zap.Error(err))
			continue
		}
		rec.Alternatives = append(rec.Alternatives, aiChoice(alt, pkg, in.Required))
	}
	return rec
}

func aiChoice(c Choice, pkg dispense.PackageRecord, required int) dispense.PackageChoice {
	size := pkg.Size.Quantity
	if size <= 0 {
		size = c.Size
	}
	unit := pkg.Size.Unit
	if unit == "" {
		unit = c.Unit
	}
	waste := c.QuantityToDispense - float64(required)
	if waste < 0 {
		waste = 0
	}
	return dispense.PackageChoice{
		Code:               c.Code,
		Size:               size,
		Unit:               unit,
		QuantityToDispense: c.QuantityToDispense,
		NumberOfPackages:   int(math.Ceil(c.QuantityToDispense/size - 1e-9)),
		Waste:              math.Round(waste*100) / 100,
		WastePercentage:    math.Round(waste/c.QuantityToDispense*10000) / 100,
		Reasoning:          c.Reasoning,
		Source:             dispense.SourceAI,
		Confidence:         c.ConfidenceScore,
		Labeler:            pkg.Labeler,
	}
}
