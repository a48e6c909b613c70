// Package engine wires resolution, catalog lookup, quantity calculation and
// package recommendation into the single calculate entry point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/advisory"
	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/catalog"
	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/optimizer"
	"github.com/drfirst/go-ndc/internal/resolver"
)

// ErrHistoryDisabled is returned by Get when no history store is configured
var ErrHistoryDisabled = errors.New("calculation history is not configured")

// NameResolver resolves names and identifiers to identities
type NameResolver interface {
	Resolve(ctx context.Context, name string, trail *dispense.Trail) (*resolver.Resolution, error)
	ResolveByID(ctx context.Context, id string, trail *dispense.Trail) (*resolver.Resolution, error)
}

// PackageCatalog lists packages for an identity
type PackageCatalog interface {
	FetchPackages(ctx context.Context, identity dispense.ResolvedIdentity, f catalog.Filters, trail *dispense.Trail) (*catalog.Listing, error)
}

// Recommender picks packages for a requirement
type Recommender interface {
	Recommend(ctx context.Context, in advisory.Input, trail *dispense.Trail) (dispense.Recommendation, error)
}

// History stores completed calculations
type History interface {
	Save(ctx context.Context, calc *dispense.Calculation) error
	Get(ctx context.Context, id string) (*dispense.Calculation, error)
	Recent(ctx context.Context, rxcui string, limit int) ([]*dispense.Calculation, error)
}

// Publisher emits calculation events
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v interface{}) error
}

// Config tunes the engine
type Config struct {
	// CacheTTL applies to identity and package lookups; zero disables caching
	CacheTTL time.Duration
	// LowConfidence is the confidence below which a warning is added
	LowConfidence float64
	// WasteWarning is the waste percentage at or above which a warning is added
	WasteWarning float64
	// FilterDosageForm restricts packages to the identity's dosage form
	FilterDosageForm bool
	// EventsTopic receives a calculation event when no history store is
	// configured (the store's outbox publishes otherwise)
	EventsTopic string
}

// DefaultConfig returns engine defaults
func DefaultConfig() Config {
	return Config{
		CacheTTL:         6 * time.Hour,
		LowConfidence:    0.8,
		WasteWarning:     20,
		FilterDosageForm: true,
		EventsTopic:      "ndc.calculations",
	}
}

// Request is one calculate call
type Request struct {
	// Drug is a free-text name or a numeric RxCUI
	Drug        string                           `json:"drug"`
	Requirement dispense.PrescriptionRequirement `json:"prescription"`
	// Context is an optional note passed to the advisory service
	Context string `json:"context,omitempty"`
}

// Engine runs calculations
type Engine struct {
	resolver    NameResolver
	catalog     PackageCatalog
	recommender Recommender
	cache       cache.Cache
	history     History
	publisher   Publisher
	config      Config
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	observe     func(outcome string, elapsed time.Duration)
}

// New creates an engine. A nil cache disables caching.
func New(r NameResolver, c PackageCatalog, rec Recommender, store cache.Cache, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		resolver:    r,
		catalog:     c,
		recommender: rec,
		cache:       store,
		config:      cfg,
		logger:      logger,
		tracer:      otel.Tracer("engine"),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
}

// WithHistory stores every calculation in h
func (e *Engine) WithHistory(h History) *Engine {
	e.history = h
	return e
}

// WithPublisher publishes calculation events directly through p
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.publisher = p
	return e
}

// Observe registers a hook called once per calculation with its outcome
// ("success" or an error code) and duration
func (e *Engine) Observe(fn func(outcome string, elapsed time.Duration)) {
	e.observe = fn
}

// Calculate resolves the drug, fetches its packages and recommends what to
// dispense. Failures are *dispense.Error values carrying the trail so far.
func (e *Engine) Calculate(ctx context.Context, req Request) (calc *dispense.Calculation, err error) {
	ctx, span := e.tracer.Start(ctx, "calculate", trace.WithAttributes(attribute.String("drug_name", req.Drug)))
	defer span.End()

	start := e.now()
	trail := dispense.NewTrail()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(dispense.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		if e.observe != nil {
			e.observe(outcome, e.now().Sub(start))
		}
	}()

	required, err := optimizer.TotalQuantity(req.Requirement)
	if err != nil {
		trail.Add("validate", "Prescription requirement rejected", nil)
		return nil, e.fail(err, trail)
	}
	trail.Add("quantity", fmt.Sprintf("%s x %s per day x %d days = %d units",
		num(req.Requirement.DosePerAdministration), num(req.Requirement.FrequencyPerDay), req.Requirement.DaysSupply, required),
		map[string]any{"total_quantity": required})

	res, err := e.resolve(ctx, req.Drug, trail)
	if err != nil {
		return nil, e.fail(err, trail)
	}
	identity := res.Identity
	span.SetAttributes(attribute.String("rxcui", identity.ID), attribute.Float64("confidence", identity.Confidence))

	var warnings []string
	if identity.Confidence < e.config.LowConfidence {
		warnings = append(warnings, fmt.Sprintf("Matched %q to %s with %.0f%% confidence; verify the drug before dispensing",
			req.Drug, identity.CanonicalName, identity.Confidence*100))
	}

	listing, err := e.packages(ctx, identity, trail)
	if err != nil {
		return nil, e.fail(err, trail)
	}
	warnings = append(warnings, listing.Warnings...)

	rec, err := e.recommender.Recommend(ctx, advisory.Input{
		Identity:    identity,
		Requirement: req.Requirement,
		Required:    required,
		Packages:    listing.Packages,
		Context:     req.Context,
	}, trail)
	if err != nil {
		var de *dispense.Error
		if errors.As(err, &de) && de.Kind == dispense.KindNoActivePackages && len(listing.Excluded) > 0 {
			if de.Details == nil {
				de.Details = map[string]string{}
			}
			de.Details["excluded"] = fmt.Sprintf("%d packages", len(listing.Excluded))
		}
		return nil, e.fail(err, trail)
	}
	warnings = append(warnings, e.recommendationWarnings(rec, required)...)

	calc = &dispense.Calculation{
		ID:                  e.newID(),
		Query:               req.Drug,
		Identity:            identity,
		AlternateIdentities: res.Alternatives,
		ResolutionStrategy:  string(res.Strategy),
		Requirement:         req.Requirement,
		TotalQuantity:       required,
		RecommendedPackages: rec.Choices(),
		Warnings:            nonNil(warnings),
		Excluded:            listing.Excluded,
		AIInsights:          rec.AIInsights,
		Metadata:            rec.Metadata,
		CreatedAt:           e.now().UTC(),
	}
	if calc.Excluded == nil {
		calc.Excluded = []dispense.ExcludedPackage{}
	}
	calc.OverfillPercentage, calc.UnderfillPercentage = fill(rec.Primary, required)
	trail.Add("complete", fmt.Sprintf("Recommend %d x %s (%s)", rec.Primary.NumberOfPackages, rec.Primary.Code, rec.Primary.Source),
		map[string]any{"overfill_percentage": calc.OverfillPercentage})
	calc.Explanations = trail.Steps()

	e.record(ctx, calc)
	e.logger.Info("calculation complete",
		zap.String("calculation_id", calc.ID),
		zap.String("rxcui", identity.ID),
		zap.String("ndc", rec.Primary.Code),
		zap.Int("total_quantity", required),
		zap.Bool("used_ai", rec.Metadata.UsedAI),
		zap.Int("steps", trail.Len()))
	return calc, nil
}

// Resolve resolves a name or RxCUI without fetching packages
func (e *Engine) Resolve(ctx context.Context, drug string) (*resolver.Resolution, []dispense.Explanation, error) {
	trail := dispense.NewTrail()
	res, err := e.resolve(ctx, drug, trail)
	if err != nil {
		return nil, nil, e.fail(err, trail)
	}
	return res, trail.Steps(), nil
}

// Get loads a stored calculation
func (e *Engine) Get(ctx context.Context, id string) (*dispense.Calculation, error) {
	if e.history == nil {
		return nil, ErrHistoryDisabled
	}
	return e.history.Get(ctx, id)
}

// Recent lists the latest stored calculations for an RxCUI, newest first
func (e *Engine) Recent(ctx context.Context, rxcui string, limit int) ([]*dispense.Calculation, error) {
	if e.history == nil {
		return nil, ErrHistoryDisabled
	}
	return e.history.Recent(ctx, rxcui, limit)
}

func (e *Engine) resolve(ctx context.Context, drug string, trail *dispense.Trail) (*resolver.Resolution, error) {
	drug = strings.TrimSpace(drug)
	byID := IsIdentifier(drug)
	key := cache.Key("identity", dispense.NormalizeName(drug))
	if byID {
		key = cache.Key("identity", "rxcui", drug)
	}

	var cached resolver.Resolution
	if e.cacheGet(ctx, key, &cached) {
		trail.Add("resolve", fmt.Sprintf("Resolved %q to %s (cached)", drug, cached.Identity.CanonicalName),
			map[string]any{"rxcui": cached.Identity.ID, "strategy": cached.Strategy, "cached": true})
		return &cached, nil
	}

	var (
		res *resolver.Resolution
		err error
	)
	if byID {
		res, err = e.resolver.ResolveByID(ctx, drug, trail)
	} else {
		res, err = e.resolver.Resolve(ctx, drug, trail)
	}
	if err != nil {
		return nil, err
	}
	e.cacheSet(ctx, key, res)
	return res, nil
}

func (e *Engine) packages(ctx context.Context, identity dispense.ResolvedIdentity, trail *dispense.Trail) (*catalog.Listing, error) {
	filters := catalog.Filters{ActiveOnly: true}
	if e.config.FilterDosageForm {
		filters.DosageForm = identity.DosageForm
	}
	key := cache.Key("packages", identity.ID, strings.ToLower(filters.DosageForm))

	var cached catalog.Listing
	if e.cacheGet(ctx, key, &cached) {
		trail.Add("catalog.fetch", fmt.Sprintf("Using %d cached packages for RxCUI %s", len(cached.Packages), identity.ID),
			map[string]any{"cached": true, "excluded": len(cached.Excluded)})
		return &cached, nil
	}

	listing, err := e.catalog.FetchPackages(ctx, identity, filters, trail)
	if err != nil {
		return nil, err
	}
	e.cacheSet(ctx, key, listing)
	return listing, nil
}

func (e *Engine) cacheGet(ctx context.Context, key string, out interface{}) bool {
	if e.cache == nil || e.config.CacheTTL <= 0 {
		return false
	}
	hit, err := cache.GetJSON(ctx, e.cache, key, out)
	if err != nil {
		e.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return hit
}

func (e *Engine) cacheSet(ctx context.Context, key string, v interface{}) {
	if e.cache == nil || e.config.CacheTTL <= 0 {
		return
	}
	if err := cache.SetJSON(ctx, e.cache, key, v, e.config.CacheTTL); err != nil {
		e.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// record stores and publishes calc. Neither failure fails the calculation.
func (e *Engine) record(ctx context.Context, calc *dispense.Calculation) {
	if e.history != nil {
		if err := e.history.Save(ctx, calc); err != nil {
			e.logger.Error("failed to store calculation", zap.String("calculation_id", calc.ID), zap.Error(err))
		}
		return
	}
	if e.publisher != nil && e.config.EventsTopic != "" {
		if err := e.publisher.PublishJSON(ctx, e.config.EventsTopic, calc.Identity.ID, calc); err != nil {
			e.logger.Warn("failed to publish calculation", zap.String("calculation_id", calc.ID), zap.Error(err))
		}
	}
}

// fail attaches the trail to err, wrapping foreign errors as upstream failures
func (e *Engine) fail(err error, trail *dispense.Trail) error {
	var de *dispense.Error
	if !errors.As(err, &de) {
		de = dispense.NewError(dispense.KindUpstreamService, "calculation failed", err)
	}
	e.logger.Info("calculation failed", zap.String("code", string(de.Kind)), zap.Error(err))
	return de.WithTrail(trail)
}

// IsIdentifier reports whether drug is a bare RxCUI
func IsIdentifier(drug string) bool {
	if drug == "" || len(drug) > 12 {
		return false
	}
	for _, r := range drug {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// fill returns the overfill and underfill percentages of choice relative to required
func fill(c dispense.PackageChoice, required int) (over, under float64) {
	if required <= 0 {
		return 0, 0
	}
	diff := c.QuantityToDispense - float64(required)
	pct := math.Round(math.Abs(diff)/float64(required)*10000) / 100
	if diff >= 0 {
		return pct, 0
	}
	return 0, pct
}

func (e *Engine) recommendationWarnings(rec dispense.Recommendation, required int) []string {
	var out []string
	p := rec.Primary
	if p.NumberOfPackages > 1 {
		out = append(out, fmt.Sprintf("Dispense %d packages of %s to cover %d units", p.NumberOfPackages, p.Code, required))
	}
	if e.config.WasteWarning > 0 && p.WastePercentage >= e.config.WasteWarning {
		out = append(out, fmt.Sprintf("No package fits closely; %s leaves %s units (%.2f%%) unused", p.Code, num(p.Waste), p.WastePercentage))
	}
	if rec.Metadata.AlgorithmicFallback && rec.Metadata.FallbackReason != "" && !strings.Contains(rec.Metadata.FallbackReason, "disabled") {
		out = append(out, "Advisory recommendation unavailable; used waste minimization")
	}
	return out
}

func num(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
