// Package resolver maps free-text drug names to canonical RxNorm identities.
// Strategies run in order (exact, approximate, spelling) and the first success wins.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/rxnorm"
)

// IdentityCatalog is the upstream identity catalog
type IdentityCatalog interface {
	SearchByName(ctx context.Context, name string, maxEntries int) ([]string, error)
	GetApproximateMatches(ctx context.Context, term string, maxEntries, option int) ([]rxnorm.Candidate, error)
	GetSpellingSuggestions(ctx context.Context, name string) ([]string, error)
	GetProperties(ctx context.Context, id string) (*rxnorm.Properties, error)
	GetRelatedConcepts(ctx context.Context, id string, termTypes []dispense.TermType) ([]rxnorm.ConceptGroup, error)
}

// Strategy names the resolution path that produced an identity
type Strategy string

const (
	StrategyExact       Strategy = "exact"
	StrategyApproximate Strategy = "approximate"
	StrategySpelling    Strategy = "spelling"
	StrategyIdentifier  Strategy = "identifier"
)

// Config holds resolver thresholds
type Config struct {
	// MinConfidence drops approximate candidates scoring below it
	MinConfidence float64
	// MaxAlternatives bounds the alternatives returned with a match
	MaxAlternatives int
	// ApproximateMaxEntries is requested from the fuzzy search
	ApproximateMaxEntries int
	// SpellingPenalty multiplies confidence of spelling-corrected matches
	SpellingPenalty float64
	// EnrichRelated fetches ingredient and brand concepts after resolution
	EnrichRelated bool
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		MinConfidence:         0.5,
		MaxAlternatives:       4,
		ApproximateMaxEntries: 10,
		SpellingPenalty:       0.9,
		EnrichRelated:         true,
	}
}

// Resolution is a successful resolution
type Resolution struct {
	Identity     dispense.ResolvedIdentity   `json:"identity"`
	Alternatives []dispense.ResolvedIdentity `json:"alternatives,omitempty"`
	Strategy     Strategy                    `json:"strategy"`
	MatchedName  string                      `json:"matched_name"`
}

// Observer is notified of every strategy outcome
type Observer func(strategy Strategy, outcome string)

// Resolver resolves drug names against the identity catalog.
type Resolver struct {
	catalog  IdentityCatalog
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

// New creates a resolver
func New(catalog IdentityCatalog, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAlternatives < 0 {
		cfg.MaxAlternatives = 0
	}
	if cfg.SpellingPenalty <= 0 || cfg.SpellingPenalty > 1 {
		cfg.SpellingPenalty = DefaultConfig().SpellingPenalty
	}
	return &Resolver{
		catalog: catalog,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("resolver"),
	}
}

// Observe registers a strategy observer
func (r *Resolver) Observe(o Observer) {
	r.observer = o
}

type strategyFunc func(ctx context.Context, name string, trail *dispense.Trail) (*Resolution, error)

// errNoMatch marks a strategy that ran cleanly but found nothing
var errNoMatch = errors.New("no match")

// Resolve maps name to an identity, or fails with IDENTITY_NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, name string, trail *dispense.Trail) (*Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "resolve_identity", trace.WithAttributes(attribute.String("drug_name", name)))
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		trail.Add("resolve", "No drug name supplied", nil)
		return nil, &dispense.Error{
			Kind:    dispense.KindIdentityNotFound,
			Message: "drug name is empty",
		}
	}

	strategies := []struct {
		name Strategy
		run  strategyFunc
	}{
		{StrategyExact, r.exact},
		{StrategyApproximate, r.approximate},
		{StrategySpelling, r.spelling},
	}

	var lastErr error
	for _, s := range strategies {
		res, err := s.run(ctx, name, trail)
		if err == nil {
			r.observe(s.name, "success")
			span.SetAttributes(
				attribute.String("strategy", string(s.name)),
				attribute.String("rxcui", res.Identity.ID),
				attribute.Float64("confidence", res.Identity.Confidence))
			r.logger.Info("drug name resolved",
				zap.String("drug_name", name),
				zap.String("strategy", string(s.name)),
				zap.String("rxcui", res.Identity.ID),
				zap.Float64("confidence", res.Identity.Confidence))
			return r.finish(ctx, res, trail), nil
		}

		if errors.Is(err, errNoMatch) {
			r.observe(s.name, "no_match")
		} else {
			r.observe(s.name, "error")
			lastErr = err
			r.logger.Warn("resolution strategy failed",
				zap.String("drug_name", name),
				zap.String("strategy", string(s.name)),
				zap.Error(err))
		}
	}

	trail.Add("resolve", fmt.Sprintf("No identity found for %q after exact, approximate and spelling lookups", name), nil)
	return nil, &dispense.Error{
		Kind:    dispense.KindIdentityNotFound,
		Message: fmt.Sprintf("no drug identity found for %q", name),
		Details: map[string]string{"name": name},
		Cause:   lastErr,
	}
}

// ResolveByID resolves a known RxCUI directly.
func (r *Resolver) ResolveByID(ctx context.Context, id string, trail *dispense.Trail) (*Resolution, error) {
	props, err := r.catalog.GetProperties(ctx, id)
	if err != nil {
		trail.Add("resolve.identifier", fmt.Sprintf("RxCUI %s could not be loaded", id), nil)
		kind := dispense.KindIdentityNotFound
		if !errors.Is(err, rxnorm.ErrNotFound) {
			kind = dispense.KindUpstreamService
		}
		return nil, &dispense.Error{
			Kind:    kind,
			Message: fmt.Sprintf("rxcui %s could not be resolved", id),
			Details: map[string]string{"rxcui": id},
			Cause:   err,
		}
	}

	identity := IdentityFromProperties(props, 1.0)
	trail.Add("resolve.identifier", fmt.Sprintf("Loaded RxCUI %s directly", id),
		map[string]any{"rxcui": id, "name": identity.CanonicalName})
	r.observe(StrategyIdentifier, "success")
	return r.finish(ctx, &Resolution{Identity: identity, Strategy: StrategyIdentifier, MatchedName: id}, trail), nil
}

// exact looks the literal name up and scores a hit at 1.0.
func (r *Resolver) exact(ctx context.Context, name string, trail *dispense.Trail) (*Resolution, error) {
	ids, err := r.catalog.SearchByName(ctx, name, 1)
	if err != nil {
		trail.Add("resolve.exact", fmt.Sprintf("Exact lookup for %q failed", name), nil)
		return nil, fmt.Errorf("exact search: %w", err)
	}
	if len(ids) == 0 {
		trail.Add("resolve.exact", fmt.Sprintf("No exact match for %q", name), nil)
		return nil, errNoMatch
	}

	props, err := r.catalog.GetProperties(ctx, ids[0])
	if err != nil {
		if errors.Is(err, rxnorm.ErrNotFound) {
			return nil, errNoMatch
		}
		return nil, fmt.Errorf("exact properties %s: %w", ids[0], err)
	}

	identity := IdentityFromProperties(props, 1.0)
	trail.Add("resolve.exact", fmt.Sprintf("Exact match %q (RxCUI %s)", identity.CanonicalName, identity.ID),
		map[string]any{"rxcui": identity.ID, "confidence": identity.Confidence})
	return &Resolution{Identity: identity, Strategy: StrategyExact, MatchedName: name}, nil
}

// ApproximateConfidence converts a fuzzy (score, rank) pair into [0,1].
func ApproximateConfidence(score float64, rank int) float64 {
	if rank < 1 {
		rank = 1
	}
	rankFactor := 1.0 / float64(rank)
	if rankFactor > 1 {
		rankFactor = 1
	}
	return dispense.ClampConfidence(dispense.ClampConfidence(score/100) * rankFactor)
}

// approximate runs the fuzzy search and keeps candidates above the threshold.
func (r *Resolver) approximate(ctx context.Context, name string, trail *dispense.Trail) (*Resolution, error) {
	candidates, err := r.catalog.GetApproximateMatches(ctx, name, r.config.ApproximateMaxEntries, 0)
	if err != nil {
		trail.Add("resolve.approximate", fmt.Sprintf("Approximate lookup for %q failed", name), nil)
		return nil, fmt.Errorf("approximate search: %w", err)
	}

	var found []dispense.ResolvedIdentity
	for _, c := range candidates {
		conf := ApproximateConfidence(c.Score, c.Rank)
		if conf < r.config.MinConfidence {
			continue
		}
		props, err := r.catalog.GetProperties(ctx, c.ID)
		if err != nil {
			r.logger.Debug("skipping approximate candidate",
				zap.String("rxcui", c.ID), zap.Error(err))
			continue
		}
		found = append(found, IdentityFromProperties(props, conf))
	}

	// stable sort keeps catalog order among equal confidences, so dedupe keeps the highest
	sort.SliceStable(found, func(i, j int) bool { return found[i].Confidence > found[j].Confidence })
	found = dedupeByID(found)

	if len(found) == 0 {
		trail.Add("resolve.approximate", fmt.Sprintf("No approximate match for %q above %.2f confidence", name, r.config.MinConfidence),
			map[string]any{"candidates": len(candidates)})
		return nil, errNoMatch
	}

	res := &Resolution{Identity: found[0], Strategy: StrategyApproximate, MatchedName: name}
	if rest := found[1:]; len(rest) > 0 {
		if len(rest) > r.config.MaxAlternatives {
			rest = rest[:r.config.MaxAlternatives]
		}
		res.Alternatives = rest
	}

	trail.Add("resolve.approximate",
		fmt.Sprintf("Approximate match %q (RxCUI %s) with confidence %.2f", res.Identity.CanonicalName, res.Identity.ID, res.Identity.Confidence),
		map[string]any{"rxcui": res.Identity.ID, "confidence": res.Identity.Confidence, "alternatives": len(res.Alternatives)})
	return res, nil
}

// spelling retries the exact strategy against each spelling suggestion.
func (r *Resolver) spelling(ctx context.Context, name string, trail *dispense.Trail) (*Resolution, error) {
	suggestions, err := r.catalog.GetSpellingSuggestions(ctx, name)
	if err != nil {
		trail.Add("resolve.spelling", fmt.Sprintf("Spelling suggestions for %q failed", name), nil)
		return nil, fmt.Errorf("spelling suggestions: %w", err)
	}
	if len(suggestions) == 0 {
		trail.Add("resolve.spelling", fmt.Sprintf("No spelling suggestions for %q", name), nil)
		return nil, errNoMatch
	}

	var lastErr error
	for _, suggestion := range suggestions {
		res, err := r.exact(ctx, suggestion, nil)
		if err != nil {
			if !errors.Is(err, errNoMatch) {
				lastErr = err
			}
			continue
		}

		res.Identity = res.Identity.WithConfidence(res.Identity.Confidence * r.config.SpellingPenalty)
		res.Strategy = StrategySpelling
		res.MatchedName = suggestion
		trail.Add("resolve.spelling",
			fmt.Sprintf("Corrected %q to %q (RxCUI %s)", name, suggestion, res.Identity.ID),
			map[string]any{"suggestion": suggestion, "confidence": res.Identity.Confidence})
		return res, nil
	}

	trail.Add("resolve.spelling", fmt.Sprintf("None of %d spelling suggestions matched", len(suggestions)),
		map[string]any{"suggestions": suggestions})
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errNoMatch
}

// finish applies related-concept enrichment when enabled.
func (r *Resolver) finish(ctx context.Context, res *Resolution, trail *dispense.Trail) *Resolution {
	if r.config.EnrichRelated {
		res.Identity = r.Enrich(ctx, res.Identity, trail)
	}
	return res
}

// Enrich fills generic and brand names from related ingredient and brand concepts.
// Failures leave the identity unchanged.
func (r *Resolver) Enrich(ctx context.Context, identity dispense.ResolvedIdentity, trail *dispense.Trail) dispense.ResolvedIdentity {
	groups, err := r.catalog.GetRelatedConcepts(ctx, identity.ID,
		[]dispense.TermType{dispense.TermIngredient, dispense.TermBrandName})
	if err != nil {
		r.logger.Warn("related concept lookup failed",
			zap.String("rxcui", identity.ID), zap.Error(err))
		return identity
	}

	related := dispense.ResolvedIdentity{ID: identity.ID, Confidence: identity.Confidence}
	var names []string
	for _, g := range groups {
		for _, m := range g.Members {
			names = append(names, m.Name)
			switch g.TermType {
			case dispense.TermIngredient:
				fillString(&related.GenericName, lowerCaser.String(m.Name))
			case dispense.TermBrandName:
				fillString(&related.BrandName, m.Name)
			}
		}
	}
	related.Synonyms = dispense.SynonymSet(names)

	merged := MergeDrugInformation([]dispense.ResolvedIdentity{identity, related})[0]
	trail.Add("resolve.enrich", "Added related ingredient and brand names",
		map[string]any{"generic_name": merged.GenericName, "brand_name": merged.BrandName})
	return merged
}

func (r *Resolver) observe(s Strategy, outcome string) {
	if r.observer != nil {
		r.observer(s, outcome)
	}
}
