package resolver

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/rxnorm"
)

// fakeCatalog is an in-memory identity catalog
type fakeCatalog struct {
	exact       map[string][]string
	approximate map[string][]rxnorm.Candidate
	spelling    map[string][]string
	props       map[string]rxnorm.Properties
	related     map[string][]rxnorm.ConceptGroup

	exactErr   error
	relatedErr error
	calls      []string
}

func (f *fakeCatalog) SearchByName(ctx context.Context, name string, maxEntries int) ([]string, error) {
	f.calls = append(f.calls, "exact:"+name)
	if f.exactErr != nil {
		return nil, f.exactErr
	}
	return f.exact[strings.ToLower(name)], nil
}

func (f *fakeCatalog) GetApproximateMatches(ctx context.Context, term string, maxEntries, option int) ([]rxnorm.Candidate, error) {
	f.calls = append(f.calls, "approximate:"+term)
	return f.approximate[strings.ToLower(term)], nil
}

func (f *fakeCatalog) GetSpellingSuggestions(ctx context.Context, name string) ([]string, error) {
	f.calls = append(f.calls, "spelling:"+name)
	return f.spelling[strings.ToLower(name)], nil
}

func (f *fakeCatalog) GetProperties(ctx context.Context, id string) (*rxnorm.Properties, error) {
	p, ok := f.props[id]
	if !ok {
		return nil, rxnorm.ErrNotFound
	}
	return &p, nil
}

func (f *fakeCatalog) GetRelatedConcepts(ctx context.Context, id string, termTypes []dispense.TermType) ([]rxnorm.ConceptGroup, error) {
	if f.relatedErr != nil {
		return nil, f.relatedErr
	}
	return f.related[id], nil
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		exact: map[string][]string{
			"lisinopril": {"29046"},
		},
		approximate: map[string][]rxnorm.Candidate{
			"lisinoprl 10": {
				{ID: "314076", Score: 80, Rank: 1},
				{ID: "314076", Score: 70, Rank: 1},
				{ID: "314077", Score: 90, Rank: 1},
				{ID: "29046", Score: 60, Rank: 2},
				{ID: "205326", Score: 55, Rank: 1},
			},
		},
		spelling: map[string][]string{
			"lisnopril": {"lisinoprol", "lisinopril"},
		},
		props: map[string]rxnorm.Properties{
			"29046":  {ID: "29046", Name: "lisinopril", TermType: dispense.TermIngredient},
			"314076": {ID: "314076", Name: "lisinopril 10 MG Oral Tablet", TermType: dispense.TermClinicalDrug},
			"314077": {ID: "314077", Name: "lisinopril 20 MG Oral Tablet", TermType: dispense.TermClinicalDrug},
			"205326": {ID: "205326", Name: "lisinopril 30 MG Oral Tablet", TermType: dispense.TermClinicalDrug},
		},
		related: map[string][]rxnorm.ConceptGroup{
			"314076": {
				{TermType: dispense.TermIngredient, Members: []rxnorm.Properties{{ID: "29046", Name: "Lisinopril"}}},
				{TermType: dispense.TermBrandName, Members: []rxnorm.Properties{{ID: "203644", Name: "Zestril"}}},
			},
		},
	}
}

func TestResolveExact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnrichRelated = false
	r := New(newFakeCatalog(), cfg, nil)
	trail := dispense.NewTrail()

	res, err := r.Resolve(context.Background(), "  Lisinopril ", trail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != StrategyExact || res.Identity.ID != "29046" || res.Identity.Confidence != 1 {
		t.Errorf("unexpected resolution %+v", res)
	}
	if trail.Len() == 0 {
		t.Error("expected explanation steps")
	}
}

func TestResolveApproximate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnrichRelated = false
	cfg.MaxAlternatives = 1
	r := New(newFakeCatalog(), cfg, nil)

	res, err := r.Resolve(context.Background(), "lisinoprl 10", dispense.NewTrail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != StrategyApproximate {
		t.Fatalf("expected approximate strategy, got %s", res.Strategy)
	}
	if res.Identity.ID != "314077" || res.Identity.Confidence != 0.9 {
		t.Errorf("unexpected primary %+v", res.Identity)
	}
	// 29046 scores 0.3 and is filtered; 314076 is deduplicated at 0.8
	if len(res.Alternatives) != 1 || res.Alternatives[0].ID != "314076" || res.Alternatives[0].Confidence != 0.8 {
		t.Errorf("unexpected alternatives %+v", res.Alternatives)
	}
}

func TestResolveSpellingAppliesPenalty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnrichRelated = false
	cat := newFakeCatalog()
	r := New(cat, cfg, nil)

	var outcomes []string
	r.Observe(func(s Strategy, outcome string) { outcomes = append(outcomes, string(s)+"="+outcome) })

	res, err := r.Resolve(context.Background(), "lisnopril", dispense.NewTrail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != StrategySpelling || res.MatchedName != "lisinopril" {
		t.Errorf("unexpected resolution %+v", res)
	}
	if math.Abs(res.Identity.Confidence-0.9) > 1e-9 {
		t.Errorf("expected penalized confidence 0.9, got %v", res.Identity.Confidence)
	}

	want := []string{"exact=no_match", "approximate=no_match", "spelling=success"}
	if strings.Join(outcomes, ",") != strings.Join(want, ",") {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := New(newFakeCatalog(), DefaultConfig(), nil)
	trail := dispense.NewTrail()

	res, err := r.Resolve(context.Background(), "zzzz", trail)
	if res != nil {
		t.Fatalf("expected no resolution, got %+v", res)
	}
	if !dispense.IsKind(err, dispense.KindIdentityNotFound) {
		t.Fatalf("expected IDENTITY_NOT_FOUND, got %v", err)
	}
	if trail.Len() < 4 {
		t.Errorf("expected a step per strategy plus summary, got %d", trail.Len())
	}
}

func TestResolveContinuesAfterStrategyError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnrichRelated = false
	cat := newFakeCatalog()
	cat.exactErr = errors.New("connection refused")
	r := New(cat, cfg, nil)

	res, err := r.Resolve(context.Background(), "lisinoprl 10", dispense.NewTrail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Strategy != StrategyApproximate {
		t.Errorf("expected approximate fallback, got %s", res.Strategy)
	}
}

func TestResolveByIDAndEnrich(t *testing.T) {
	r := New(newFakeCatalog(), DefaultConfig(), nil)

	res, err := r.ResolveByID(context.Background(), "314076", dispense.NewTrail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := res.Identity
	if res.Strategy != StrategyIdentifier || id.Confidence != 1 {
		t.Errorf("unexpected resolution %+v", res)
	}
	if id.GenericName != "lisinopril" || id.BrandName != "Zestril" {
		t.Errorf("enrichment missing: generic %q brand %q", id.GenericName, id.BrandName)
	}
	if id.DosageForm != "TABLET" || id.Strength != "10 MG" {
		t.Errorf("unexpected form/strength %q %q", id.DosageForm, id.Strength)
	}

	if _, err := r.ResolveByID(context.Background(), "404", nil); !dispense.IsKind(err, dispense.KindIdentityNotFound) {
		t.Errorf("expected IDENTITY_NOT_FOUND, got %v", err)
	}
}

func TestEnrichFailureIsNonFatal(t *testing.T) {
	cat := newFakeCatalog()
	cat.relatedErr = errors.New("timeout")
	r := New(cat, DefaultConfig(), nil)

	res, err := r.Resolve(context.Background(), "lisinopril", dispense.NewTrail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Identity.ID != "29046" {
		t.Errorf("unexpected identity %+v", res.Identity)
	}
}

func TestApproximateConfidenceBounds(t *testing.T) {
	tests := []struct {
		score float64
		rank  int
		want  float64
	}{
		{100, 1, 1},
		{150, 1, 1},
		{-20, 1, 0},
		{80, 2, 0.4},
		{80, 0, 0.8},
		{math.NaN(), 1, 0},
	}
	for _, tt := range tests {
		got := ApproximateConfidence(tt.score, tt.rank)
		if got < 0 || got > 1 || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ApproximateConfidence(%v, %d) = %v, want %v", tt.score, tt.rank, got, tt.want)
		}
	}
}
