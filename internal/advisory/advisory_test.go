package advisory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/optimizer"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

func activePkg(code string, size float64) dispense.PackageRecord {
	return dispense.PackageRecord{
		Code:            code,
		Size:            dispense.PackageSize{Quantity: size, Unit: "TABLET"},
		Labeler:         "Acme",
		MarketingStatus: dispense.MarketingStatus{IsActive: true, Status: dispense.MarketingActive},
	}
}

func testInput() Input {
	return Input{
		Identity:    dispense.ResolvedIdentity{ID: "314076", CanonicalName: "lisinopril 10 MG Oral Tablet", GenericName: "lisinopril", DosageForm: "TABLET"},
		Requirement: dispense.PrescriptionRequirement{DosePerAdministration: 1, FrequencyPerDay: 1, DaysSupply: 85},
		Required:    85,
		Packages: []dispense.PackageRecord{
			activePkg("11111-1111-30", 30),
			activePkg("11111-1111-90", 90),
			activePkg("11111-1111-99", 100),
		},
	}
}

const validReply = "```json\n" + `{
  "primaryRecommendation": {"code": "11111-1111-90", "size": 90, "unit": "TABLET", "quantityToDispense": 90, "reasoning": "one bottle covers the fill", "confidenceScore": 0.92},
  "alternatives": [
    {"code": "11111-1111-99", "size": 100, "unit": "TABLET", "quantityToDispense": 100, "reasoning": "larger bottle"},
    {"code": "99999-9999-99", "size": 85, "unit": "TABLET", "quantityToDispense": 85, "reasoning": "not offered"}
  ],
  "reasoning": {"factors": ["waste"], "considerations": ["single container"], "rationale": "least waste"},
  "costEfficiency": {"estimatedWaste": 5, "rating": "Low"}
}` + "\n```"

type fakeService struct {
	available bool
	reason    string
	reply     *Reply
	err       error
	calls     int
}

func (f *fakeService) Available() (bool, string) { return f.available, f.reason }

func (f *fakeService) Advise(ctx context.Context, req Request) (*Reply, error) {
	f.calls++
	return f.reply, f.err
}

func TestRecommendUsesAdvisory(t *testing.T) {
	cost := 0.0004
	svc := &fakeService{available: true, reply: &Reply{Content: validReply, Usage: Usage{Cost: &cost}}}
	r := NewRecommender(svc, optimizer.DefaultOptions(), nil)

	var outcome Outcome
	r.OnOutcome(func(o Outcome) { outcome = o })

	rec, err := r.Recommend(context.Background(), testInput(), dispense.NewTrail())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAI || !rec.Metadata.UsedAI || rec.Metadata.AlgorithmicFallback {
		t.Errorf("expected AI recommendation, got %+v (%s)", rec.Metadata, outcome)
	}
	p := rec.Primary
	if p.Source != dispense.SourceAI || p.Code != "11111-1111-90" || p.Waste != 5 || p.NumberOfPackages != 1 {
		t.Errorf("unexpected primary %+v", p)
	}
	if p.Confidence == nil || *p.Confidence != 0.92 {
		t.Errorf("confidence not carried: %v", p.Confidence)
	}
	if len(rec.Alternatives) != 1 || rec.Alternatives[0].Code != "11111-1111-99" {
		t.Errorf("unknown alternative should be dropped: %+v", rec.Alternatives)
	}
	if rec.AIInsights == nil || rec.AIInsights.CostEfficiency.Rating != "low" {
		t.Errorf("unexpected insights %+v", rec.AIInsights)
	}
	if rec.Metadata.Cost == nil || *rec.Metadata.Cost != cost {
		t.Errorf("cost not reported: %v", rec.Metadata.Cost)
	}
}

func TestRecommendFallsBackWhenUnavailable(t *testing.T) {
	svc := &fakeService{available: false, reason: "advisory circuit breaker open"}
	r := NewRecommender(svc, optimizer.DefaultOptions(), nil)

	rec, err := r.Recommend(context.Background(), testInput(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.calls != 0 {
		t.Error("unavailable service must not be called")
	}
	if rec.Primary.Source != dispense.SourceAlgorithm || !rec.Metadata.AlgorithmicFallback || rec.Metadata.UsedAI {
		t.Errorf("expected algorithmic fallback, got %+v", rec)
	}
	if rec.Metadata.FallbackReason != "advisory circuit breaker open" {
		t.Errorf("unexpected reason %q", rec.Metadata.FallbackReason)
	}
	if rec.Primary.Code != "11111-1111-90" {
		t.Errorf("unexpected optimizer primary %+v", rec.Primary)
	}
}

func TestRecommendFallsBackOnMalformedReply(t *testing.T) {
	replies := []string{
		"I think the 90 count bottle is best.",
		`{"primaryRecommendation": {"code": "11111-1111-90"}}`,
		strings.Replace(validReply, `"alternatives": [`, `"alternatives": {"x": [`, 1),
		strings.Replace(validReply, `"Low"`, `"cheap"`, 1),
		strings.Replace(validReply, `"confidenceScore": 0.92`, `"confidenceScore": 1.5`, 1),
		strings.Replace(validReply, `"quantityToDispense": 90, "reasoning": "one`, `"quantityToDispense": 60, "reasoning": "one`, 1),
	}
	for i, content := range replies {
		svc := &fakeService{available: true, reply: &Reply{Content: content}}
		r := NewRecommender(svc, optimizer.DefaultOptions(), nil)
		var outcome Outcome
		r.OnOutcome(func(o Outcome) { outcome = o })

		rec, err := r.Recommend(context.Background(), testInput(), nil)
		if err != nil {
			t.Fatalf("reply %d: malformed payload must not propagate: %v", i, err)
		}
		if outcome != OutcomeInvalid || rec.Primary.Source != dispense.SourceAlgorithm || !rec.Metadata.AlgorithmicFallback {
			t.Errorf("reply %d: expected invalid fallback, got %s %+v", i, outcome, rec.Metadata)
		}
	}
}

func TestRecommendFallsBackOnCallError(t *testing.T) {
	svc := &fakeService{available: true, err: errors.New("429 rate limited")}
	r := NewRecommender(svc, optimizer.DefaultOptions(), nil)

	rec, err := r.Recommend(context.Background(), testInput(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Metadata.AlgorithmicFallback || !strings.Contains(rec.Metadata.FallbackReason, "429") {
		t.Errorf("unexpected metadata %+v", rec.Metadata)
	}
}

func TestRecommendPropagatesOptimizerFailure(t *testing.T) {
	in := testInput()
	for i := range in.Packages {
		in.Packages[i].MarketingStatus = dispense.MarketingStatus{Status: dispense.MarketingDiscontinued}
	}
	svc := &fakeService{available: true, reply: &Reply{Content: validReply}}
	r := NewRecommender(svc, optimizer.DefaultOptions(), nil)

	_, err := r.Recommend(context.Background(), in, nil)
	if !dispense.IsKind(err, dispense.KindNoActivePackages) {
		t.Errorf("expected NO_ACTIVE_PACKAGES, got %v", err)
	}
	if svc.calls != 0 {
		t.Error("advisory should not be consulted without active packages")
	}
}

func TestParseResponseRejectsWasteOverExactMatch(t *testing.T) {
	req := BuildRequest(testInput().Identity, testInput().Requirement, 90, testInput().Packages, "")
	reply := strings.Replace(validReply, `"code": "11111-1111-90", "size": 90, "unit": "TABLET", "quantityToDispense": 90`,
		`"code": "11111-1111-99", "size": 100, "unit": "TABLET", "quantityToDispense": 100`, 1)

	_, err := ParseResponse(reply, req)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "primaryRecommendation.code" {
		t.Errorf("expected exact-match violation, got %v", err)
	}
}

func TestParseResponseRejectsPartialPackages(t *testing.T) {
	req := BuildRequest(testInput().Identity, testInput().Requirement, 85, testInput().Packages, "")
	primary := `"code": "11111-1111-90", "size": 90, "unit": "TABLET", "quantityToDispense": 90`

	tests := []struct {
		name  string
		with  string
		field string
	}{
		{"quantity splits a package", `"code": "11111-1111-30", "size": 30, "unit": "TABLET", "quantityToDispense": 85`,
			"primaryRecommendation.quantityToDispense"},
		{"size disagrees with catalog", `"code": "11111-1111-30", "size": 85, "unit": "TABLET", "quantityToDispense": 85`,
			"primaryRecommendation.size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(strings.Replace(validReply, primary, tt.with, 1), req)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected %s violation, got %v", tt.field, err)
			}
		})
	}

	resp, err := ParseResponse(strings.Replace(validReply, primary,
		`"code": "11111-1111-30", "size": 30, "unit": "TABLET", "quantityToDispense": 90`, 1), req)
	if err != nil || resp.PrimaryRecommendation.QuantityToDispense != 90 {
		t.Errorf("three whole packages should validate: %v", err)
	}
}

func TestRecommendFallsBackOnPartialPackage(t *testing.T) {
	content := strings.Replace(validReply, `"code": "11111-1111-90", "size": 90, "unit": "TABLET", "quantityToDispense": 90`,
		`"code": "11111-1111-30", "size": 30, "unit": "TABLET", "quantityToDispense": 85`, 1)
	svc := &fakeService{available: true, reply: &Reply{Content: content}}
	r := NewRecommender(svc, optimizer.DefaultOptions(), nil)

	rec, err := r.Recommend(context.Background(), testInput(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Primary.Source != dispense.SourceAlgorithm || !rec.Metadata.AlgorithmicFallback {
		t.Errorf("expected fallback, got %+v", rec)
	}
}

func TestRecommendDropsPartialPackageAlternative(t *testing.T) {
	content := strings.Replace(validReply, `"code": "11111-1111-99", "size": 100, "unit": "TABLET", "quantityToDispense": 100`,
		`"code": "11111-1111-30", "size": 30, "unit": "TABLET", "quantityToDispense": 85`, 1)
	svc := &fakeService{available: true, reply: &Reply{Content: content}}
	r := NewRecommender(svc, optimizer.DefaultOptions(), nil)

	rec, err := r.Recommend(context.Background(), testInput(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Primary.Source != dispense.SourceAI || len(rec.Alternatives) != 0 {
		t.Errorf("partial-package alternative should be dropped: %+v", rec.Alternatives)
	}
}

type fakeGenerator struct {
	content string
	info    map[string]any
	err     error
}

func (g *fakeGenerator) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: g.content, GenerationInfo: g.info}}}, nil
}

func TestLLMServiceReportsUsageAndCost(t *testing.T) {
	gen := &fakeGenerator{content: validReply, info: map[string]any{"PromptTokens": 1000, "CompletionTokens": 200}}
	svc := NewLLMService(gen, LLMConfig{Provider: ProviderOpenAI, Model: "gpt-4o-mini"}, nil, nil)

	if ok, _ := svc.Available(); !ok {
		t.Fatal("expected service available")
	}
	reply, err := svc.Advise(context.Background(), BuildRequest(testInput().Identity, testInput().Requirement, 85, testInput().Packages, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Usage.PromptTokens != 1000 || reply.Usage.CompletionTokens != 200 {
		t.Errorf("unexpected usage %+v", reply.Usage)
	}
	want := (1000*0.15 + 200*0.60) / 1_000_000
	if reply.Usage.Cost == nil || *reply.Usage.Cost != want {
		t.Errorf("cost = %v, want %v", reply.Usage.Cost, want)
	}
}

func TestLLMServiceUnavailable(t *testing.T) {
	svc := NewLLMService(nil, LLMConfig{}, nil, nil)
	if ok, reason := svc.Available(); ok || reason == "" {
		t.Errorf("expected unconfigured service to be unavailable")
	}

	cfg := circuitbreaker.DefaultConfig("advisory")
	cfg.FailureThreshold = 1
	breaker, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc = NewLLMService(&fakeGenerator{err: errors.New("503")}, LLMConfig{}, breaker, nil)
	if _, err := svc.Advise(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if ok, _ := svc.Available(); ok {
		t.Error("expected tripped breaker to make the service unavailable")
	}
}

func TestEstimateCost(t *testing.T) {
	if c := EstimateCost(ProviderOllama, "llama3", 1000, 1000); c == nil || *c != 0 {
		t.Errorf("local models are free, got %v", c)
	}
	if c := EstimateCost(ProviderOpenAI, "unknown-model", 1000, 1000); c != nil {
		t.Errorf("unknown model should have no cost, got %v", *c)
	}
}
