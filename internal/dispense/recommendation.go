package dispense

// Source identifies who produced a recommendation
type Source string

const (
	SourceAlgorithm Source = "algorithm"
	SourceAI        Source = "ai"
)

// PackageChoice is one candidate way of filling the prescription from a single package code.
type PackageChoice struct {
	Code               string   `json:"ndc"`
	Size               float64  `json:"size"`
	Unit               string   `json:"unit"`
	QuantityToDispense float64  `json:"quantity_to_dispense"`
	NumberOfPackages   int      `json:"number_of_packages"`
	Waste              float64  `json:"waste"`
	WastePercentage    float64  `json:"waste_percentage"`
	Reasoning          string   `json:"reasoning"`
	Source             Source   `json:"source"`
	Confidence         *float64 `json:"confidence,omitempty"`
	Labeler            string   `json:"labeler,omitempty"`
}

// CostEfficiency is the advisory rating of how economical a choice is.
type CostEfficiency struct {
	EstimatedWaste float64 `json:"estimated_waste"`
	Rating         string  `json:"rating"`
}

// AIInsights carries the advisory service's reasoning block.
type AIInsights struct {
	Factors        []string        `json:"factors"`
	Considerations []string        `json:"considerations"`
	Rationale      string          `json:"rationale"`
	CostEfficiency *CostEfficiency `json:"cost_efficiency,omitempty"`
}

// RecommendationMetadata records how a recommendation was produced.
type RecommendationMetadata struct {
	UsedAI              bool     `json:"used_ai"`
	AlgorithmicFallback bool     `json:"algorithmic_fallback"`
	FallbackReason      string   `json:"fallback_reason,omitempty"`
	ExecutionTimeMs     int64    `json:"execution_time_ms"`
	Cost                *float64 `json:"cost,omitempty"`
}

// Recommendation is the final dispensing recommendation.
type Recommendation struct {
	Primary      PackageChoice          `json:"primary"`
	Alternatives []PackageChoice        `json:"alternatives"`
	AIInsights   *AIInsights            `json:"ai_insights,omitempty"`
	Metadata     RecommendationMetadata `json:"metadata"`
}

// Choices returns the primary followed by the alternatives.
func (r Recommendation) Choices() []PackageChoice {
	out := make([]PackageChoice, 0, 1+len(r.Alternatives))
	out = append(out, r.Primary)
	return append(out, r.Alternatives...)
}
