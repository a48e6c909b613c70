package dispense

import (
	"errors"
	"time"
)

// ErrCalculationNotFound is returned by history stores for unknown IDs
var ErrCalculationNotFound = errors.New("calculation not found")

// Calculation is the outcome of one calculate call: the resolved identity, the
// required quantity and the recommended packages, with the audit trail.
type Calculation struct {
	ID                  string                  `json:"id"`
	Query               string                  `json:"query"`
	Identity            ResolvedIdentity        `json:"identity"`
	AlternateIdentities []ResolvedIdentity      `json:"alternate_identities,omitempty"`
	ResolutionStrategy  string                  `json:"resolution_strategy"`
	Requirement         PrescriptionRequirement `json:"prescription"`
	TotalQuantity       int                     `json:"total_quantity"`
	RecommendedPackages []PackageChoice         `json:"recommended_packages"`
	OverfillPercentage  float64                 `json:"overfill_percentage"`
	UnderfillPercentage float64                 `json:"underfill_percentage"`
	Warnings            []string                `json:"warnings"`
	Excluded            []ExcludedPackage       `json:"excluded"`
	Explanations        []Explanation           `json:"explanations"`
	AIInsights          *AIInsights             `json:"ai_insights,omitempty"`
	Metadata            RecommendationMetadata  `json:"metadata"`
	CreatedAt           time.Time               `json:"created_at"`
}

// Primary returns the recommended package, if any.
func (c *Calculation) Primary() (PackageChoice, bool) {
	if c == nil || len(c.RecommendedPackages) == 0 {
		return PackageChoice{}, false
	}
	return c.RecommendedPackages[0], true
}
