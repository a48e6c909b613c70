// Package dispense defines the shared domain model for drug resolution and package selection.
package dispense

import (
	"sort"
	"time"
)

// TermType is an RxNorm term type (SCD, SBD, IN, BN, ...)
type TermType string

const (
	TermIngredient         TermType = "IN"
	TermBrandName          TermType = "BN"
	TermClinicalDrug       TermType = "SCD"
	TermBrandedDrug        TermType = "SBD"
	TermClinicalDrugForm   TermType = "SCDF"
	TermBrandedDrugForm    TermType = "SBDF"
	TermClinicalComponent  TermType = "SCDC"
	TermPreciseIngredient  TermType = "PIN"
	TermMultipleIngredient TermType = "MIN"
)

// ResolvedIdentity is a canonical drug concept produced by name resolution.
// It is treated as immutable: merges and enrichment produce new values.
type ResolvedIdentity struct {
	ID            string   `json:"id"`
	CanonicalName string   `json:"canonical_name"`
	GenericName   string   `json:"generic_name,omitempty"`
	BrandName     string   `json:"brand_name,omitempty"`
	DosageForm    string   `json:"dosage_form,omitempty"`
	Strength      string   `json:"strength,omitempty"`
	TermType      TermType `json:"term_type,omitempty"`
	Synonyms      []string `json:"synonyms,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// WithConfidence returns a copy carrying the clamped confidence.
func (r ResolvedIdentity) WithConfidence(c float64) ResolvedIdentity {
	out := r
	out.Synonyms = append([]string(nil), r.Synonyms...)
	out.Confidence = ClampConfidence(c)
	return out
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// SynonymSet unions synonym lists, dropping blanks and case-insensitive duplicates.
// Order of first appearance is kept.
func SynonymSet(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if s == "" {
				continue
			}
			key := foldKey(s)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// MarketingState is the marketing status of a package
type MarketingState string

const (
	MarketingActive       MarketingState = "active"
	MarketingDiscontinued MarketingState = "discontinued"
	MarketingExpired      MarketingState = "expired"
	MarketingUnknown      MarketingState = "unknown"
)

// MarketingStatus describes whether a package may be dispensed.
type MarketingStatus struct {
	IsActive  bool           `json:"is_active"`
	Status    MarketingState `json:"status"`
	StartDate *time.Time     `json:"start_date,omitempty"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
}

// PackageSize is the parsed size of one package.
type PackageSize struct {
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	RawText  string  `json:"raw_text"`
}

// Ingredient is an active ingredient with its labelled strength
type Ingredient struct {
	Name     string `json:"name"`
	Strength string `json:"strength,omitempty"`
}

// PackageRecord is one dispensable package (an NDC).
type PackageRecord struct {
	Code              string          `json:"ndc"`
	ProductCode       string          `json:"product_ndc"`
	GenericName       string          `json:"generic_name"`
	BrandName         string          `json:"brand_name,omitempty"`
	DosageForm        string          `json:"dosage_form"`
	Route             []string        `json:"route,omitempty"`
	Size              PackageSize     `json:"size"`
	ActiveIngredients []Ingredient    `json:"active_ingredients,omitempty"`
	MarketingStatus   MarketingStatus `json:"marketing_status"`
	Labeler           string          `json:"labeler"`
	IdentityID        string          `json:"rxcui,omitempty"`
}

// Active reports whether the package may be dispensed.
func (p PackageRecord) Active() bool {
	return p.MarketingStatus.IsActive
}

// MaxDaysSupply is the upper bound for days' supply.
const MaxDaysSupply = 365

// PrescriptionRequirement is the structured prescription.
type PrescriptionRequirement struct {
	DosePerAdministration float64 `json:"dose"`
	FrequencyPerDay       float64 `json:"frequency"`
	DaysSupply            int     `json:"days_supply"`
}

// Validate checks the requirement bounds.
func (r PrescriptionRequirement) Validate() error {
	details := map[string]string{}
	if !(r.DosePerAdministration > 0) {
		details["dose"] = "must be greater than 0"
	}
	if !(r.FrequencyPerDay > 0) {
		details["frequency"] = "must be greater than 0"
	}
	if r.DaysSupply < 1 || r.DaysSupply > MaxDaysSupply {
		details["days_supply"] = "must be between 1 and 365"
	}
	if len(details) == 0 {
		return nil
	}
	return &Error{
		Kind:    KindInvalidRequirement,
		Message: "invalid prescription requirement",
		Details: details,
	}
}

// ExcludedPackage is a package left out of optimization, with a readable reason.
type ExcludedPackage struct {
	Code   string `json:"ndc"`
	Reason string `json:"reason"`
}

// SortPackages orders packages by size then code, for deterministic output.
func SortPackages(pkgs []PackageRecord) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		if pkgs[i].Size.Quantity != pkgs[j].Size.Quantity {
			return pkgs[i].Size.Quantity < pkgs[j].Size.Quantity
		}
		return pkgs[i].Code < pkgs[j].Code
	})
}
