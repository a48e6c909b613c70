package advisory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drfirst/go-ndc/internal/dispense"
)

const systemPrompt = `You are a pharmacy dispensing assistant. Choose the NDC package, or a whole
number of identical packages, that fills a prescription with the least waste.

Rules:
- Only choose from the availablePackages list and only packages with isActive true.
- quantityToDispense must be at least quantityNeeded and a whole multiple of the package size.
- Prefer an exact size match over any choice that leaves units over.
- Answer with a single JSON object and nothing else.

Response shape:
{
  "primaryRecommendation": {"code": string, "size": number, "unit": string, "quantityToDispense": number, "reasoning": string, "confidenceScore": number between 0 and 1},
  "alternatives": [same shape as primaryRecommendation],
  "reasoning": {"factors": [string], "considerations": [string], "rationale": string},
  "costEfficiency": {"estimatedWaste": number, "rating": "low" | "medium" | "high"}
}`

// BuildRequest assembles the advisory request for a calculation.
func BuildRequest(identity dispense.ResolvedIdentity, req dispense.PrescriptionRequirement, required int, pkgs []dispense.PackageRecord, note string) Request {
	generic := identity.GenericName
	if generic == "" {
		generic = identity.CanonicalName
	}
	out := Request{
		Drug: DrugInfo{
			GenericName: generic,
			ID:          identity.ID,
			BrandName:   identity.BrandName,
			DosageForm:  identity.DosageForm,
			Strength:    identity.Strength,
		},
		Prescription: PrescriptionInfo{
			Directions:     Directions(req, identity.DosageForm),
			DaysSupply:     req.DaysSupply,
			QuantityNeeded: required,
		},
		AvailablePackages: make([]AvailablePackage, 0, len(pkgs)),
		Context:           note,
	}
	for _, p := range pkgs {
		out.AvailablePackages = append(out.AvailablePackages, AvailablePackage{
			Code:     p.Code,
			Size:     p.Size.Quantity,
			Unit:     p.Size.Unit,
			Labeler:  p.Labeler,
			IsActive: p.Active(),
		})
	}
	return out
}

// Directions renders structured directions as text.
func Directions(req dispense.PrescriptionRequirement, form string) string {
	unit := strings.ToLower(form)
	if unit == "" {
		unit = "unit"
	}
	return fmt.Sprintf("Take %g %s %g time(s) daily for %d days",
		req.DosePerAdministration, unit, req.FrequencyPerDay, req.DaysSupply)
}

// Prompt returns the system and user prompts for req.
func Prompt(req Request) (string, string, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode advisory request: %w", err)
	}
	user := "Recommend packages for this prescription:\n\n" + string(body)
	return systemPrompt, user, nil
}
