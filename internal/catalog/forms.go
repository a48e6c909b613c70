package catalog

import (
	"strings"

	"github.com/drfirst/go-ndc/internal/dispense"
)

// packageForms maps the leading word of a catalog dosage form ("TABLET, FILM
// COATED", "INJECTION, SOLUTION") to the identity vocabulary.
var packageForms = map[string]string{
	"TABLET":      "TABLET",
	"CAPSULE":     "CAPSULE",
	"SOLUTION":    "SOLUTION",
	"SUSPENSION":  "SUSPENSION",
	"SYRUP":       "SYRUP",
	"ELIXIR":      "ELIXIR",
	"CONCENTRATE": "SOLUTION",
	"INJECTION":   "INJECTION",
	"INJECTABLE":  "INJECTION",
	"AEROSOL":     "INHALER",
	"INHALANT":    "INHALER",
	"INHALER":     "INHALER",
	"PATCH":       "PATCH",
	"SYSTEM":      "PATCH",
	"SUPPOSITORY": "SUPPOSITORY",
	"CREAM":       "CREAM",
	"OINTMENT":    "OINTMENT",
	"GEL":         "GEL",
	"LOTION":      "LOTION",
	"SPRAY":       "SPRAY",
	"DROPS":       "DROPS",
	"POWDER":      "POWDER",
	"GRANULE":     "GRANULES",
	"LOZENGE":     "LOZENGE",
	"TROCHE":      "LOZENGE",
}

// compatibleForms lists, per identity form, the package forms that can fill it.
var compatibleForms = map[string][]string{
	"TABLET":      {"TABLET"},
	"CAPSULE":     {"CAPSULE"},
	"SOLUTION":    {"SOLUTION", "SYRUP", "ELIXIR", "DROPS"},
	"SYRUP":       {"SYRUP", "SOLUTION"},
	"ELIXIR":      {"ELIXIR", "SOLUTION"},
	"SUSPENSION":  {"SUSPENSION", "POWDER"},
	"INJECTION":   {"INJECTION", "SOLUTION", "POWDER"},
	"INHALER":     {"INHALER", "SPRAY"},
	"PATCH":       {"PATCH"},
	"SUPPOSITORY": {"SUPPOSITORY"},
	"CREAM":       {"CREAM"},
	"OINTMENT":    {"OINTMENT"},
	"GEL":         {"GEL"},
	"LOTION":      {"LOTION", "CREAM"},
	"SPRAY":       {"SPRAY", "INHALER"},
	"DROPS":       {"DROPS", "SOLUTION"},
	"POWDER":      {"POWDER"},
	"GRANULES":    {"GRANULES", "POWDER"},
	"LOZENGE":     {"LOZENGE"},
}

// CanonicalForm maps a catalog dosage form to the identity vocabulary.
func CanonicalForm(form string) string {
	f := strings.ToUpper(strings.TrimSpace(form))
	if i := strings.IndexByte(f, ','); i >= 0 {
		f = strings.TrimSpace(f[:i])
	}
	if canon, ok := packageForms[f]; ok {
		return canon
	}
	if i := strings.IndexByte(f, ' '); i > 0 {
		if canon, ok := packageForms[f[:i]]; ok {
			return canon
		}
	}
	return f
}

// FormsCompatible reports whether a package form can fill an identity form.
// An unknown identity form accepts everything.
func FormsCompatible(identityForm, packageForm string) bool {
	if identityForm == "" {
		return true
	}
	pf := CanonicalForm(packageForm)
	if pf == identityForm {
		return true
	}
	for _, f := range compatibleForms[identityForm] {
		if f == pf {
			return true
		}
	}
	return false
}

// FilterByDosageForm returns the packages compatible with form.
func FilterByDosageForm(pkgs []dispense.PackageRecord, form string) []dispense.PackageRecord {
	var out []dispense.PackageRecord
	for _, p := range pkgs {
		if FormsCompatible(form, p.DosageForm) {
			out = append(out, p)
		}
	}
	return out
}
