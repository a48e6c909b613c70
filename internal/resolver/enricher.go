package resolver

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/rxnorm"
)

// dosageForms is matched in order against the lower-cased name; first hit wins.
// Injectable and inhaled forms come before solution/suspension so that
// "Injectable Solution" resolves to INJECTION.
var dosageForms = []struct {
	needle string
	form   string
}{
	{"injectable", "INJECTION"},
	{"injection", "INJECTION"},
	{"inhalation", "INHALER"},
	{"inhaler", "INHALER"},
	{"transdermal", "PATCH"},
	{"patch", "PATCH"},
	{"suppository", "SUPPOSITORY"},
	{"tablet", "TABLET"},
	{"capsule", "CAPSULE"},
	{"suspension", "SUSPENSION"},
	{"solution", "SOLUTION"},
	{"syrup", "SYRUP"},
	{"elixir", "ELIXIR"},
	{"cream", "CREAM"},
	{"ointment", "OINTMENT"},
	{"gel", "GEL"},
	{"lotion", "LOTION"},
	{"spray", "SPRAY"},
	{"drops", "DROPS"},
	{"powder", "POWDER"},
	{"lozenge", "LOZENGE"},
	{"granules", "GRANULES"},
}

// routeWords are stripped with the dosage form when deriving a base name.
var routeWords = []string{
	"oral", "topical", "ophthalmic", "otic", "nasal", "rectal", "vaginal",
	"sublingual", "buccal", "inhalant", "prefilled", "extended release",
	"delayed release", "chewable", "disintegrating",
}

var hourPattern = regexp.MustCompile(`(?i)\b\d+\s*hr\b`)

const numberPattern = `\d+(?:\.\d+)?`
const unitPattern = `(?:mg|mcg|µg|g|meq|unt|units?|iu|ml)`
const perUnitPattern = `(?:ml|l|g|mg|actuat|hr)`

// strengthPatterns are tried most-specific first: ratio, percentage, simple.
var strengthPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(` + numberPattern + `)\s*(` + unitPattern + `)\s*/\s*(` + numberPattern + `)?\s*(` + perUnitPattern + `)\b`),
	regexp.MustCompile(`(?i)\b(` + numberPattern + `)\s*%`),
	regexp.MustCompile(`(?i)\b(` + numberPattern + `)\s*(` + unitPattern + `)\b`),
}

var bracketPattern = regexp.MustCompile(`\[([^\]]+)\]`)

var lowerCaser = cases.Lower(language.English)

// ParsedName is a drug name decomposed into its parts.
type ParsedName struct {
	BaseName   string
	DosageForm string
	Strength   string
	BrandName  string
}

// ExtractDosageForm returns the canonical dosage form found in name, or "".
func ExtractDosageForm(name string) string {
	form, _ := matchDosageForm(name)
	return form
}

func matchDosageForm(name string) (form, needle string) {
	lower := strings.ToLower(name)
	for _, df := range dosageForms {
		if strings.Contains(lower, df.needle) {
			return df.form, df.needle
		}
	}
	return "", ""
}

// ExtractStrength returns the normalized strength found in name, or "".
func ExtractStrength(name string) string {
	s, _ := matchStrength(name)
	return s
}

func matchStrength(name string) (strength, matched string) {
	for i, re := range strengthPatterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		switch i {
		case 0:
			denom := m[3]
			if denom == "" {
				return m[1] + " " + strings.ToUpper(m[2]) + "/" + strings.ToUpper(m[4]), m[0]
			}
			return m[1] + " " + strings.ToUpper(m[2]) + "/" + denom + " " + strings.ToUpper(m[4]), m[0]
		case 1:
			return m[1] + "%", m[0]
		default:
			return m[1] + " " + strings.ToUpper(m[2]), m[0]
		}
	}
	return "", ""
}

// ParseName extracts dosage form, strength and brand, and strips them to a base name.
func ParseName(name string) ParsedName {
	var p ParsedName
	rest := name

	if m := bracketPattern.FindStringSubmatch(rest); m != nil {
		p.BrandName = strings.TrimSpace(m[1])
		rest = strings.Replace(rest, m[0], " ", 1)
	}

	if s, matched := matchStrength(rest); s != "" {
		p.Strength = s
		rest = strings.Replace(rest, matched, " ", 1)
	}

	if form, needle := matchDosageForm(rest); form != "" {
		p.DosageForm = form
		rest = removeFold(rest, needle)
	}
	rest = hourPattern.ReplaceAllString(rest, " ")
	for _, w := range routeWords {
		rest = removeWord(rest, w)
	}

	p.BaseName = strings.Join(strings.Fields(rest), " ")
	return p
}

// removeFold deletes the first case-insensitive occurrence of needle.
func removeFold(s, needle string) string {
	idx := strings.Index(strings.ToLower(s), needle)
	if idx < 0 {
		return s
	}
	return s[:idx] + " " + s[idx+len(needle):]
}

func removeWord(s, word string) string {
	fields := strings.Fields(s)
	wordFields := strings.Fields(word)
	out := fields[:0:0]
	for i := 0; i < len(fields); i++ {
		if i+len(wordFields) <= len(fields) && equalFoldSlice(fields[i:i+len(wordFields)], wordFields) {
			i += len(wordFields) - 1
			continue
		}
		out = append(out, fields[i])
	}
	return strings.Join(out, " ")
}

func equalFoldSlice(a, b []string) bool {
	for i := range b {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// IdentityFromProperties builds an identity from catalog properties.
func IdentityFromProperties(props *rxnorm.Properties, confidence float64) dispense.ResolvedIdentity {
	parsed := ParseName(props.Name)
	id := dispense.ResolvedIdentity{
		ID:            props.ID,
		CanonicalName: props.Name,
		DosageForm:    parsed.DosageForm,
		Strength:      parsed.Strength,
		TermType:      props.TermType,
		Synonyms:      dispense.SynonymSet([]string{props.Synonym}),
		Confidence:    dispense.ClampConfidence(confidence),
	}
	switch props.TermType {
	case dispense.TermBrandName:
		id.BrandName = props.Name
	case dispense.TermBrandedDrug, dispense.TermBrandedDrugForm:
		id.BrandName = parsed.BrandName
		id.GenericName = lowerCaser.String(parsed.BaseName)
	default:
		id.GenericName = lowerCaser.String(parsed.BaseName)
		if parsed.BrandName != "" {
			id.BrandName = parsed.BrandName
		}
	}
	return id
}

// MergeDrugInformation combines records describing the same identity.
// Records are grouped by ID in first-seen order; each merged record unions
// synonyms, keeps the maximum confidence and fills unset fields from the
// first record that defines them.
func MergeDrugInformation(records []dispense.ResolvedIdentity) []dispense.ResolvedIdentity {
	index := make(map[string]int)
	var merged []dispense.ResolvedIdentity

	for _, rec := range records {
		i, ok := index[rec.ID]
		if !ok {
			index[rec.ID] = len(merged)
			merged = append(merged, rec.WithConfidence(rec.Confidence))
			continue
		}

		m := merged[i]
		m.Synonyms = dispense.SynonymSet(m.Synonyms, rec.Synonyms)
		if rec.Confidence > m.Confidence {
			m.Confidence = dispense.ClampConfidence(rec.Confidence)
		}
		fillString(&m.CanonicalName, rec.CanonicalName)
		fillString(&m.GenericName, rec.GenericName)
		fillString(&m.BrandName, rec.BrandName)
		fillString(&m.DosageForm, rec.DosageForm)
		fillString(&m.Strength, rec.Strength)
		if m.TermType == "" {
			m.TermType = rec.TermType
		}
		merged[i] = m
	}
	return merged
}

func fillString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// dedupeByID keeps the first occurrence of each identity ID.
func dedupeByID(ids []dispense.ResolvedIdentity) []dispense.ResolvedIdentity {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id.ID]; ok {
			continue
		}
		seen[id.ID] = struct{}{}
		out = append(out, id)
	}
	return out
}
