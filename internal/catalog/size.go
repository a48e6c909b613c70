// Package catalog turns packaging-catalog products into structured package records.
package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/drfirst/go-ndc/internal/dispense"
)

var (
	// "30 TABLET in 1 BOTTLE"
	sizeWithContainer = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z][a-z ,\-]*?)\s+in\s+(\d+(?:\.\d+)?)\s+([a-z][a-z ,\-]*?)\s*$`)
	// "100 mL"
	sizeWithUnit = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]+)`)
	// last resort: first number, last word
	firstNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)
	lastWord    = regexp.MustCompile(`(?i)([a-z]+)[^a-z]*$`)

	parenthetical = regexp.MustCompile(`\([^)]*\)`)
)

// unitSynonyms maps lower-cased unit spellings to a canonical token.
var unitSynonyms = map[string]string{
	"tablet": "TABLET", "tablets": "TABLET", "tab": "TABLET", "tabs": "TABLET",
	"capsule": "CAPSULE", "capsules": "CAPSULE", "cap": "CAPSULE", "caps": "CAPSULE",
	"ml": "ML", "mls": "ML", "milliliter": "ML", "milliliters": "ML", "millilitre": "ML", "cc": "ML",
	"l": "L", "liter": "L", "liters": "L", "litre": "L",
	"g": "G", "gm": "G", "gram": "G", "grams": "G",
	"mg": "MG", "milligram": "MG", "milligrams": "MG",
	"kg": "KG",
	"oz": "OZ", "ounce": "OZ", "ounces": "OZ",
	"patch": "PATCH", "patches": "PATCH",
	"suppository": "SUPPOSITORY", "suppositories": "SUPPOSITORY",
	"lozenge": "LOZENGE", "lozenges": "LOZENGE", "troche": "LOZENGE",
	"film": "FILM", "films": "FILM",
	"actuation": "ACTUATION", "actuations": "ACTUATION", "aerosol": "ACTUATION", "spray": "ACTUATION", "sprays": "ACTUATION",
	"inhaler": "INHALER", "inhalers": "INHALER",
	"vial": "VIAL", "vials": "VIAL",
	"ampule": "AMPULE", "ampules": "AMPULE", "ampoule": "AMPULE",
	"syringe": "SYRINGE", "syringes": "SYRINGE",
	"pen": "PEN", "pens": "PEN",
	"kit": "KIT", "kits": "KIT",
	"pouch": "POUCH", "packet": "PACKET", "packets": "PACKET",
	"each": "EACH", "ea": "EACH", "unit": "EACH", "units": "EACH",
}

// NormalizeUnit maps unit spellings ("Tablets", "milliliter", "TABLET, FILM COATED")
// to a canonical upper-case token.
func NormalizeUnit(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.IndexByte(u, ','); i >= 0 {
		u = u[:i]
	}
	u = strings.ToLower(strings.TrimSpace(u))
	if canon, ok := unitSynonyms[u]; ok {
		return canon
	}
	// "metered dose" style two-word units key on the first word
	if i := strings.IndexByte(u, ' '); i > 0 {
		if canon, ok := unitSynonyms[u[:i]]; ok {
			return canon
		}
	}
	return strings.ToUpper(u)
}

type sizeSegment struct {
	quantity  float64
	unit      string
	container float64
}

// ParsePackageSize parses a packaging description such as
// "1 BOTTLE in 1 CARTON (0093-4155-73) > 100 mL in 1 BOTTLE".
// Nested segments separated by ">" multiply through their outer counts; the
// unit is taken from the innermost segment.
func ParsePackageSize(description string) (dispense.PackageSize, error) {
	size := dispense.PackageSize{RawText: description}

	cleaned := parenthetical.ReplaceAllString(description, " ")
	parts := strings.Split(cleaned, ">")

	var segments []sizeSegment
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		seg, ok := parseSegment(part)
		if !ok {
			return size, fmt.Errorf("unparseable package size %q", description)
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return size, fmt.Errorf("empty package size %q", description)
	}

	total := 1.0
	for _, seg := range segments {
		total *= seg.quantity
		if seg.container > 0 {
			total /= seg.container
		}
	}
	if !(total > 0) {
		return size, fmt.Errorf("non-positive package size %q", description)
	}

	size.Quantity = total
	size.Unit = segments[len(segments)-1].unit
	return size, nil
}

func parseSegment(s string) (sizeSegment, bool) {
	if m := sizeWithContainer.FindStringSubmatch(s); m != nil {
		q, err1 := strconv.ParseFloat(m[1], 64)
		c, err2 := strconv.ParseFloat(m[3], 64)
		if err1 == nil && err2 == nil {
			return sizeSegment{quantity: q, unit: NormalizeUnit(m[2]), container: c}, true
		}
	}

	if m := sizeWithUnit.FindStringSubmatch(s); m != nil {
		if q, err := strconv.ParseFloat(m[1], 64); err == nil {
			return sizeSegment{quantity: q, unit: NormalizeUnit(m[2])}, true
		}
	}

	num := firstNumber.FindString(s)
	word := lastWord.FindStringSubmatch(s)
	if num == "" || word == nil {
		return sizeSegment{}, false
	}
	q, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return sizeSegment{}, false
	}
	return sizeSegment{quantity: q, unit: NormalizeUnit(word[1])}, true
}
