package optimizer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/drfirst/go-ndc/internal/dispense"
)

// Options tune the optimizer
type Options struct {
	// WasteThresholdPercent drops candidates wasting this share or more
	WasteThresholdPercent float64
	// PreferSinglePackage ranks a single covering package ahead of
	// multi-package fills before comparing waste. Zero-waste fills still come first
	PreferSinglePackage bool
	// MaxAlternatives bounds Recommend's alternatives; negative means unbounded
	MaxAlternatives int
}

// DefaultOptions returns the standard thresholds
func DefaultOptions() Options {
	return Options{
		WasteThresholdPercent: 20,
		PreferSinglePackage:   true,
		MaxAlternatives:       4,
	}
}

// Optimize ranks the active packages that can supply required units.
// The first choice is the recommended one. Inactive packages are never returned.
func Optimize(required int, packages []dispense.PackageRecord, opts Options) ([]dispense.PackageChoice, error) {
	if required <= 0 {
		return nil, &dispense.Error{
			Kind:    dispense.KindInvalidRequirement,
			Message: "required quantity must be greater than 0",
			Details: map[string]string{"required": fmt.Sprint(required)},
		}
	}

	var active []dispense.PackageRecord
	for _, p := range packages {
		if p.Active() && p.Size.Quantity > 0 {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, &dispense.Error{
			Kind:    dispense.KindNoActivePackages,
			Message: "no actively marketed packages available",
			Details: map[string]string{"packages": fmt.Sprint(len(packages))},
		}
	}

	req := float64(required)

	var exact []dispense.PackageChoice
	for _, p := range active {
		if math.Abs(p.Size.Quantity-req) < epsilon {
			c := choice(p, 1, req)
			c.Reasoning = fmt.Sprintf("Exact match: one package of %s supplies the required %s with no waste",
				formatQty(p.Size.Quantity, p.Size.Unit), formatQty(req, p.Size.Unit))
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 {
		sort.SliceStable(exact, func(i, j int) bool { return exact[i].Code < exact[j].Code })
		return exact, nil
	}

	var candidates []dispense.PackageChoice
	for _, p := range active {
		n := int(math.Ceil(req/p.Size.Quantity - epsilon))
		c := choice(p, n, req)
		if c.WastePercentage >= opts.WasteThresholdPercent {
			continue
		}
		c.Reasoning = reasoning(c, req)
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		largest := active[0]
		for _, p := range active[1:] {
			if p.Size.Quantity > largest.Size.Quantity ||
				(p.Size.Quantity == largest.Size.Quantity && p.Code < largest.Code) {
				largest = p
			}
		}
		n := int(math.Ceil(req/largest.Size.Quantity - epsilon))
		c := choice(largest, n, req)
		c.Reasoning = fmt.Sprintf("No package fills %s within %.0f%% waste; using the largest package. %s",
			formatQty(req, largest.Size.Unit), opts.WasteThresholdPercent, reasoning(c, req))
		return []dispense.PackageChoice{c}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.Waste == 0) != (b.Waste == 0) {
			return a.Waste == 0
		}
		if opts.PreferSinglePackage && (a.NumberOfPackages == 1) != (b.NumberOfPackages == 1) {
			return a.NumberOfPackages == 1
		}
		if a.WastePercentage != b.WastePercentage {
			return a.WastePercentage < b.WastePercentage
		}
		if a.NumberOfPackages != b.NumberOfPackages {
			return a.NumberOfPackages < b.NumberOfPackages
		}
		return a.Code < b.Code
	})
	return candidates, nil
}

// Recommend wraps Optimize into a recommendation produced by the algorithm.
func Recommend(required int, packages []dispense.PackageRecord, opts Options) (dispense.Recommendation, error) {
	choices, err := Optimize(required, packages, opts)
	if err != nil {
		return dispense.Recommendation{}, err
	}
	rec := dispense.Recommendation{
		Primary:      choices[0],
		Alternatives: choices[1:],
	}
	if opts.MaxAlternatives >= 0 && len(rec.Alternatives) > opts.MaxAlternatives {
		rec.Alternatives = rec.Alternatives[:opts.MaxAlternatives]
	}
	if rec.Alternatives == nil {
		rec.Alternatives = []dispense.PackageChoice{}
	}
	return rec, nil
}

func choice(p dispense.PackageRecord, n int, required float64) dispense.PackageChoice {
	dispensed := float64(n) * p.Size.Quantity
	waste := dispensed - required
	if waste < epsilon {
		waste = 0
	}
	pct := 0.0
	if dispensed > 0 {
		pct = round2(waste / dispensed * 100)
	}
	return dispense.PackageChoice{
		Code:               p.Code,
		Size:               p.Size.Quantity,
		Unit:               p.Size.Unit,
		QuantityToDispense: dispensed,
		NumberOfPackages:   n,
		Waste:              round2(waste),
		WastePercentage:    pct,
		Source:             dispense.SourceAlgorithm,
		Labeler:            p.Labeler,
	}
}

func reasoning(c dispense.PackageChoice, required float64) string {
	switch {
	case c.Waste == 0 && c.NumberOfPackages == 1:
		return fmt.Sprintf("Exact match: one package of %s supplies the required %s with no waste",
			formatQty(c.Size, c.Unit), formatQty(required, c.Unit))
	case c.Waste == 0:
		return fmt.Sprintf("%d packages of %s supply exactly the required %s",
			c.NumberOfPackages, formatQty(c.Size, c.Unit), formatQty(required, c.Unit))
	case c.NumberOfPackages == 1:
		return fmt.Sprintf("One package of %s covers the required %s with %s (%.1f%%) left over",
			formatQty(c.Size, c.Unit), formatQty(required, c.Unit), formatQty(c.Waste, c.Unit), c.WastePercentage)
	default:
		return fmt.Sprintf("%d packages of %s (%s total) cover the required %s with %s (%.1f%%) left over",
			c.NumberOfPackages, formatQty(c.Size, c.Unit), formatQty(c.QuantityToDispense, c.Unit),
			formatQty(required, c.Unit), formatQty(c.Waste, c.Unit), c.WastePercentage)
	}
}

func formatQty(q float64, unit string) string {
	s := fmt.Sprintf("%g", round2(q))
	if unit == "" {
		return s
	}
	return s + " " + strings.ToUpper(unit)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
