package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/dispense"
	"github.com/drfirst/go-ndc/internal/openfda"
)

// PackageSource is the packaging catalog
type PackageSource interface {
	SearchByIdentity(ctx context.Context, id string, limit, skip int) (*openfda.SearchResult, error)
}

// Config holds paging limits
type Config struct {
	PageSize int
	MaxPages int
}

// DefaultConfig returns the standard paging limits
func DefaultConfig() Config {
	return Config{PageSize: openfda.MaxLimit, MaxPages: 5}
}

// Filters narrow the fetched packages
type Filters struct {
	// DosageForm keeps compatible packages; when nothing is compatible the
	// filter is relaxed and a warning is returned.
	DosageForm string
	ActiveOnly bool
}

// Listing is the outcome of a package fetch.
type Listing struct {
	Packages []dispense.PackageRecord   `json:"packages"`
	Excluded []dispense.ExcludedPackage `json:"excluded,omitempty"`
	Warnings []string                   `json:"warnings,omitempty"`
}

// Adapter fetches and normalizes package records for an identity.
type Adapter struct {
	source PackageSource
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewAdapter creates a catalog adapter
func NewAdapter(source PackageSource, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = openfda.MaxLimit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	return &Adapter{
		source: source,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("catalog"),
		now:    time.Now,
	}
}

// FetchPackages returns the package records for identity.
// Fails with NO_PACKAGES_FOUND when the catalog has none and
// UPSTREAM_SERVICE_ERROR when the catalog cannot be reached.
func (a *Adapter) FetchPackages(ctx context.Context, identity dispense.ResolvedIdentity, f Filters, trail *dispense.Trail) (*Listing, error) {
	ctx, span := a.tracer.Start(ctx, "fetch_packages", trace.WithAttributes(attribute.String("rxcui", identity.ID)))
	defer span.End()

	products, err := a.fetchAll(ctx, identity.ID)
	if err != nil {
		trail.Add("catalog.fetch", fmt.Sprintf("Packaging catalog lookup for RxCUI %s failed", identity.ID), nil)
		return nil, &dispense.Error{
			Kind:    dispense.KindUpstreamService,
			Message: "packaging catalog unavailable",
			Details: map[string]string{"rxcui": identity.ID},
			Cause:   err,
		}
	}

	listing := &Listing{}
	all := a.records(identity, products, listing)
	if len(all) == 0 {
		trail.Add("catalog.fetch", fmt.Sprintf("No packages listed for RxCUI %s", identity.ID),
			map[string]any{"products": len(products), "unusable": len(listing.Excluded)})
		return nil, &dispense.Error{
			Kind:    dispense.KindNoPackagesFound,
			Message: fmt.Sprintf("no packages found for %s", displayName(identity)),
			Details: map[string]string{"rxcui": identity.ID},
		}
	}
	trail.Add("catalog.fetch", fmt.Sprintf("Found %d packages across %d products", len(all), len(products)),
		map[string]any{"packages": len(all), "products": len(products)})

	pkgs := all
	if f.DosageForm != "" {
		compatible := FilterByDosageForm(all, f.DosageForm)
		if len(compatible) == 0 {
			msg := fmt.Sprintf("No packages match dosage form %s; showing all forms", f.DosageForm)
			listing.Warnings = append(listing.Warnings, msg)
			trail.Add("catalog.dosage_form", msg, nil)
		} else {
			for _, p := range all {
				if !FormsCompatible(f.DosageForm, p.DosageForm) {
					listing.Excluded = append(listing.Excluded, dispense.ExcludedPackage{
						Code:   p.Code,
						Reason: fmt.Sprintf("dosage form %s does not match %s", p.DosageForm, f.DosageForm),
					})
				}
			}
			pkgs = compatible
			trail.Add("catalog.dosage_form", fmt.Sprintf("%d of %d packages match dosage form %s", len(compatible), len(all), f.DosageForm), nil)
		}
	}

	if f.ActiveOnly {
		var active []dispense.PackageRecord
		for _, p := range pkgs {
			if reason := InactiveReason(p); reason != "" {
				listing.Excluded = append(listing.Excluded, dispense.ExcludedPackage{Code: p.Code, Reason: reason})
				continue
			}
			active = append(active, p)
		}
		trail.Add("catalog.marketing_status", fmt.Sprintf("%d of %d packages are actively marketed", len(active), len(pkgs)), nil)
		pkgs = active
	}

	dispense.SortPackages(pkgs)
	listing.Packages = pkgs
	return listing, nil
}

func (a *Adapter) fetchAll(ctx context.Context, id string) ([]openfda.Product, error) {
	var products []openfda.Product
	skip := 0
	for page := 0; page < a.config.MaxPages; page++ {
		res, err := a.source.SearchByIdentity(ctx, id, a.config.PageSize, skip)
		if err != nil {
			return nil, fmt.Errorf("search page %d: %w", page, err)
		}
		products = append(products, res.Results...)
		skip += len(res.Results)
		if len(res.Results) < a.config.PageSize || (res.Total > 0 && skip >= res.Total) {
			break
		}
	}
	return products, nil
}

// records flattens products into package records, deduplicating by code.
// Unusable packages are added to the listing's exclusions.
func (a *Adapter) records(identity dispense.ResolvedIdentity, products []openfda.Product, listing *Listing) []dispense.PackageRecord {
	now := a.now()
	seen := make(map[string]struct{})
	var out []dispense.PackageRecord

	for _, prod := range products {
		ingredients := make([]dispense.Ingredient, 0, len(prod.ActiveIngredients))
		for _, ai := range prod.ActiveIngredients {
			ingredients = append(ingredients, dispense.Ingredient{Name: ai.Name, Strength: ai.Strength})
		}

		for _, pkg := range prod.Packaging {
			code, err := NormalizeNDC(pkg.PackageCode)
			if err != nil {
				a.logger.Debug("skipping package with bad ndc",
					zap.String("ndc", pkg.PackageCode), zap.Error(err))
				listing.Excluded = append(listing.Excluded, dispense.ExcludedPackage{
					Code:   pkg.PackageCode,
					Reason: "invalid package code",
				})
				continue
			}
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}

			size, err := ParsePackageSize(pkg.Description)
			if err != nil {
				a.logger.Debug("skipping package with unparseable size",
					zap.String("ndc", code), zap.String("description", pkg.Description))
				listing.Excluded = append(listing.Excluded, dispense.ExcludedPackage{
					Code:   code,
					Reason: fmt.Sprintf("package size could not be read from %q", pkg.Description),
				})
				continue
			}

			out = append(out, dispense.PackageRecord{
				Code:              code,
				ProductCode:       prod.ProductCode,
				GenericName:       prod.GenericName,
				BrandName:         prod.BrandName,
				DosageForm:        strings.ToUpper(prod.DosageForm),
				Route:             prod.Route,
				Size:              size,
				ActiveIngredients: ingredients,
				MarketingStatus:   MarketingStatusFromDates(pkg.MarketingStartDate, pkg.MarketingEndDate, prod.ListingExpiration, now),
				Labeler:           prod.Labeler,
				IdentityID:        identity.ID,
			})
		}
	}
	return out
}

func displayName(identity dispense.ResolvedIdentity) string {
	if identity.CanonicalName != "" {
		return identity.CanonicalName
	}
	return "rxcui " + identity.ID
}
