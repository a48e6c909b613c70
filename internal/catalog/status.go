package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-ndc/internal/dispense"
)

// catalogDateLayout is the YYYYMMDD form used by the packaging catalog
const catalogDateLayout = "20060102"

func parseCatalogDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{catalogDateLayout, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// MarketingStatusFromDates derives marketing status from catalog dates.
// An end date means discontinued; a start date alone means active; an expired
// listing means expired; nothing at all is unknown. Only active is dispensable.
func MarketingStatusFromDates(start, end, listingExpiration string, now time.Time) dispense.MarketingStatus {
	ms := dispense.MarketingStatus{
		StartDate: parseCatalogDate(start),
		EndDate:   parseCatalogDate(end),
	}

	switch {
	case ms.EndDate != nil:
		ms.Status = dispense.MarketingDiscontinued
	case expired(listingExpiration, now):
		ms.Status = dispense.MarketingExpired
	case ms.StartDate != nil:
		ms.Status = dispense.MarketingActive
		ms.IsActive = true
	default:
		ms.Status = dispense.MarketingUnknown
	}
	return ms
}

func expired(listingExpiration string, now time.Time) bool {
	t := parseCatalogDate(listingExpiration)
	return t != nil && t.Before(now)
}

// InactiveReason explains why a package is not dispensable, or "" if it is.
func InactiveReason(p dispense.PackageRecord) string {
	ms := p.MarketingStatus
	if ms.IsActive {
		return ""
	}
	switch ms.Status {
	case dispense.MarketingDiscontinued:
		if ms.EndDate != nil {
			return fmt.Sprintf("discontinued as of %s", ms.EndDate.Format("2006-01-02"))
		}
		return "discontinued"
	case dispense.MarketingExpired:
		return "catalog listing expired"
	default:
		return "marketing status unknown"
	}
}
