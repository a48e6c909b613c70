// Package optimizer computes required quantities and picks the packages that
// fill them with the least waste.
package optimizer

import (
	"math"

	"github.com/drfirst/go-ndc/internal/dispense"
)

// epsilon absorbs float error so that 0.1*3*10 rounds to 3, not 4
const epsilon = 1e-9

// Calculate returns ceil(dose * frequency * daysSupply).
func Calculate(dose, frequency float64, daysSupply int) (int, error) {
	req := dispense.PrescriptionRequirement{
		DosePerAdministration: dose,
		FrequencyPerDay:       frequency,
		DaysSupply:            daysSupply,
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	raw := dose * frequency * float64(daysSupply)
	if math.IsInf(raw, 0) || math.IsNaN(raw) {
		return 0, dispense.NewError(dispense.KindInvalidRequirement, "quantity out of range", nil)
	}
	return int(math.Ceil(raw - epsilon)), nil
}

// TotalQuantity is Calculate applied to a requirement.
func TotalQuantity(req dispense.PrescriptionRequirement) (int, error) {
	return Calculate(req.DosePerAdministration, req.FrequencyPerDay, req.DaysSupply)
}
