package ledger

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// MinorUnits returns the number of decimals of the ISO 4217 currency.
func MinorUnits(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("%w: ledger: unknown currency %q", shared.ErrValidation, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}
