package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/apperr"
)

// Quantities are stored as NUMERIC(38, 18)
const (
	maxScale         = 18
	maxIntegerDigits = 38 - maxScale
	// coefficients wider than this cannot fit 38 digits at any exponent in range
	maxCoefficientBits = 256
)

// CheckQuantity rejects an amount or price the order book cannot store. The
// cheap exponent checks run first so absurd inputs never reach arithmetic.
func CheckQuantity(field string, d decimal.Decimal) error {
	exp := int(d.Exponent())
	switch {
	case exp > maxIntegerDigits:
		return apperr.Validation("%s is too large", field)
	case exp < -(maxScale + 38):
		return apperr.Validation("%s has more than %d decimal places", field, maxScale)
	case d.Coefficient().BitLen() > maxCoefficientBits:
		return apperr.Validation("%s has too many digits", field)
	case !d.Equal(d.Truncate(maxScale)):
		return apperr.Validation("%s has more than %d decimal places", field, maxScale)
	case d.NumDigits()+exp > maxIntegerDigits:
		return apperr.Validation("%s is too large", field)
	}
	return nil
}

// TotalValue is amount × price rounded to the stored scale. Both inputs must
// already have passed CheckQuantity.
func TotalValue(amount, price decimal.Decimal) (decimal.Decimal, error) {
	total := amount.Mul(price).Round(maxScale)
	if total.NumDigits()+int(total.Exponent()) > maxIntegerDigits {
		return decimal.Decimal{}, apperr.Validation("total_value is too large")
	}
	return total, nil
}
