package money

import "github.com/shopspring/decimal"

// ApplicationTolerance is how far a remainder may sit from zero before a
// payment still counts as fully applied. Two-place currencies can leave
// sub-cent residue when amounts arrive through float-typed gateways.
var ApplicationTolerance = decimal.NewFromFloat(0.01)

// Round2 rounds to 2 decimal places, the precision every supported currency
// settles at.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Sum adds a slice of amounts without intermediate rounding.
func Sum(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// FloorZero clamps a negative amount to zero.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// WithinTolerance reports whether d is within ApplicationTolerance of zero.
func WithinTolerance(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(ApplicationTolerance)
}
