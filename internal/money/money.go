// Package money wraps the decimal arithmetic shared by the ledger and loan
// engines. Amounts are KES with two-decimal display rounding; comparisons
// tolerate a small epsilon so repeated installment divisions never leave a
// balance stuck at a fraction of a cent.
package money

import "github.com/shopspring/decimal"

// Epsilon is the tolerance used when comparing stored against recomputed
// totals and when deciding that a loan balance has reached zero.
var Epsilon = decimal.NewFromFloat(0.001)

// Round2 rounds to two decimal places for storage and display.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Equal reports whether a and b differ by no more than Epsilon.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// IsSettled reports whether a balance is zero for accounting purposes.
func IsSettled(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(Epsilon)
}

// ClampZero floors negative amounts at zero.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// SumPositive sums only the positive amounts in the list. Legacy deduction
// rows carry negative amounts and never count toward a balance.
func SumPositive(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		if a.IsPositive() {
			total = total.Add(a)
		}
	}
	return total
}

// Installment amortizes remaining evenly over the periods left. The final
// period pays the exact balance so rounding can never strand a remainder.
func Installment(remaining decimal.Decimal, periodsLeft int) decimal.Decimal {
	if periodsLeft <= 1 {
		return remaining
	}
	return remaining.Div(decimal.NewFromInt(int64(periodsLeft))).Round(2)
}

// MulInt multiplies an amount by a count (monthly amount x members).
func MulInt(d decimal.Decimal, n int) decimal.Decimal {
	return d.Mul(decimal.NewFromInt(int64(n)))
}
