// Package decimalx collects the arbitrary-precision arithmetic helpers
// shared by every stage. Prices, quantities, and PnL never touch
// float64; everything routes through shopspring/decimal with half-up
// rounding at the tick/step boundary.
package decimalx

import (
	"github.com/shopspring/decimal"
)

// TickQuantize rounds x to the nearest multiple of tick using half-up
// rounding. A non-positive tick is treated as "no quantization."
func TickQuantize(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	rounded := roundHalfUp(x.Div(tick))
	return rounded.Mul(tick)
}

// QtyQuantize rounds x down to the nearest multiple of step that is
// still >= minQty, per exchange lot-size rules. If the floored amount
// is below minQty, it returns zero (caller must treat that as "too
// small to place").
func QtyQuantize(x, step, minQty decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return x
	}
	units := x.Div(step).Floor()
	q := units.Mul(step)
	if q.LessThan(minQty) {
		return decimal.Zero
	}
	return q
}

// roundHalfUp rounds a decimal to the nearest integer, ties away from zero.
func roundHalfUp(x decimal.Decimal) decimal.Decimal {
	if x.Sign() >= 0 {
		return x.Add(decimal.NewFromFloat(0.5)).Floor()
	}
	return x.Sub(decimal.NewFromFloat(0.5)).Ceil()
}

// PercentDiff returns |a-b|/|a| as a fraction (0.05 == 5%), matching the
// dedup comparator: the reference value `a` is the denominator, and a
// zero reference is treated as maximally different (1.00) rather than
// dividing by zero.
func PercentDiff(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return decimal.NewFromInt(1)
	}
	return a.Sub(b).Abs().Div(a.Abs())
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.LessThan(lo) {
		return lo
	}
	if x.GreaterThan(hi) {
		return hi
	}
	return x
}

// MustParse is a convenience wrapper for call sites that already know
// the literal is well-formed (config defaults, test fixtures).
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("decimalx: invalid literal " + s)
	}
	return d
}

// ParseOrZero parses s, returning zero for an empty or malformed
// string. Used for store-side fields that start out unset, such as a
// freshly tracked order's last-executed-quantity.
func ParseOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
