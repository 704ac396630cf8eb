// Package executor implements Stage 2: the dual-limit entry executor
// that drives a claimed Signal from CLAIMED to a terminal DAG state.
package executor

import (
	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
)

// ComputeSizing derives notional/leverage/quantity from the risk
// budget and the signal's entry/stop distance:
//
//	Δprice = |entry - sl| / entry
//	notional = risk_per_trade * balance / Δprice
//	leverage = clamp(notional / initial_margin_plan, minLeverage, maxLeverage), rounded to 0.01
//	Q = qty_quantize(notional / entry, qty_step, min_qty)
func ComputeSizing(entry, sl, balance, riskPerTrade, initialMarginPlan, minLeverage, maxLeverage, qtyStep, minQty decimal.Decimal) (notional, leverage, qty decimal.Decimal) {
	deltaPrice := entry.Sub(sl).Abs().Div(entry)
	if deltaPrice.IsZero() {
		return decimal.Zero, minLeverage, decimal.Zero
	}

	notional = riskPerTrade.Mul(balance).Div(deltaPrice)
	leverage = decimalx.Clamp(notional.Div(initialMarginPlan), minLeverage, maxLeverage).Round(2)
	qty = decimalx.QtyQuantize(notional.Div(entry), qtyStep, minQty)
	return notional, leverage, qty
}

// ComputeDualLimitPrices computes the pre-maker-safety pair of limit
// prices straddling entry by spread (already tick-quantized).
func ComputeDualLimitPrices(entry, spread, tickSize decimal.Decimal) (p1, p2 decimal.Decimal) {
	p1 = decimalx.TickQuantize(entry.Sub(spread), tickSize)
	p2 = decimalx.TickQuantize(entry.Add(spread), tickSize)
	return p1, p2
}

// EnsureMakerSafePrices shifts p1/p2 by tickSize, up to maxShifts
// times, until both sides clear the last-traded-price maker-safety
// rule: for a BUY, both prices must sit strictly below ltp; for a
// SELL, both must sit strictly above it.
func EnsureMakerSafePrices(isBuy bool, p1, p2, ltp, tickSize decimal.Decimal, maxShifts int) (decimal.Decimal, decimal.Decimal) {
	if tickSize.IsZero() {
		return p1, p2
	}
	for i := 0; i < maxShifts; i++ {
		if isBuy {
			if p1.LessThan(ltp) && p2.LessThan(ltp) {
				return p1, p2
			}
			p1 = p1.Sub(tickSize)
			p2 = p2.Sub(tickSize)
		} else {
			if p1.GreaterThan(ltp) && p2.GreaterThan(ltp) {
				return p1, p2
			}
			p1 = p1.Add(tickSize)
			p2 = p2.Add(tickSize)
		}
	}
	return p1, p2
}

// SplitQty divides total into two tranches, quantized to step/minQty,
// with the second tranche absorbing whatever the first's rounding
// dropped so the pair always sums back to a value ≤ total.
func SplitQty(total, step, minQty decimal.Decimal) (q1, q2 decimal.Decimal) {
	half := total.Div(decimal.NewFromInt(2))
	q1 = decimalx.QtyQuantize(half, step, minQty)
	q2 = decimalx.QtyQuantize(total.Sub(q1), step, minQty)
	return q1, q2
}

// MergeResidualPrice computes the single-order replacement price that
// keeps the blended average exactly at entry given Q total, observed
// (f, N) = (filled qty, filled notional) on the cancelled originals,
// and remaining R = Q - f:
//
//	p_r = (entry*Q - N) / R
func MergeResidualPrice(entry, q, filledQty, filledNotional, tickSize decimal.Decimal) decimal.Decimal {
	remaining := q.Sub(filledQty)
	if remaining.Sign() <= 0 {
		return decimal.Zero
	}
	pr := entry.Mul(q).Sub(filledNotional).Div(remaining)
	return decimalx.TickQuantize(pr, tickSize)
}
