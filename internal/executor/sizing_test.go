package executor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeSizingHappyPathLong(t *testing.T) {
	notional, leverage, qty := ComputeSizing(
		d("100.00"), d("98.00"), d("402.10"), d("0.02"), d("20.00"), d("1"), d("50"), d("0.001"), d("0.001"),
	)

	assert.True(t, notional.Equal(d("402.10")), "notional got %s", notional)
	assert.True(t, leverage.Equal(d("20.11")), "leverage got %s", leverage)
	assert.True(t, qty.Equal(d("4.021")), "qty got %s", qty)
}

func TestComputeSizingClampsLeverage(t *testing.T) {
	_, leverage, _ := ComputeSizing(d("100.00"), d("99.99"), d("402.10"), d("0.02"), d("20.00"), d("1"), d("50"), d("0.001"), d("0.001"))
	assert.True(t, leverage.Equal(d("50")), "leverage should clamp to max, got %s", leverage)
}

func TestComputeDualLimitPrices(t *testing.T) {
	p1, p2 := ComputeDualLimitPrices(d("100.00"), d("0.10"), d("0.01"))
	assert.True(t, p1.Equal(d("99.90")))
	assert.True(t, p2.Equal(d("100.10")))
}

func TestEnsureMakerSafePricesBuyShiftsDown(t *testing.T) {
	p1, p2 := EnsureMakerSafePrices(true, d("100.10"), d("100.30"), d("100.00"), d("0.01"), 50)
	assert.True(t, p1.LessThan(d("100.00")))
	assert.True(t, p2.LessThan(d("100.00")))
}

func TestEnsureMakerSafePricesSellShiftsUp(t *testing.T) {
	p1, p2 := EnsureMakerSafePrices(false, d("99.80"), d("99.70"), d("100.00"), d("0.01"), 50)
	assert.True(t, p1.GreaterThan(d("100.00")))
	assert.True(t, p2.GreaterThan(d("100.00")))
}

func TestEnsureMakerSafePricesLeavesAlreadySafePricesUnchanged(t *testing.T) {
	p1, p2 := EnsureMakerSafePrices(true, d("99.90"), d("99.95"), d("100.00"), d("0.01"), 50)
	assert.True(t, p1.Equal(d("99.90")))
	assert.True(t, p2.Equal(d("99.95")))
}

func TestSplitQtySumsToApproximatelyTotal(t *testing.T) {
	q1, q2 := SplitQty(d("4.021"), d("0.001"), d("0.001"))
	assert.True(t, q1.Equal(d("2.010")), "q1 got %s", q1)
	assert.True(t, q2.Equal(d("2.011")), "q2 got %s", q2)
	assert.True(t, q1.Add(q2).Equal(d("4.021")))
}

func TestMergeResidualPriceSatisfiesBlendedAverageLaw(t *testing.T) {
	entry := d("100.00")
	q := d("4.021")
	filledQty := d("2.010")
	filledPrice := d("99.90")
	filledNotional := filledQty.Mul(filledPrice)

	pr := MergeResidualPrice(entry, q, filledQty, filledNotional, d("0.01"))

	remaining := q.Sub(filledQty)
	blended := filledNotional.Add(remaining.Mul(pr))
	target := entry.Mul(q)
	diff := blended.Sub(target).Abs()
	assert.True(t, diff.LessThanOrEqual(d("0.01")), "blended=%s target=%s diff=%s", blended, target, diff)
}

func TestMergeResidualPriceZeroWhenNothingRemains(t *testing.T) {
	pr := MergeResidualPrice(d("100"), d("4"), d("4"), d("400"), d("0.01"))
	assert.True(t, pr.IsZero())
}
