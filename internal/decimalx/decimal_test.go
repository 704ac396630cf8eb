package decimalx

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return MustParse(s) }

func TestTickQuantizeIdempotent(t *testing.T) {
	tick := d("0.01")
	x := d("99.8731")
	once := TickQuantize(x, tick)
	twice := TickQuantize(once, tick)
	assert.True(t, once.Equal(twice), "expected idempotent quantization, got %s then %s", once, twice)
	assert.True(t, once.Equal(d("99.87")))
}

func TestTickQuantizeHalfUp(t *testing.T) {
	tick := d("0.01")
	assert.True(t, TickQuantize(d("99.995"), tick).Equal(d("100.00")))
	assert.True(t, TickQuantize(d("99.994"), tick).Equal(d("99.99")))
}

func TestQtyQuantizeIdempotent(t *testing.T) {
	step := d("0.001")
	minQty := d("0.001")
	x := d("4.0214")
	once := QtyQuantize(x, step, minQty)
	twice := QtyQuantize(once, step, minQty)
	assert.True(t, once.Equal(twice))
	assert.True(t, once.Equal(d("4.021")))
}

func TestQtyQuantizeBelowMinIsZero(t *testing.T) {
	step := d("0.001")
	minQty := d("0.005")
	assert.True(t, QtyQuantize(d("0.002"), step, minQty).IsZero())
}

func TestPercentDiff(t *testing.T) {
	assert.True(t, PercentDiff(d("100"), d("100")).Equal(d("0")))
	got := PercentDiff(d("100"), d("105"))
	assert.True(t, got.Equal(d("0.05")), "got %s", got)
	assert.True(t, PercentDiff(d("0"), d("1")).Equal(d("1")))
}

func TestClamp(t *testing.T) {
	assert.True(t, Clamp(d("25"), d("1"), d("20")).Equal(d("20")))
	assert.True(t, Clamp(d("0.5"), d("1"), d("20")).Equal(d("1")))
	assert.True(t, Clamp(d("10"), d("1"), d("20")).Equal(d("10")))
}
