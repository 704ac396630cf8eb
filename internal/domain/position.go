package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TPLevel is one rung of the reduce-only take-profit ladder.
type TPLevel struct {
	Index     int
	Price     decimal.Decimal
	Status    TPLevelStatus
	FilledQty decimal.Decimal
	OrderID   string
}

// PyramidState tracks which PnL-threshold scale-ins have fired for a
// position. It is persisted as opaque JSON alongside the Position row.
type PyramidState struct {
	Scale1Done   bool       `json:"scale_1_done"`
	Scale1At     *time.Time `json:"scale_1_at,omitempty"`
	Scale2Done   bool       `json:"scale_2_done"`
	Scale2At     *time.Time `json:"scale_2_at,omitempty"`
}

// Position is the durable lifecycle row for one materialized,
// exchange-confirmed entry. It is 1:1 with a COMPLETED Signal.
type Position struct {
	SsotID   int64
	Symbol   string
	Side     Side
	Status   PositionStatus

	PlannedQty   decimal.Decimal
	RemainingQty decimal.Decimal
	AvgEntry     decimal.Decimal
	RealizedPnL  decimal.Decimal
	UnrealizedPnL decimal.Decimal

	SLPrice   decimal.Decimal
	SLOrderID string

	TPLevels        []TPLevel
	TPActiveOrderIDs []string

	// Immutable copies of the originating signal; Stage 5 keys its
	// adverse-move threshold and re-entry synthesis off these, never
	// off the live avg_entry which moves with merges/pyramids.
	SignalEntry    decimal.Decimal
	SignalSL       decimal.Decimal
	SignalLeverage decimal.Decimal

	IsHedgeArmed      bool
	HedgeState        HedgeState
	HedgeEntryOrderID string
	HedgeTPOrderID    string
	HedgeSLOrderID    string
	ReentryAttempts   int

	PyramidState PyramidState

	CloseReason string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// RemainingAfter returns the remaining quantity after subtracting qty,
// floored at zero (callers must never persist a negative remainder;
// this only guards arithmetic, it is not a substitute for invariant
// checks at the call site).
func (p *Position) RemainingAfter(qty decimal.Decimal) decimal.Decimal {
	r := p.RemainingQty.Sub(qty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// TPLevelAt returns a pointer to the ladder rung at index, or nil.
func (p *Position) TPLevelAt(index int) *TPLevel {
	for i := range p.TPLevels {
		if p.TPLevels[i].Index == index {
			return &p.TPLevels[i]
		}
	}
	return nil
}
