package domain

import "time"

// TrackedOrder is the local record of one order placed against the
// exchange on behalf of a position. LastExecutedQty is monotonic: it
// is only ever advanced, never reduced, even if a later poll observes
// a smaller value (treated as a stale read and ignored).
type TrackedOrder struct {
	OrderID         string
	SsotID          int64
	Kind            OrderKind
	LevelIndex      *int
	LastExecutedQty string // decimal.Decimal serialized; see store for parse
	LastStatus      string
	UpdatedAt       time.Time
}

// ExecutionRecord is the idempotency key for one fill: the pair
// (OrderID, ExecID) is unique, preventing the same exchange trade from
// being counted twice when observed via both the WS stream and a REST
// reconcile sweep.
type ExecutionRecord struct {
	OrderID   string
	ExecID    string
	Qty       string
	Price     string
	Status    string
	CreatedAt time.Time
}

// Stage5Lock blocks the Stage-5 re-entry loop for a (symbol, side)
// pair until a fresh external signal for that pair clears it.
type Stage5Lock struct {
	Symbol    string
	Side      Side
	Reason    string
	CreatedAt time.Time
}
