package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is one row of the SSoT queue: a parsed, normalized, and
// quantized trade idea working its way through the Stage-2 DAG.
type Signal struct {
	ID          int64
	Source      string
	ChatID      string
	MessageID   string
	ReceivedAt  time.Time
	RawText     string
	Symbol      string
	Side        Side
	Entry       decimal.Decimal
	SL          decimal.Decimal
	TPs         []decimal.Decimal
	Type        SignalType
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	DedupHash   string
	Status      SignalStatus
	LockedBy    string
	LockedAt    *time.Time
	Stage2State string // opaque JSON, see executor.Stage2State
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecentSignal is the short-lived dedup projection: one row per
// accepted signal, pruned once it falls outside every channel's TTL.
type RecentSignal struct {
	ID        int64
	Source    string
	Symbol    string
	Side      Side
	Entry     decimal.Decimal
	SL        decimal.Decimal
	TPs       []decimal.Decimal
	DedupHash string
	CreatedAt time.Time
}
