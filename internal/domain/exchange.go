package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the exchange-facing BUY/SELL direction of an order,
// distinct from a Position's LONG/SHORT Side.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// SymbolInfo is the exchange's trading-rule metadata for one symbol.
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
}

// PositionSnapshot is one exchange-reported open position.
type PositionSnapshot struct {
	Symbol               string
	PositionSide         Side
	PositionAmt          decimal.Decimal
	AvgPrice             decimal.Decimal
	RealizedPnL          decimal.Decimal
	UnrealizedPnL        decimal.Decimal
	PositionInitialMargin decimal.Decimal
	Leverage             decimal.Decimal
}

// OpenOrder is one exchange-reported resting order.
type OpenOrder struct {
	OrderID      string
	Symbol       string
	Status       string
	Side         OrderSide
	PositionSide Side
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	Qty          decimal.Decimal
	ExecutedQty  decimal.Decimal
	ReduceOnly   bool
}

// OrderStatus is a point-in-time read of a single order.
type OrderStatus struct {
	Status      string
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Trade is one fill reported by the exchange's trade history.
type Trade struct {
	TradeID string
	OrderID string
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Time    time.Time
	Status  string
}

// PlaceLimitOrderRequest places a (maker-only, by convention, when
// PostOnly is set) limit order.
type PlaceLimitOrderRequest struct {
	Symbol       string
	Side         OrderSide
	Price        decimal.Decimal
	Qty          decimal.Decimal
	PostOnly     bool
	TIF          string // "GTC"
	ReduceOnly   bool
	PositionSide Side
}

// PlaceMarketOrderRequest places a market order.
type PlaceMarketOrderRequest struct {
	Symbol       string
	Side         OrderSide
	Qty          decimal.Decimal
	ReduceOnly   bool
	PositionSide Side
}

// PlaceStopMarketOrderRequest places a stop-market order (used for SL
// and hedge SL placement).
type PlaceStopMarketOrderRequest struct {
	Symbol       string
	Side         OrderSide
	StopPrice    decimal.Decimal
	Qty          decimal.Decimal
	ReduceOnly   bool
	PositionSide Side
}

// PlacedOrder is the minimal exchange acknowledgment of a placement
// call. OrderID is empty when the exchange rejected the order outright
// (caller treats that as a permanent or transient failure depending on
// the wrapped error returned alongside it).
type PlacedOrder struct {
	OrderID string
}

// WSEvent is one normalized message off the exchange's WebSocket
// stream: order/execution/position/wallet updates. Seq holds a per-topic
// sequence number where an adapter supplies one; the bingx adapter leaves
// it zero and the Lifecycle Manager does not check it for gaps, so missed
// events are recovered only by the periodic REST reconcile.
type WSEvent struct {
	Topic     string
	Seq       int64
	Symbol    string
	OrderID   string
	ExecID    string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Status    string
	Extra     map[string]string
	ReceivedAt time.Time
}

// ExchangeClient is the abstract capability the core trades against.
// Its concrete REST+WS implementation lives behind this seam so the
// core never depends on a specific exchange's wire format.
type ExchangeClient interface {
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)
	GetMyTrades(ctx context.Context, symbol string, limit int, sinceID string) ([]Trade, error)

	PlaceLimitOrder(ctx context.Context, req PlaceLimitOrderRequest) (*PlacedOrder, error)
	PlaceMarketOrder(ctx context.Context, req PlaceMarketOrderRequest) (*PlacedOrder, error)
	PlaceStopMarketOrder(ctx context.Context, req PlaceStopMarketOrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error

	// WSListen streams WSEvents for the given topics until ctx is
	// cancelled. onMessage is called from the listener's own
	// goroutine; onDisconnect is called once per dropped connection
	// before the adapter's internal reconnect loop takes over.
	WSListen(ctx context.Context, topics []string, onMessage func(WSEvent), onDisconnect func(error)) error
}

// SourceChannel is the out-of-scope chat-network collaborator that
// hands raw text to Stage 1. The core never dials out to it; it only
// defines the callback shape ingestion.Ingestor.Ingest expects.
type SourceChannel interface {
	ChannelName() string
}

// ReportingChannel is the outbound notification collaborator used by
// every stage to surface user-visible failures and the Stage-6
// daily/weekly reports.
type ReportingChannel interface {
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
}
