package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/ingestion"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

// stubExchange implements just enough of domain.ExchangeClient for
// Stage-1 normalization: GetSymbolInfo. Every other method panics if
// called, since Stage 1 never reaches them.
type stubExchange struct {
	known map[string]domain.SymbolInfo
}

func (s *stubExchange) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	if info, ok := s.known[symbol]; ok {
		return &info, nil
	}
	return nil, domain.ErrSymbolUnknown
}
func (s *stubExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) GetPositions(ctx context.Context, symbol string) ([]domain.PositionSnapshot, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) GetMyTrades(ctx context.Context, symbol string, limit int, sinceID string) ([]domain.Trade, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) PlaceLimitOrder(ctx context.Context, req domain.PlaceLimitOrderRequest) (*domain.PlacedOrder, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) PlaceMarketOrder(ctx context.Context, req domain.PlaceMarketOrderRequest) (*domain.PlacedOrder, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) PlaceStopMarketOrder(ctx context.Context, req domain.PlaceStopMarketOrderRequest) (*domain.PlacedOrder, error) {
	panic("not used in Stage 1")
}
func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	panic("not used in Stage 1")
}
func (s *stubExchange) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	panic("not used in Stage 1")
}
func (s *stubExchange) WSListen(ctx context.Context, topics []string, onMessage func(domain.WSEvent), onDisconnect func(error)) error {
	panic("not used in Stage 1")
}

func newStubExchange() *stubExchange {
	return &stubExchange{known: map[string]domain.SymbolInfo{
		"BTCUSDT": {Symbol: "BTCUSDT", TickSize: decimal.RequireFromString("0.01"), QtyStep: decimal.RequireFromString("0.001")},
	}}
}

func newIngestor(t *testing.T) (*ingestion.Ingestor, *sqlite.SsotStore) {
	t.Helper()
	store, err := sqlite.OpenSsotStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ig := ingestion.New(store, newStubExchange(), nil, ingestion.Options{
		DuplicateTTL:      2 * time.Hour,
		DefaultSignalType: domain.SignalSwing,
	})
	return ig, store
}

func TestIngestAcceptsValidSwingSignal(t *testing.T) {
	ig, _ := newIngestor(t)
	req := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		MessageID:   "msg-1",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#BTC LONG swing\nEntry: 100.00\nSL: 98.00\nTP1: 101.00\nTP2: 102.00",
	}

	dec, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestAccepted, dec.Status)
	assert.NotZero(t, dec.SignalID)
}

func TestIngestInvalidWhenMissingTakeProfit(t *testing.T) {
	ig, _ := newIngestor(t)
	req := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		MessageID:   "msg-2",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#BTC LONG Entry: 100.00 SL: 98.00",
	}

	dec, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestInvalid, dec.Status)
}

func TestIngestInvalidForUnsupportedSymbol(t *testing.T) {
	ig, _ := newIngestor(t)
	req := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		MessageID:   "msg-3",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#DOGE LONG swing\nEntry: 0.10 SL: 0.09 TP1: 0.11",
	}

	dec, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestInvalid, dec.Status)
}

func TestIngestAppliesFastFallbackWhenSLMissing(t *testing.T) {
	ig, _ := newIngestor(t)
	req := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		MessageID:   "msg-4",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#BTC LONG Entry: 100.00 TP1: 101.00",
	}

	dec, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestAccepted, dec.Status)
}

func TestIngestBlocksNearDuplicateWithinTTL(t *testing.T) {
	ig, _ := newIngestor(t)
	base := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#BTC LONG swing\nEntry: 100.00\nSL: 98.00\nTP1: 101.00\nTP2: 102.00",
	}
	base.MessageID = "msg-5"
	dec, err := ig.Ingest(context.Background(), base)
	require.NoError(t, err)
	require.Equal(t, domain.IngestAccepted, dec.Status)

	near := base
	near.MessageID = "msg-6"
	near.RawText = "#BTC LONG swing\nEntry: 100.10\nSL: 98.10\nTP1: 101.10\nTP2: 102.10"
	dec2, err := ig.Ingest(context.Background(), near)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestBlocked, dec2.Status)
}

func TestIngestInvalidOnEmptyText(t *testing.T) {
	ig, _ := newIngestor(t)
	dec, err := ig.Ingest(context.Background(), ingestion.Request{ChannelName: "x", ChatID: "1", MessageID: "1", RawText: "   "})
	require.NoError(t, err)
	assert.Equal(t, domain.IngestInvalid, dec.Status)
}

func TestStubExchangeReportsUnknownSymbolAsErrSymbolUnknown(t *testing.T) {
	_, err := (&stubExchange{}).GetSymbolInfo(context.Background(), "NOPEUSDT")
	assert.True(t, errors.Is(err, domain.ErrSymbolUnknown))
}

func TestIngestClearsStage5LockOnAccept(t *testing.T) {
	ig, store := newIngestor(t)
	require.NoError(t, store.SetStage5Lock(context.Background(), "BTCUSDT", domain.SideLong, "re-entry exhausted"))

	req := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		MessageID:   "msg-7",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#BTC LONG swing\nEntry: 100.00\nSL: 98.00\nTP1: 101.00\nTP2: 102.00",
	}
	dec, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.IngestAccepted, dec.Status)

	locked, err := store.IsStage5Locked(context.Background(), "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestIngestBlockedWhenCapacityFull(t *testing.T) {
	ssotStore, err := sqlite.OpenSsotStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ssotStore.Close() })

	lifecycleStore, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lifecycleStore.Close() })

	require.NoError(t, lifecycleStore.CreatePosition(context.Background(), &domain.Position{
		SsotID: 1, Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionOpen,
		PlannedQty: decimal.NewFromInt(1), RemainingQty: decimal.NewFromInt(1), AvgEntry: decimal.NewFromInt(100),
		SignalEntry: decimal.NewFromInt(100), SignalSL: decimal.NewFromInt(98), SignalLeverage: decimal.NewFromInt(1),
		IsHedgeArmed: true, HedgeState: domain.HedgeStateArmed,
	}))

	capacity := telemetry.NewCapacityState(1)
	tel, err := telemetry.NewLogger(t.TempDir()+"/telemetry.jsonl", "test", "test")
	require.NoError(t, err)
	watchdog := telemetry.NewWatchdog(ssotStore, lifecycleStore, tel, capacity, telemetry.WatchdogConfig{MaxActiveTrades: 1})
	require.NoError(t, watchdog.RunOnce(context.Background()))

	ig := ingestion.New(ssotStore, newStubExchange(), capacity, ingestion.Options{
		DuplicateTTL:      2 * time.Hour,
		DefaultSignalType: domain.SignalSwing,
	})

	req := ingestion.Request{
		ChannelName: "telegram:vip",
		ChatID:      "chat-1",
		MessageID:   "msg-8",
		ReceivedAt:  time.Now().UTC(),
		RawText:     "#BTC LONG swing\nEntry: 100.00\nSL: 98.00\nTP1: 101.00\nTP2: 102.00",
	}
	dec, err := ig.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestBlocked, dec.Status)
}
