package hedge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/executor"
	"github.com/tradingcore/agent/internal/hedge"
	"github.com/tradingcore/agent/internal/lifecycle"
	"github.com/tradingcore/agent/internal/store/sqlite"
)

// fakeExchange auto-fills any non-reduce-only limit order immediately
// (modeling an aggressive fill for Stage-2 re-entry orders) while
// leaving reduce-only limit/stop orders (TP/SL, hedge TP/SL) resting
// as NEW until the test explicitly fills them via fill().
type fakeExchange struct {
	mu       sync.Mutex
	ltp      decimal.Decimal
	balance  decimal.Decimal
	info     domain.SymbolInfo
	orders   map[string]*domain.OrderStatus
	nextID   int
	canceled map[string]bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		ltp:      decimal.RequireFromString("100.00"),
		balance:  decimal.RequireFromString("1000.00"),
		info:     domain.SymbolInfo{Symbol: "BTCUSDT", TickSize: decimal.RequireFromString("0.01"), QtyStep: decimal.RequireFromString("0.001"), MinQty: decimal.RequireFromString("0.001")},
		orders:   map[string]*domain.OrderStatus{},
		canceled: map[string]bool{},
	}
}

func (f *fakeExchange) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	info := f.info
	return &info, nil
}
func (f *fakeExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ltp, nil
}
func (f *fakeExchange) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}
func (f *fakeExchange) GetPositions(ctx context.Context, symbol string) ([]domain.PositionSnapshot, error) {
	panic("not used")
}
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	panic("not used")
}
func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.orders[orderID]
	if !ok {
		return &domain.OrderStatus{Status: "NEW", ExecutedQty: decimal.Zero}, nil
	}
	return st, nil
}
func (f *fakeExchange) GetMyTrades(ctx context.Context, symbol string, limit int, sinceID string) ([]domain.Trade, error) {
	panic("not used")
}
func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, req domain.PlaceLimitOrderRequest) (*domain.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := orderID(f.nextID)
	if !req.ReduceOnly {
		f.orders[id] = &domain.OrderStatus{Status: "FILLED", ExecutedQty: req.Qty, AvgPrice: req.Price}
	} else {
		f.orders[id] = &domain.OrderStatus{Status: "NEW", ExecutedQty: decimal.Zero}
	}
	return &domain.PlacedOrder{OrderID: id}, nil
}
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, req domain.PlaceMarketOrderRequest) (*domain.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := orderID(f.nextID)
	f.orders[id] = &domain.OrderStatus{Status: "FILLED", ExecutedQty: req.Qty, AvgPrice: f.ltp}
	return &domain.PlacedOrder{OrderID: id}, nil
}
func (f *fakeExchange) PlaceStopMarketOrder(ctx context.Context, req domain.PlaceStopMarketOrderRequest) (*domain.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := orderID(f.nextID)
	f.orders[id] = &domain.OrderStatus{Status: "NEW", ExecutedQty: decimal.Zero}
	return &domain.PlacedOrder{OrderID: id}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[orderID] = true
	return nil
}
func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	return nil
}
func (f *fakeExchange) WSListen(ctx context.Context, topics []string, onMessage func(domain.WSEvent), onDisconnect func(error)) error {
	panic("not used")
}

func (f *fakeExchange) fill(orderID string, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ord, ok := f.orders[orderID]
	if !ok {
		return
	}
	ord.Status = status
}

func orderID(n int) string {
	digits := "0123456789"
	s := ""
	for n > 0 {
		s = string(digits[n%10]) + s
		n /= 10
	}
	if s == "" {
		s = "0"
	}
	return "hdg-" + s
}

func newStores(t *testing.T) (*sqlite.SsotStore, *sqlite.LifecycleStore) {
	t.Helper()
	ssot, err := sqlite.OpenSsotStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ssot.Close() })

	lc, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lc.Close() })

	return ssot, lc
}

func basePosition() *domain.Position {
	return &domain.Position{
		SsotID: 1, Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionOpen,
		PlannedQty: decimal.RequireFromString("1.000"), RemainingQty: decimal.RequireFromString("1.000"),
		AvgEntry: decimal.RequireFromString("100.00"),
		SLPrice:  decimal.RequireFromString("98.00"), SLOrderID: "sl-orig",
		TPLevels:    []domain.TPLevel{{Index: 0, Price: decimal.RequireFromString("101.00"), Status: domain.TPOpen, OrderID: "tp-orig"}},
		SignalEntry: decimal.RequireFromString("100.00"), SignalSL: decimal.RequireFromString("98.00"),
		SignalLeverage: decimal.RequireFromString("10"),
		IsHedgeArmed:   true, HedgeState: domain.HedgeStateArmed,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
}

func TestCheckAdverseMoveActivatesHedge(t *testing.T) {
	ssot, lc := newStores(t)
	ctx := context.Background()
	pos := basePosition()
	require.NoError(t, lc.CreatePosition(ctx, pos))

	ex := newFakeExchange()
	ex.ltp = decimal.RequireFromString("97.00") // <= 100 * (1-0.02)=98 -> triggers

	stage2 := executor.New(ssot, ex, executor.Config{
		RiskPerTrade: decimal.RequireFromString("0.01"), InitialMarginPlan: decimal.RequireFromString("50"),
		MinLeverage: decimal.RequireFromString("1"), MaxLeverage: decimal.RequireFromString("20"),
		DefaultSpreadPct: decimal.RequireFromString("0.001"), MaxPriceShifts: 3,
		FirstFillTimeout: 5 * time.Second, TotalFillTimeout: 10 * time.Second, PollInterval: 10 * time.Millisecond,
	}, nil)
	stage4 := lifecycle.New(ssot, lc, ex, nil, "", lifecycle.Config{}, nil, nil)
	mgr := hedge.New(ssot, lc, ex, stage2, stage4, nil, "", hedge.Config{}, nil, nil)

	require.NoError(t, mgr.RunOnce(ctx))

	saved, err := lc.GetPosition(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.PositionHedgeMode, saved.Status)
	require.False(t, saved.IsHedgeArmed)
	require.NotEmpty(t, saved.HedgeEntryOrderID)
	require.NotEmpty(t, saved.HedgeTPOrderID)
	require.NotEmpty(t, saved.HedgeSLOrderID)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	require.True(t, ex.canceled["sl-orig"], "original SL must be cancelled before arming the hedge")
	require.True(t, ex.canceled["tp-orig"], "original TP must be cancelled before arming the hedge")
}

func TestCheckHedgeOutcomeLocksAfterMaxAttempts(t *testing.T) {
	ssot, lc := newStores(t)
	ctx := context.Background()
	pos := basePosition()
	pos.Status = domain.PositionHedgeMode
	pos.HedgeState = domain.HedgeStateOpen
	pos.ReentryAttempts = 2
	require.NoError(t, lc.CreatePosition(ctx, pos))

	ex := newFakeExchange()
	htpID := "htp-fixed"
	ex.orders[htpID] = &domain.OrderStatus{Status: "FILLED", ExecutedQty: decimal.RequireFromString("1.000"), AvgPrice: decimal.RequireFromString("98.00")}
	saved, err := lc.GetPosition(ctx, 1)
	require.NoError(t, err)
	saved.HedgeTPOrderID = htpID
	require.NoError(t, lc.SavePosition(ctx, saved))

	stage2 := executor.New(ssot, ex, executor.Config{}, nil)
	stage4 := lifecycle.New(ssot, lc, ex, nil, "", lifecycle.Config{}, nil, nil)
	mgr := hedge.New(ssot, lc, ex, stage2, stage4, nil, "", hedge.Config{MaxReentryAttempts: 3}, nil, nil)

	require.NoError(t, mgr.RunOnce(ctx))

	closed, err := lc.GetPosition(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.PositionClosed, closed.Status)
	require.Equal(t, 3, closed.ReentryAttempts)

	locked, err := lc.IsStage5Locked(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	require.True(t, locked, "max attempts reached must lock the symbol/side until a new external signal")
}

func TestHedgeOutcomeTriggersReentryAndReopensPosition(t *testing.T) {
	ssot, lc := newStores(t)
	ctx := context.Background()
	pos := basePosition()
	pos.Status = domain.PositionHedgeMode
	pos.HedgeState = domain.HedgeStateOpen
	pos.ReentryAttempts = 0
	require.NoError(t, lc.CreatePosition(ctx, pos))

	ex := newFakeExchange()
	htpID := "htp-fixed"
	ex.orders[htpID] = &domain.OrderStatus{Status: "FILLED", ExecutedQty: decimal.RequireFromString("1.000"), AvgPrice: decimal.RequireFromString("98.00")}
	saved, err := lc.GetPosition(ctx, 1)
	require.NoError(t, err)
	saved.HedgeTPOrderID = htpID
	require.NoError(t, lc.SavePosition(ctx, saved))

	stage2 := executor.New(ssot, ex, executor.Config{
		RiskPerTrade: decimal.RequireFromString("0.01"), InitialMarginPlan: decimal.RequireFromString("50"),
		MinLeverage: decimal.RequireFromString("1"), MaxLeverage: decimal.RequireFromString("20"),
		DefaultSpreadPct: decimal.RequireFromString("0.001"), MaxPriceShifts: 3,
		FirstFillTimeout: 5 * time.Second, TotalFillTimeout: 10 * time.Second, PollInterval: 10 * time.Millisecond,
	}, nil)
	stage4 := lifecycle.New(ssot, lc, ex, nil, "", lifecycle.Config{}, nil, nil)
	mgr := hedge.New(ssot, lc, ex, stage2, stage4, nil, "", hedge.Config{MaxReentryAttempts: 3, ReentryRetryDelay: 10 * time.Millisecond}, nil, nil)

	require.NoError(t, mgr.RunOnce(ctx))

	require.Eventually(t, func() bool {
		p, err := lc.GetPosition(ctx, 1)
		return err == nil && p.Status == domain.PositionOpen
	}, 2*time.Second, 20*time.Millisecond, "re-entry should reopen the position once Stage 2 completes")

	reopened, err := lc.GetPosition(ctx, 1)
	require.NoError(t, err)
	require.True(t, reopened.RemainingQty.GreaterThan(decimal.Zero))
	require.Equal(t, domain.HedgeStateArmed, reopened.HedgeState)
	require.True(t, reopened.IsHedgeArmed)
	require.NotEmpty(t, reopened.SLOrderID, "stage4 should have re-placed the SL after re-entry")
	require.NotEmpty(t, reopened.TPLevels[0].OrderID, "stage4 should have re-placed the TP ladder after re-entry")
}
