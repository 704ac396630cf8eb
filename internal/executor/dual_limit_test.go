package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/executor"
	"github.com/tradingcore/agent/internal/store/sqlite"
)

// fakeExchange is a fully in-memory domain.ExchangeClient double that
// lets each test script fills and prices per order id.
type fakeExchange struct {
	mu      sync.Mutex
	symbols map[string]domain.SymbolInfo
	balance decimal.Decimal
	ltp     decimal.Decimal
	orders  map[string]*domain.OrderStatus
	nextID  int
	cancel  map[string]bool
	onPlace func(req domain.PlaceLimitOrderRequest, orderID string)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		symbols: map[string]domain.SymbolInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", TickSize: decimal.RequireFromString("0.01"), QtyStep: decimal.RequireFromString("0.001"), MinQty: decimal.RequireFromString("0.001")},
		},
		balance: decimal.RequireFromString("402.10"),
		ltp:     decimal.RequireFromString("100.00"),
		orders:  map[string]*domain.OrderStatus{},
		cancel:  map[string]bool{},
	}
}

func (f *fakeExchange) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	info, ok := f.symbols[symbol]
	if !ok {
		return nil, domain.ErrSymbolUnknown
	}
	return &info, nil
}
func (f *fakeExchange) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.ltp, nil
}
func (f *fakeExchange) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
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
		return &domain.OrderStatus{Status: "CANCELED", ExecutedQty: decimal.Zero}, nil
	}
	return st, nil
}
func (f *fakeExchange) GetMyTrades(ctx context.Context, symbol string, limit int, sinceID string) ([]domain.Trade, error) {
	panic("not used")
}
func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, req domain.PlaceLimitOrderRequest) (*domain.PlacedOrder, error) {
	f.mu.Lock()
	f.nextID++
	id := intToOrderID(f.nextID)
	f.orders[id] = &domain.OrderStatus{Status: "NEW", ExecutedQty: decimal.Zero}
	f.mu.Unlock()

	if f.onPlace != nil {
		f.onPlace(req, id)
	}
	return &domain.PlacedOrder{OrderID: id}, nil
}
func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, req domain.PlaceMarketOrderRequest) (*domain.PlacedOrder, error) {
	panic("not used")
}
func (f *fakeExchange) PlaceStopMarketOrder(ctx context.Context, req domain.PlaceStopMarketOrderRequest) (*domain.PlacedOrder, error) {
	panic("not used")
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel[orderID] = true
	delete(f.orders, orderID)
	return nil
}
func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	return nil
}
func (f *fakeExchange) WSListen(ctx context.Context, topics []string, onMessage func(domain.WSEvent), onDisconnect func(error)) error {
	panic("not used")
}

func (f *fakeExchange) fill(orderID string, qty, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID] = &domain.OrderStatus{Status: "FILLED", ExecutedQty: qty, AvgPrice: price}
}

func intToOrderID(n int) string {
	const letters = "0123456789"
	s := ""
	for n > 0 {
		s = string(letters[n%10]) + s
		n /= 10
	}
	if s == "" {
		s = "0"
	}
	return "ord-" + s
}

func newTestExecutor(t *testing.T, ex *fakeExchange) (*executor.Executor, *sqlite.SsotStore) {
	t.Helper()
	store, err := sqlite.OpenSsotStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := executor.New(store, ex, executor.Config{
		RiskPerTrade:      decimal.RequireFromString("0.02"),
		InitialMarginPlan: decimal.RequireFromString("20.00"),
		MinLeverage:       decimal.RequireFromString("1"),
		MaxLeverage:       decimal.RequireFromString("50"),
		DefaultSpreadPct:  decimal.RequireFromString("0.001"),
		MaxPriceShifts:    20,
		FirstFillTimeout:  time.Hour,
		TotalFillTimeout:  6 * time.Hour,
		PollInterval:      10 * time.Millisecond,
	}, nil)
	return exec, store
}

func insertTestSignal(t *testing.T, store *sqlite.SsotStore) *domain.Signal {
	t.Helper()
	sig := &domain.Signal{
		Source: "telegram:vip", ChatID: "c1", MessageID: "m1", ReceivedAt: time.Now().UTC(),
		RawText: "test", Symbol: "BTCUSDT", Side: domain.SideLong,
		Entry: decimal.RequireFromString("100.00"), SL: decimal.RequireFromString("98.00"),
		TPs: []decimal.Decimal{decimal.RequireFromString("101.00")}, Type: domain.SignalSwing,
		TickSize: decimal.RequireFromString("0.01"), QtyStep: decimal.RequireFromString("0.001"),
		DedupHash: "hash-1",
	}
	id, err := store.InsertAccepted(context.Background(), sig)
	require.NoError(t, err)
	claimed, err := store.ClaimNext(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)
	return claimed
}

func TestExecuteCompletesWhenBothLegsFillImmediately(t *testing.T) {
	ex := newFakeExchange()
	ex.onPlace = func(req domain.PlaceLimitOrderRequest, orderID string) {
		ex.fill(orderID, req.Qty, req.Price)
	}
	exec, store := newTestExecutor(t, ex)
	sig := insertTestSignal(t, store)

	status, err := exec.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.SignalCompleted, status)
}

func TestExecuteExpiresWhenNothingFillsBeforeFirstFillTimeout(t *testing.T) {
	ex := newFakeExchange()
	_, store := newTestExecutor(t, ex)
	exec := executor.New(store, ex, executor.Config{
		RiskPerTrade: decimal.RequireFromString("0.02"), InitialMarginPlan: decimal.RequireFromString("20.00"),
		MinLeverage: decimal.RequireFromString("1"), MaxLeverage: decimal.RequireFromString("50"),
		DefaultSpreadPct: decimal.RequireFromString("0.001"), MaxPriceShifts: 20,
		FirstFillTimeout: 30 * time.Millisecond, TotalFillTimeout: time.Hour, PollInterval: 5 * time.Millisecond,
	}, nil)

	sig := insertTestSignal(t, store)
	status, err := exec.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.SignalExpired, status)
}

func TestExecuteMergesResidualAfterOneLegFills(t *testing.T) {
	// Placement order is deterministic: leg 1, leg 2, then (once leg 2
	// is cancelled mid-flight) the merge replacement. Leg 1 and the
	// replacement fill immediately; leg 2 never fills, forcing the
	// executor through its cancel-and-merge path.
	ex := newFakeExchange()
	var mu sync.Mutex
	placements := 0
	ex.onPlace = func(req domain.PlaceLimitOrderRequest, orderID string) {
		mu.Lock()
		defer mu.Unlock()
		placements++
		if placements == 1 || placements >= 3 {
			ex.fill(orderID, req.Qty, req.Price)
		}
	}

	exec, store := newTestExecutor(t, ex)
	sig := insertTestSignal(t, store)

	status, err := exec.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.SignalCompleted, status)
}

func TestExecuteFailsOnUnknownSymbol(t *testing.T) {
	ex := newFakeExchange()
	exec, store := newTestExecutor(t, ex)
	sig := insertTestSignal(t, store)
	sig.Symbol = "DOGEUSDT"

	status, err := exec.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, domain.SignalFailed, status)
}
