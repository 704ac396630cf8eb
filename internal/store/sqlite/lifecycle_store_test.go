package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
)

func newTestPosition(ssotID int64) *domain.Position {
	return &domain.Position{
		SsotID:       ssotID,
		Symbol:       "BTCUSDT",
		Side:         domain.SideLong,
		Status:       domain.PositionOpen,
		PlannedQty:   mustDec("0.010"),
		RemainingQty: mustDec("0.010"),
		AvgEntry:     mustDec("100.00"),
		SLPrice:      mustDec("98.00"),
		TPLevels: []domain.TPLevel{
			{Index: 0, Price: mustDec("101.00"), Status: domain.TPOpen},
			{Index: 1, Price: mustDec("102.00"), Status: domain.TPOpen},
		},
		SignalEntry:    mustDec("100.00"),
		SignalSL:       mustDec("98.00"),
		SignalLeverage: mustDec("10"),
	}
}

func TestCreateAndGetPositionRoundTrip(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	p := newTestPosition(42)
	require.NoError(t, store.CreatePosition(ctx, p))

	got, err := store.GetPosition(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.True(t, got.AvgEntry.Equal(mustDec("100.00")))
	assert.Len(t, got.TPLevels, 2)
	assert.Equal(t, domain.PositionOpen, got.Status)
}

func TestCreatePositionIsIdempotentOnSsotID(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	p := newTestPosition(7)
	require.NoError(t, store.CreatePosition(ctx, p))
	require.NoError(t, store.CreatePosition(ctx, p), "re-running initialize for the same ssot_id must be a no-op")

	got, err := store.GetPosition(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.SsotID)
}

func TestGetPositionNotFound(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetPosition(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSavePositionPersistsMutations(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	p := newTestPosition(1)
	require.NoError(t, store.CreatePosition(ctx, p))

	p.RemainingQty = mustDec("0.005")
	p.TPLevels[0].Status = domain.TPCompleted
	p.TPLevels[0].FilledQty = mustDec("0.005")
	p.ReentryAttempts = 1
	require.NoError(t, store.SavePosition(ctx, p))

	got, err := store.GetPosition(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.RemainingQty.Equal(mustDec("0.005")))
	assert.Equal(t, domain.TPCompleted, got.TPLevels[0].Status)
	assert.Equal(t, 1, got.ReentryAttempts)
}

func TestListOpenPositionsExcludesClosed(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	open := newTestPosition(1)
	closed := newTestPosition(2)
	closed.Status = domain.PositionClosed
	require.NoError(t, store.CreatePosition(ctx, open))
	require.NoError(t, store.CreatePosition(ctx, closed))

	got, err := store.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].SsotID)
}

func TestTrackedOrderUpsertAndFetch(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreatePosition(ctx, newTestPosition(1)))

	level := 0
	o := &domain.TrackedOrder{OrderID: "ord-1", SsotID: 1, Kind: domain.OrderKindEntry, LevelIndex: &level, LastExecutedQty: "0.005", LastStatus: "PARTIALLY_FILLED"}
	require.NoError(t, store.UpsertTrackedOrder(ctx, o))

	got, err := store.GetTrackedOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "0.005", got.LastExecutedQty)
	require.NotNil(t, got.LevelIndex)
	assert.Equal(t, 0, *got.LevelIndex)

	o.LastExecutedQty = "0.010"
	o.LastStatus = "FILLED"
	require.NoError(t, store.UpsertTrackedOrder(ctx, o))

	got, err = store.GetTrackedOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "0.010", got.LastExecutedQty)
	assert.Equal(t, "FILLED", got.LastStatus)
}

func TestListTrackedOrdersAndPrune(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreatePosition(ctx, newTestPosition(1)))
	require.NoError(t, store.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: "a", SsotID: 1, Kind: domain.OrderKindEntry, LastExecutedQty: "0"}))
	require.NoError(t, store.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: "b", SsotID: 1, Kind: domain.OrderKindSL, LastExecutedQty: "0"}))

	list, err := store.ListTrackedOrders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.PruneTrackedOrders(ctx, 1))
	list, err = store.ListTrackedOrders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestRecordExecutionIsIdempotent(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rec := domain.ExecutionRecord{OrderID: "ord-1", ExecID: "exec-1", Qty: "0.005", Price: "100.00", Status: "FILLED"}

	applied, err := store.RecordExecution(ctx, rec)
	require.NoError(t, err)
	assert.True(t, applied, "first time recording an exec id must apply")

	applied, err = store.RecordExecution(ctx, rec)
	require.NoError(t, err)
	assert.False(t, applied, "replaying the same (order_id, exec_id) must be a no-op")
}

func TestLifecycleStage5LockRoundTrip(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	locked, err := store.IsStage5Locked(ctx, "ETHUSDT", domain.SideShort)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, store.SetStage5Lock(ctx, "ETHUSDT", domain.SideShort, "adverse move re-entry exhausted"))
	locked, err = store.IsStage5Locked(ctx, "ETHUSDT", domain.SideShort)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, store.ClearStage5Lock(ctx, "ETHUSDT", domain.SideShort))
	locked, err = store.IsStage5Locked(ctx, "ETHUSDT", domain.SideShort)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestListPositionsOlderThan(t *testing.T) {
	store, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreatePosition(ctx, newTestPosition(1)))

	cutoff := time.Now().UTC().Add(time.Hour)
	got, err := store.ListPositionsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	past := time.Now().UTC().Add(-time.Hour)
	got, err = store.ListPositionsOlderThan(ctx, past)
	require.NoError(t, err)
	assert.Len(t, got, 0)
}
