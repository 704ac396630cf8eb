package telemetry_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

func newWatchdogStores(t *testing.T) (*sqlite.SsotStore, *sqlite.LifecycleStore) {
	t.Helper()
	ssot, err := sqlite.OpenSsotStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ssot.Close() })
	lc, err := sqlite.OpenLifecycleStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lc.Close() })
	return ssot, lc
}

func TestWatchdogBlocksCapacityAtCeiling(t *testing.T) {
	ssot, lc := newWatchdogStores(t)
	ctx := context.Background()

	one := decimal.RequireFromString("1.0")
	for i := int64(1); i <= 2; i++ {
		require.NoError(t, lc.CreatePosition(ctx, &domain.Position{
			SsotID: i, Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionOpen,
			PlannedQty: one, RemainingQty: one, AvgEntry: one,
		}))
	}

	log, err := telemetry.NewLogger(filepath.Join(t.TempDir(), "t.jsonl"), "bot", "test")
	require.NoError(t, err)

	state := telemetry.NewCapacityState(2)
	wd := telemetry.NewWatchdog(ssot, lc, log, state, telemetry.WatchdogConfig{MaxActiveTrades: 2})
	require.NoError(t, wd.RunOnce(ctx))

	can, snap := state.CanAcceptSignal()
	require.False(t, can)
	require.Equal(t, 2, snap.ActiveTrades)
	require.NotEmpty(t, snap.CapacityReason)
}

func TestWatchdogAllowsBelowCeiling(t *testing.T) {
	ssot, lc := newWatchdogStores(t)
	ctx := context.Background()

	log, err := telemetry.NewLogger(filepath.Join(t.TempDir(), "t.jsonl"), "bot", "test")
	require.NoError(t, err)

	state := telemetry.NewCapacityState(100)
	wd := telemetry.NewWatchdog(ssot, lc, log, state, telemetry.WatchdogConfig{MaxActiveTrades: 100})
	require.NoError(t, wd.RunOnce(ctx))

	can, snap := state.CanAcceptSignal()
	require.True(t, can)
	require.Equal(t, 0, snap.ActiveTrades)
}
