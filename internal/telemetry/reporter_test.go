package telemetry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/telemetry"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBuildReportAggregatesFillsAndErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.jsonl")
	log, err := telemetry.NewLogger(path, "bot", "test")
	require.NoError(t, err)

	log.Emit("TP_FILL", "INFO", "LIFECYCLE", "tp1 filled", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: 1},
		Payload:     map[string]interface{}{"pnl_usdt": "2.5000", "tp_index": "1", "fill_qty": "0.500"},
	})
	log.Emit("SL_FILL", "INFO", "LIFECYCLE", "sl filled", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: 2},
		Payload:     map[string]interface{}{"pnl_usdt": "-1.0000"},
	})
	log.Emit("HEDGE_OPENED", "INFO", "HEDGE", "hedge opened", telemetry.EmitOpts{Correlation: telemetry.Correlation{SsotID: 3}})
	log.Emit("POSITION_CLOSED", "INFO", "LIFECYCLE", "closed", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: 1},
		Payload:     map[string]interface{}{"reason": "TP3 filled, qty exhausted"},
	})
	log.Emit("POSITION_CLOSED", "INFO", "LIFECYCLE", "closed", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: 2},
		Payload:     map[string]interface{}{"reason": "SL filled"},
	})
	log.Emit("STAGE2_EXECUTE_ERROR", "ERROR", "EXECUTOR", "boom", telemetry.EmitOpts{})

	reporter := telemetry.NewReporter(log, path, nil, nil)
	window := telemetry.ReportWindow{Name: "DAILY", StartUTC: time.Now().UTC().Add(-time.Hour), EndUTC: time.Now().UTC().Add(time.Hour)}

	report, err := reporter.BuildReport(context.Background(), window)
	require.NoError(t, err)

	require.Equal(t, 1, report.StrategyUsage.SLFillCount)
	require.Equal(t, 1, report.StrategyUsage.HedgeCount)
	require.Equal(t, 1, report.StrategyUsage.TPHitsByIndex[1])
	require.True(t, report.TradePerformance.PnLUSDT.Equal(mustDecimal("1.5000")))
	require.Equal(t, 2, report.TradePerformance.ClosedTrades)
	require.Equal(t, 1, report.TradePerformance.Wins)
	require.Equal(t, 1, report.TradePerformance.Losses)
	require.Equal(t, 1, report.ErrorStatistics.ErrorTotal)

	text := reporter.FormatText(report)
	require.Contains(t, text, "DAILY REPORT")
	require.Contains(t, text, "Wins / Losses: 1 / 1")
}

func TestBuildReportExcludesEventsOutsideWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.jsonl")
	log, err := telemetry.NewLogger(path, "bot", "test")
	require.NoError(t, err)

	log.Emit("SL_FILL", "INFO", "LIFECYCLE", "sl filled", telemetry.EmitOpts{
		Payload: map[string]interface{}{"pnl_usdt": "-5.0000"},
	})

	reporter := telemetry.NewReporter(log, path, nil, nil)
	past := telemetry.ReportWindow{Name: "DAILY", StartUTC: time.Now().UTC().Add(-48 * time.Hour), EndUTC: time.Now().UTC().Add(-24 * time.Hour)}

	report, err := reporter.BuildReport(context.Background(), past)
	require.NoError(t, err)
	require.Equal(t, 0, report.StrategyUsage.SLFillCount)
	require.True(t, report.TradePerformance.PnLUSDT.IsZero())
}

func TestDailyWindowCoversFullCalendarDay(t *testing.T) {
	w := telemetry.DailyWindow(time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC), time.UTC)
	require.Equal(t, "DAILY", w.Name)
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), w.StartUTC)
	require.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), w.EndUTC)
}

func TestWeeklyWindowStartsOnMonday(t *testing.T) {
	// 2026-03-18 is a Wednesday.
	w := telemetry.WeeklyWindow(time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC), time.UTC)
	require.Equal(t, time.Monday, w.StartUTC.Weekday())
	require.Equal(t, 7*24*time.Hour, w.EndUTC.Sub(w.StartUTC))
}
