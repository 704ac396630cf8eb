package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
)

// ReportWindow bounds a report to [StartUTC, EndUTC).
type ReportWindow struct {
	Name     string
	StartUTC time.Time
	EndUTC   time.Time
}

// DailyWindow returns the window covering dayLocal's calendar day, in loc.
func DailyWindow(dayLocal time.Time, loc *time.Location) ReportWindow {
	d := dayLocal.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return ReportWindow{Name: "DAILY", StartUTC: start.UTC(), EndUTC: start.AddDate(0, 0, 1).UTC()}
}

// WeeklyWindow returns the Monday-to-Monday window containing dayLocal.
func WeeklyWindow(dayLocal time.Time, loc *time.Location) ReportWindow {
	d := dayLocal.In(loc)
	offset := int(d.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	monday := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -offset)
	return ReportWindow{Name: "WEEKLY", StartUTC: monday.UTC(), EndUTC: monday.AddDate(0, 0, 7).UTC()}
}

// TradePerformance summarizes signal throughput and realized outcome.
type TradePerformance struct {
	TotalSignals        int
	TotalExecutedTrades int
	ClosedTrades        int
	Wins                int
	Losses              int
	WinRate             decimal.Decimal
	PnLUSDT             decimal.Decimal
}

// StrategyUsage summarizes how the TP ladder, SL, hedge, and re-entry
// machinery actually behaved over the window.
type StrategyUsage struct {
	TPHitsByIndex       map[int]int
	TPFillQtyByIndex    map[int]decimal.Decimal
	SLFillCount         int
	HedgeCount          int
	PyramidScaleCount   int
	ReentryAttemptCount int
	ReentrySuccessCount int
}

// ErrorStatistics summarizes ERROR-level telemetry events in the window.
type ErrorStatistics struct {
	ErrorTotal         int
	ErrorByEventType   map[string]int
	ErrorRatePerSignal decimal.Decimal
}

// Report is one built daily/weekly summary.
type Report struct {
	Window            ReportWindow
	TradePerformance  TradePerformance
	StrategyUsage     StrategyUsage
	ErrorStatistics   ErrorStatistics
}

// Reporter aggregates performance and error stats from the SQLite
// stores (authoritative for counts) and the telemetry JSONL (the only
// place fill/hedge/error events live).
type Reporter struct {
	telemetry *Logger
	jsonlPath string
	ssot      *sqlite.SsotStore
	lifecycle *sqlite.LifecycleStore
}

// NewReporter wires a Reporter. ssot/lifecycle may be nil in a test
// harness that only wants to exercise the JSONL aggregation.
func NewReporter(tel *Logger, jsonlPath string, ssot *sqlite.SsotStore, lc *sqlite.LifecycleStore) *Reporter {
	return &Reporter{telemetry: tel, jsonlPath: jsonlPath, ssot: ssot, lifecycle: lc}
}

func readJSONL(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return events, err
	}
	return events, nil
}

// BuildReport aggregates signal counts from SQLite and fill/hedge/error
// events from the JSONL telemetry log, over window.
func (r *Reporter) BuildReport(ctx context.Context, window ReportWindow) (*Report, error) {
	var totalSignals, totalExecuted int
	if r.ssot != nil {
		var err error
		totalSignals, err = r.ssot.CountReceivedBetween(ctx, window.StartUTC, window.EndUTC)
		if err != nil {
			return nil, fmt.Errorf("reporter.BuildReport: count received: %w", err)
		}
		totalExecuted, err = r.ssot.CountWithStatusBetween(ctx, []domain.SignalStatus{domain.SignalCompleted}, window.StartUTC, window.EndUTC)
		if err != nil {
			return nil, fmt.Errorf("reporter.BuildReport: count executed: %w", err)
		}
	}

	events, err := readJSONL(r.jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("reporter.BuildReport: read telemetry: %w", err)
	}

	pnl := decimal.Zero
	tpHits := map[int]int{}
	tpQty := map[int]decimal.Decimal{}
	slFills, hedges, pyramidScales, reentryAttempts, reentrySuccess := 0, 0, 0, 0, 0
	closedReasonBySsot := map[int64]string{}
	errorByType := map[string]int{}

	seen := map[string]bool{}
	for _, evt := range events {
		if evt.EventKey != "" {
			if seen[evt.EventKey] {
				continue
			}
			seen[evt.EventKey] = true
		}

		ts, err := time.Parse(time.RFC3339Nano, evt.TsUTC)
		if err != nil {
			continue
		}
		if ts.Before(window.StartUTC) || !ts.Before(window.EndUTC) {
			continue
		}

		if strings.ToUpper(evt.Level) == "ERROR" {
			errorByType[evt.EventType]++
		}

		switch evt.EventType {
		case "TP_FILL", "SL_FILL":
			if p, ok := evt.Payload["pnl_usdt"].(string); ok {
				pnl = pnl.Add(decimalx.ParseOrZero(p))
			}
			if evt.EventType == "TP_FILL" {
				idx := intFromPayload(evt.Payload, "tp_index")
				if idx > 0 {
					tpHits[idx]++
					if q, ok := evt.Payload["fill_qty"].(string); ok {
						tpQty[idx] = tpQty[idx].Add(decimalx.ParseOrZero(q))
					}
				}
			} else {
				slFills++
			}
		case "HEDGE_OPENED":
			hedges++
		case "PYRAMID_SCALE":
			pyramidScales++
		case "REENTRY_ATTEMPT":
			reentryAttempts++
		case "REENTRY_COMPLETED":
			if status, _ := evt.Payload["status"].(string); strings.EqualFold(status, "COMPLETED") {
				reentrySuccess++
			}
		case "POSITION_CLOSED":
			if evt.Correlation.SsotID > 0 {
				reason, _ := evt.Payload["reason"].(string)
				closedReasonBySsot[evt.Correlation.SsotID] = reason
			}
		}
	}

	wins, losses := 0, 0
	for _, reason := range closedReasonBySsot {
		if strings.Contains(strings.ToLower(reason), "sl filled") {
			losses++
		} else {
			wins++
		}
	}
	closedTotal := len(closedReasonBySsot)
	winRate := decimal.Zero
	if closedTotal > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(closedTotal))).Mul(decimal.NewFromInt(100))
	}

	errorTotal := 0
	for _, n := range errorByType {
		errorTotal += n
	}
	errorRate := decimal.Zero
	if totalSignals > 0 {
		errorRate = decimal.NewFromInt(int64(errorTotal)).Div(decimal.NewFromInt(int64(totalSignals))).Mul(decimal.NewFromInt(100))
	}

	return &Report{
		Window: window,
		TradePerformance: TradePerformance{
			TotalSignals: totalSignals, TotalExecutedTrades: totalExecuted,
			ClosedTrades: closedTotal, Wins: wins, Losses: losses,
			WinRate: winRate, PnLUSDT: pnl,
		},
		StrategyUsage: StrategyUsage{
			TPHitsByIndex: tpHits, TPFillQtyByIndex: tpQty,
			SLFillCount: slFills, HedgeCount: hedges, PyramidScaleCount: pyramidScales,
			ReentryAttemptCount: reentryAttempts, ReentrySuccessCount: reentrySuccess,
		},
		ErrorStatistics: ErrorStatistics{
			ErrorTotal: errorTotal, ErrorByEventType: errorByType, ErrorRatePerSignal: errorRate,
		},
	}, nil
}

// FormatText renders report as the plain-text message sent to Telegram.
func (r *Reporter) FormatText(report *Report) string {
	tp, su, es := report.TradePerformance, report.StrategyUsage, report.ErrorStatistics

	var b strings.Builder
	fmt.Fprintf(&b, "%s REPORT\n", report.Window.Name)
	fmt.Fprintf(&b, "Window (UTC): %s -> %s\n\n", report.Window.StartUTC.Format(time.RFC3339), report.Window.EndUTC.Format(time.RFC3339))
	fmt.Fprintf(&b, "-- Trade Performance --\n")
	fmt.Fprintf(&b, "Signals: %d\n", tp.TotalSignals)
	fmt.Fprintf(&b, "Executed: %d\n", tp.TotalExecutedTrades)
	fmt.Fprintf(&b, "Closed: %d\n", tp.ClosedTrades)
	fmt.Fprintf(&b, "Wins / Losses: %d / %d\n", tp.Wins, tp.Losses)
	fmt.Fprintf(&b, "Win rate: %s%%\n", tp.WinRate.StringFixed(2))
	fmt.Fprintf(&b, "PnL (USDT): %s\n\n", tp.PnLUSDT.StringFixed(4))
	fmt.Fprintf(&b, "-- Strategy Usage --\n")
	fmt.Fprintf(&b, "TP hits: %s\n", formatIntMap(su.TPHitsByIndex))
	fmt.Fprintf(&b, "SL hits: %d\n", su.SLFillCount)
	fmt.Fprintf(&b, "Hedge count: %d\n", su.HedgeCount)
	fmt.Fprintf(&b, "Pyramid scales: %d\n", su.PyramidScaleCount)
	fmt.Fprintf(&b, "Re-entry attempts/success: %d/%d\n\n", su.ReentryAttemptCount, su.ReentrySuccessCount)
	fmt.Fprintf(&b, "-- Errors --\n")
	fmt.Fprintf(&b, "Total errors: %d\n", es.ErrorTotal)
	fmt.Fprintf(&b, "Error rate per signal: %s%%\n", es.ErrorRatePerSignal.StringFixed(2))
	return b.String()
}

// FormatTable renders report as a fixed-width table. No command in
// cmd/tradingbot calls it.
func (r *Reporter) FormatTable(w io.Writer, report *Report) {
	tp := report.TradePerformance
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("Window", report.Window.Name)
	table.Append("Signals", fmt.Sprintf("%d", tp.TotalSignals))
	table.Append("Executed", fmt.Sprintf("%d", tp.TotalExecutedTrades))
	table.Append("Closed", fmt.Sprintf("%d", tp.ClosedTrades))
	table.Append("Wins/Losses", fmt.Sprintf("%d/%d", tp.Wins, tp.Losses))
	table.Append("Win rate", tp.WinRate.StringFixed(2)+"%")
	table.Append("PnL (USDT)", tp.PnLUSDT.StringFixed(4))
	table.Append("SL hits", fmt.Sprintf("%d", report.StrategyUsage.SLFillCount))
	table.Append("Hedge count", fmt.Sprintf("%d", report.StrategyUsage.HedgeCount))
	table.Append("Pyramid scales", fmt.Sprintf("%d", report.StrategyUsage.PyramidScaleCount))
	table.Append("Errors", fmt.Sprintf("%d", report.ErrorStatistics.ErrorTotal))
	table.Render()
}

func formatIntMap(m map[int]int) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%d", k, m[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func intFromPayload(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case string:
		n := decimalx.ParseOrZero(v)
		return int(n.IntPart())
	default:
		return 0
	}
}
