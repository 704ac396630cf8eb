// Package hedge implements Stage 5: arming a 100% opposite-direction
// hedge when price moves 2% against the immutable signal entry, and
// attempting a bounded number of Stage-2 re-entries in the original
// direction once that hedge resolves.
package hedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/executor"
	"github.com/tradingcore/agent/internal/lifecycle"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

// stage2Snapshot mirrors internal/executor.Stage2State's JSON shape,
// re-declared for the same reason internal/lifecycle does: a
// data-shape dependency on Stage 2, not a compile-time one.
type stage2Snapshot struct {
	Q              string   `json:"q"`
	OrderIDs       []string `json:"order_ids"`
	ReplacementID  string   `json:"replacement_id,omitempty"`
	FilledQty      string   `json:"filled_qty,omitempty"`
	FilledNotional string   `json:"filled_notional,omitempty"`
}

func parseStage2(raw string) stage2Snapshot {
	var snap stage2Snapshot
	if raw == "" {
		return snap
	}
	_ = json.Unmarshal([]byte(raw), &snap)
	return snap
}

func (s stage2Snapshot) plannedQty() decimal.Decimal {
	if f := decimalx.ParseOrZero(s.FilledQty); f.Sign() > 0 {
		return f
	}
	return decimalx.ParseOrZero(s.Q)
}

func (s stage2Snapshot) avgEntry(signalEntry decimal.Decimal) decimal.Decimal {
	f := decimalx.ParseOrZero(s.FilledQty)
	n := decimalx.ParseOrZero(s.FilledNotional)
	if f.Sign() > 0 && n.Sign() > 0 {
		return n.Div(f)
	}
	return signalEntry
}

func (s stage2Snapshot) entryOrderIDs() []string {
	ids := append([]string{}, s.OrderIDs...)
	if s.ReplacementID != "" {
		ids = append(ids, s.ReplacementID)
	}
	return ids
}

// Config tunes the adverse-move threshold and re-entry bounds.
type Config struct {
	AdverseMovePct     decimal.Decimal
	MaxReentryAttempts int
	ReentryRetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AdverseMovePct.IsZero() {
		c.AdverseMovePct = decimal.RequireFromString("0.02")
	}
	if c.MaxReentryAttempts <= 0 {
		c.MaxReentryAttempts = 3
	}
	if c.ReentryRetryDelay <= 0 {
		c.ReentryRetryDelay = 2 * time.Second
	}
	return c
}

// Manager drives Stage 5. Re-entry attempts run on their own
// goroutine per ssot_id (mirroring the original's one asyncio task per
// position) so a slow Stage-2 retry loop never blocks the poll tick.
type Manager struct {
	ssot      *sqlite.SsotStore
	lifecycle *sqlite.LifecycleStore
	exchange  domain.ExchangeClient
	stage2    *executor.Executor
	stage4    *lifecycle.Manager
	report    domain.ReportingChannel
	reportTo  string
	cfg       Config
	log       *slog.Logger
	tel       *telemetry.Logger

	mu              sync.Mutex
	reentryInFlight map[int64]bool
}

// New builds a Manager. tel may be nil to disable Stage-6 telemetry.
func New(ssot *sqlite.SsotStore, lc *sqlite.LifecycleStore, exchange domain.ExchangeClient, stage2 *executor.Executor, stage4 *lifecycle.Manager, report domain.ReportingChannel, reportTo string, cfg Config, log *slog.Logger, tel *telemetry.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		ssot: ssot, lifecycle: lc, exchange: exchange, stage2: stage2, stage4: stage4,
		report: report, reportTo: reportTo, cfg: cfg.withDefaults(), log: log, tel: tel,
		reentryInFlight: make(map[int64]bool),
	}
}

// RunOnce performs one Stage 5 tick: reset attempt counters for
// positions that exited cleanly on take-profit, then watch every
// active position for an adverse-move trigger or a hedge outcome.
func (m *Manager) RunOnce(ctx context.Context) error {
	if err := m.resetCountersAfterCleanExit(ctx); err != nil {
		return fmt.Errorf("hedge.RunOnce: reset counters: %w", err)
	}
	if err := m.monitorActivePositions(ctx); err != nil {
		return fmt.Errorf("hedge.RunOnce: monitor: %w", err)
	}
	return nil
}

func (m *Manager) resetCountersAfterCleanExit(ctx context.Context) error {
	positions, err := m.lifecycle.ListClosedWithPendingReentry(ctx, 200)
	if err != nil {
		return fmt.Errorf("list closed positions: %w", err)
	}
	for _, pos := range positions {
		if !strings.Contains(pos.CloseReason, "position qty exhausted") {
			continue
		}
		pos.ReentryAttempts = 0
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			m.log.Error("reset reentry counter failed", "ssot_id", pos.SsotID, "err", err)
			continue
		}
		if err := m.lifecycle.ClearStage5Lock(ctx, pos.Symbol, pos.Side); err != nil {
			m.log.Warn("clear stage5 lock failed", "ssot_id", pos.SsotID, "err", err)
		}
	}
	return nil
}

func (m *Manager) monitorActivePositions(ctx context.Context) error {
	positions, err := m.lifecycle.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for _, pos := range positions {
		switch pos.Status {
		case domain.PositionOpen:
			if err := m.checkAdverseMove(ctx, pos); err != nil {
				m.log.Error("stage5 adverse-move check failed", "ssot_id", pos.SsotID, "err", err)
			}
		case domain.PositionHedgeMode:
			if err := m.checkHedgeOutcome(ctx, pos); err != nil {
				m.log.Error("stage5 hedge-outcome check failed", "ssot_id", pos.SsotID, "err", err)
			}
		}
	}
	return nil
}

func (m *Manager) checkAdverseMove(ctx context.Context, pos *domain.Position) error {
	if !pos.IsHedgeArmed {
		return nil
	}
	if pos.SignalEntry.Sign() <= 0 || pos.SignalSL.Sign() <= 0 {
		return nil
	}

	ltp, err := m.exchange.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("current price: %w", err)
	}
	if ltp.Sign() <= 0 {
		return nil
	}

	var triggered bool
	if pos.Side == domain.SideLong {
		triggered = ltp.LessThanOrEqual(pos.SignalEntry.Mul(decimal.NewFromInt(1).Sub(m.cfg.AdverseMovePct)))
	} else {
		triggered = ltp.GreaterThanOrEqual(pos.SignalEntry.Mul(decimal.NewFromInt(1).Add(m.cfg.AdverseMovePct)))
	}
	if !triggered {
		return nil
	}
	return m.activateHedge(ctx, pos)
}

func (m *Manager) activateHedge(ctx context.Context, pos *domain.Position) error {
	qty := pos.PlannedQty
	if qty.Sign() <= 0 {
		qty = pos.RemainingQty
	}
	if qty.Sign() <= 0 {
		return nil
	}

	if pos.SignalLeverage.Sign() > 0 {
		if err := m.exchange.SetLeverage(ctx, pos.Symbol, pos.SignalLeverage); err != nil {
			m.log.Warn("set leverage for hedge failed, continuing with exchange default", "ssot_id", pos.SsotID, "err", err)
		}
	}

	// Cancel the original side's TP/SL orders best-effort so Stage 4
	// can't interfere with a position now owned by Stage 5.
	for _, lvl := range pos.TPLevels {
		if lvl.OrderID != "" {
			if err := m.exchange.CancelOrder(ctx, pos.Symbol, lvl.OrderID); err != nil {
				m.log.Warn("cancel original TP before hedge failed", "ssot_id", pos.SsotID, "order_id", lvl.OrderID, "err", err)
			}
		}
	}
	if pos.SLOrderID != "" {
		if err := m.exchange.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			m.log.Warn("cancel original SL before hedge failed", "ssot_id", pos.SsotID, "order_id", pos.SLOrderID, "err", err)
		}
	}
	if err := m.lifecycle.PruneTrackedOrders(ctx, pos.SsotID); err != nil {
		m.log.Warn("prune tracked orders before hedge failed", "ssot_id", pos.SsotID, "err", err)
	}

	hedgeSide := pos.Side.Opposite()
	openSide := domain.OrderBuy
	if hedgeSide == domain.SideShort {
		openSide = domain.OrderSell
	}

	pos.Status = domain.PositionHedgeMode
	pos.IsHedgeArmed = false
	pos.HedgeState = domain.HedgeStateOpen
	pos.SLOrderID = ""
	if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save hedge-mode transition: %w", err)
	}

	placed, err := m.exchange.PlaceMarketOrder(ctx, domain.PlaceMarketOrderRequest{
		Symbol: pos.Symbol, Side: openSide, Qty: qty, ReduceOnly: false, PositionSide: hedgeSide,
	})
	if err != nil || placed == nil {
		m.log.Error("hedge entry placement failed", "ssot_id", pos.SsotID, "err", err)
	} else {
		pos.HedgeEntryOrderID = placed.OrderID
	}

	closeSide := domain.OrderSell
	if hedgeSide == domain.SideShort {
		closeSide = domain.OrderBuy
	}

	tpPlaced, err := m.exchange.PlaceLimitOrder(ctx, domain.PlaceLimitOrderRequest{
		Symbol: pos.Symbol, Side: closeSide, Price: pos.SignalSL, Qty: qty, TIF: "GTC", ReduceOnly: true, PositionSide: hedgeSide,
	})
	if err != nil || tpPlaced == nil {
		m.log.Error("hedge TP placement failed", "ssot_id", pos.SsotID, "err", err)
	} else {
		pos.HedgeTPOrderID = tpPlaced.OrderID
	}

	slPlaced, err := m.exchange.PlaceStopMarketOrder(ctx, domain.PlaceStopMarketOrderRequest{
		Symbol: pos.Symbol, Side: closeSide, StopPrice: pos.SignalEntry, Qty: qty, ReduceOnly: true, PositionSide: hedgeSide,
	})
	if err != nil || slPlaced == nil {
		m.log.Error("hedge SL placement failed", "ssot_id", pos.SsotID, "err", err)
	} else {
		pos.HedgeSLOrderID = slPlaced.OrderID
	}

	if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save hedge orders: %w", err)
	}

	m.notify(ctx, pos.SsotID, fmt.Sprintf("Hedge opened\nsymbol=%s signal_side=%s hedge_side=%s qty=%s hedge_TP(signal_SL)=%s hedge_SL(signal_entry)=%s",
		pos.Symbol, pos.Side, hedgeSide, qty, pos.SignalSL, pos.SignalEntry))
	m.tel.Emit("HEDGE_OPENED", "INFO", "HEDGE", "hedge opened", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: pos.SsotID},
		Payload: map[string]interface{}{
			"symbol": pos.Symbol, "signal_side": string(pos.Side), "hedge_side": string(hedgeSide), "qty": qty.String(),
		},
	})
	return nil
}

func (m *Manager) checkHedgeOutcome(ctx context.Context, pos *domain.Position) error {
	if pos.HedgeTPOrderID == "" && pos.HedgeSLOrderID == "" {
		return nil
	}

	tpFilled, slFilled := false, false
	if pos.HedgeTPOrderID != "" {
		st, err := m.exchange.GetOrderStatus(ctx, pos.Symbol, pos.HedgeTPOrderID)
		if err == nil && st != nil && st.Status == "FILLED" {
			tpFilled = true
		}
	}
	if pos.HedgeSLOrderID != "" {
		st, err := m.exchange.GetOrderStatus(ctx, pos.Symbol, pos.HedgeSLOrderID)
		if err == nil && st != nil && st.Status == "FILLED" {
			slFilled = true
		}
	}
	if !tpFilled && !slFilled {
		return nil
	}

	outcome := "SL"
	if tpFilled {
		outcome = "TP"
	}
	return m.handleHedgeClosed(ctx, pos, outcome)
}

func (m *Manager) handleHedgeClosed(ctx context.Context, pos *domain.Position, outcome string) error {
	attempts := pos.ReentryAttempts + 1

	// The hedge order itself already closed the hedge-side exposure on
	// the exchange; this force-closes any leftover exposure still open
	// on the ORIGINAL side (e.g. an entry that was still filling when
	// the adverse move armed the hedge).
	qtyClose := pos.RemainingQty
	if qtyClose.Sign() <= 0 {
		qtyClose = pos.PlannedQty
	}
	closeSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		closeSide = domain.OrderBuy
	}
	if qtyClose.Sign() > 0 {
		if _, err := m.exchange.PlaceMarketOrder(ctx, domain.PlaceMarketOrderRequest{
			Symbol: pos.Symbol, Side: closeSide, Qty: qtyClose, ReduceOnly: true, PositionSide: pos.Side,
		}); err != nil {
			m.log.Warn("forced exit of original side failed", "ssot_id", pos.SsotID, "err", err)
		}
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionClosed
	pos.RemainingQty = decimal.Zero
	pos.CloseReason = fmt.Sprintf("Stage5: Hedge %s -> forced exit", outcome)
	pos.ClosedAt = &now
	pos.HedgeState = domain.HedgeStateClosed
	pos.ReentryAttempts = attempts
	if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save hedge close: %w", err)
	}
	m.notify(ctx, pos.SsotID, fmt.Sprintf("Hedge closed (%s) -> forced exit", outcome))

	if attempts >= m.cfg.MaxReentryAttempts {
		reason := fmt.Sprintf("Stage5: max re-entry attempts reached (%d)", m.cfg.MaxReentryAttempts)
		if err := m.lifecycle.SetStage5Lock(ctx, pos.Symbol, pos.Side, reason); err != nil {
			m.log.Warn("set stage5 lock failed", "ssot_id", pos.SsotID, "err", err)
		}
		m.notify(ctx, pos.SsotID, reason)
		return nil
	}

	m.mu.Lock()
	if m.reentryInFlight[pos.SsotID] {
		m.mu.Unlock()
		return nil
	}
	m.reentryInFlight[pos.SsotID] = true
	m.mu.Unlock()

	go m.runReentryAttempts(context.WithoutCancel(ctx), pos.SsotID)
	return nil
}

// runReentryAttempts retries Stage-2 re-entry, in the original
// direction, until one completes, the symbol/side lock is set by a
// concurrent max-attempts decision, or this position's own attempt
// count reaches the configured maximum.
func (m *Manager) runReentryAttempts(ctx context.Context, ssotID int64) {
	defer func() {
		m.mu.Lock()
		delete(m.reentryInFlight, ssotID)
		m.mu.Unlock()
	}()

	for {
		pos, err := m.lifecycle.GetPosition(ctx, ssotID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				m.log.Error("reentry: load position failed", "ssot_id", ssotID, "err", err)
			}
			return
		}

		locked, err := m.lifecycle.IsStage5Locked(ctx, pos.Symbol, pos.Side)
		if err == nil && locked {
			return
		}
		if pos.ReentryAttempts >= m.cfg.MaxReentryAttempts {
			reason := fmt.Sprintf("Stage5: max re-entry attempts reached (%d)", m.cfg.MaxReentryAttempts)
			if err := m.lifecycle.SetStage5Lock(ctx, pos.Symbol, pos.Side, reason); err != nil {
				m.log.Warn("set stage5 lock failed", "ssot_id", ssotID, "err", err)
			}
			return
		}
		if pos.SignalEntry.Sign() <= 0 || pos.SignalSL.Sign() <= 0 {
			return
		}

		info, err := m.exchange.GetSymbolInfo(ctx, pos.Symbol)
		if err != nil {
			m.log.Error("reentry: symbol info failed", "ssot_id", ssotID, "err", err)
			return
		}

		tps := make([]decimal.Decimal, len(pos.TPLevels))
		for i, lvl := range pos.TPLevels {
			tps[i] = lvl.Price
		}

		sig := &domain.Signal{
			ID: pos.SsotID, Symbol: pos.Symbol, Side: pos.Side, Entry: pos.SignalEntry, SL: pos.SignalSL,
			TPs: tps, Type: domain.SignalSwing, TickSize: info.TickSize, QtyStep: info.QtyStep,
		}

		status, err := m.stage2.Execute(ctx, sig)
		if err != nil {
			m.log.Warn("reentry: stage2 execute error", "ssot_id", ssotID, "err", err)
			m.tel.Emit("STAGE2_EXECUTE_ERROR", "ERROR", "HEDGE", err.Error(), telemetry.EmitOpts{
				Correlation: telemetry.Correlation{SsotID: ssotID},
				Payload:     map[string]interface{}{"symbol": pos.Symbol},
			})
		}

		if status != domain.SignalCompleted {
			pos.ReentryAttempts++
			if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
				m.log.Error("reentry: save attempt count failed", "ssot_id", ssotID, "err", err)
				return
			}
			m.tel.Emit("REENTRY_ATTEMPT", "INFO", "HEDGE", "reentry attempt did not complete", telemetry.EmitOpts{
				Correlation: telemetry.Correlation{SsotID: ssotID},
				Payload:     map[string]interface{}{"symbol": pos.Symbol, "attempt": fmt.Sprintf("%d", pos.ReentryAttempts), "status": string(status)},
			})
			if pos.ReentryAttempts >= m.cfg.MaxReentryAttempts {
				reason := fmt.Sprintf("Stage5: max re-entry attempts reached (%d)", m.cfg.MaxReentryAttempts)
				if err := m.lifecycle.SetStage5Lock(ctx, pos.Symbol, pos.Side, reason); err != nil {
					m.log.Warn("set stage5 lock failed", "ssot_id", ssotID, "err", err)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.ReentryRetryDelay):
			}
			continue
		}

		freshSig, err := m.ssot.GetByID(ctx, pos.SsotID)
		if err != nil {
			m.log.Error("reentry: reload signal failed", "ssot_id", ssotID, "err", err)
			return
		}
		snap := parseStage2(freshSig.Stage2State)

		for i := range pos.TPLevels {
			pos.TPLevels[i].Status = domain.TPOpen
			pos.TPLevels[i].FilledQty = decimal.Zero
			pos.TPLevels[i].OrderID = ""
		}
		pos.Status = domain.PositionOpen
		pos.PlannedQty = snap.plannedQty()
		pos.RemainingQty = pos.PlannedQty
		pos.AvgEntry = snap.avgEntry(pos.SignalEntry)
		pos.SLPrice = pos.SignalSL
		pos.SLOrderID = ""
		pos.HedgeState = domain.HedgeStateArmed
		pos.IsHedgeArmed = true
		pos.HedgeEntryOrderID = ""
		pos.HedgeTPOrderID = ""
		pos.HedgeSLOrderID = ""
		pos.CloseReason = ""
		pos.ClosedAt = nil
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			m.log.Error("reentry: save reopened position failed", "ssot_id", ssotID, "err", err)
			return
		}

		for _, oid := range snap.entryOrderIDs() {
			if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: oid, SsotID: pos.SsotID, Kind: domain.OrderKindEntry}); err != nil {
				m.log.Warn("reentry: track entry order failed", "ssot_id", ssotID, "order_id", oid, "err", err)
			}
		}

		if err := m.stage4.PlaceInitialProtection(ctx, pos.SsotID); err != nil {
			m.log.Error("reentry: place initial protection failed", "ssot_id", ssotID, "err", err)
		}
		m.notify(ctx, pos.SsotID, fmt.Sprintf("Re-entry filled\nsymbol=%s side=%s qty=%s avg_entry=%s", pos.Symbol, pos.Side, pos.PlannedQty, pos.AvgEntry))
		m.tel.Emit("REENTRY_COMPLETED", "INFO", "HEDGE", "reentry completed", telemetry.EmitOpts{
			Correlation: telemetry.Correlation{SsotID: ssotID},
			Payload: map[string]interface{}{
				"symbol": pos.Symbol, "qty": pos.PlannedQty.String(), "avg_entry": pos.AvgEntry.String(), "status": "COMPLETED",
			},
		})
		return
	}
}

func (m *Manager) notify(ctx context.Context, ssotID int64, text string) {
	if m.report == nil || m.reportTo == "" {
		return
	}
	if _, err := telemetry.SendAndLog(ctx, m.report, m.reportTo, fmt.Sprintf("ssot_id=%d\n%s", ssotID, text), m.tel, telemetry.Correlation{SsotID: ssotID}); err != nil {
		m.log.Warn("notify failed", "ssot_id", ssotID, "err", err)
	}
}
