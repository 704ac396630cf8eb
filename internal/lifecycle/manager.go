// Package lifecycle implements Stage 4: turning a COMPLETED Signal
// into a materialized Position, placing its initial TP ladder and SL,
// and driving that Position's protective orders to a terminal close as
// exchange fills arrive over WS and REST reconcile.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

// stage2Snapshot mirrors the JSON shape internal/executor.Stage2State
// persists into Signal.Stage2State. It is re-declared here (rather than
// importing internal/executor) to keep the Stage-4 package's only
// dependency on Stage 2 a data-shape one, not a compile-time one.
type stage2Snapshot struct {
	Q              string   `json:"q"`
	Leverage       string   `json:"leverage"`
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

// plannedQty prefers the actually-filled quantity recorded by Stage 2
// over the originally planned one, since merges and maker-safety
// shifts can leave the two different.
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

func (s stage2Snapshot) leverage() decimal.Decimal {
	return decimalx.ParseOrZero(s.Leverage)
}

func (s stage2Snapshot) entryOrderIDs() []string {
	ids := append([]string{}, s.OrderIDs...)
	if s.ReplacementID != "" {
		ids = append(ids, s.ReplacementID)
	}
	return ids
}

// Config tunes protective-order behavior.
type Config struct {
	InitBatchLimit       int
	MoveSLToBEAfterTP1   bool
	TrailingAfterTPIndex int
	TrailingEnable       bool
	TrailingOffsetPct    decimal.Decimal
	SLRetryAttempts      int
	SLRetryDelay         time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitBatchLimit <= 0 {
		c.InitBatchLimit = 10
	}
	if c.TrailingOffsetPct.IsZero() {
		c.TrailingOffsetPct = decimal.RequireFromString("0.003")
	}
	if c.SLRetryAttempts <= 0 {
		c.SLRetryAttempts = 3
	}
	if c.SLRetryDelay <= 0 {
		c.SLRetryDelay = 2 * time.Second
	}
	return c
}

// Manager drives Stage 4. It is not safe for concurrent RunOnce calls
// against the same lastInitializedID cursor; callers run one Manager
// per process.
type Manager struct {
	ssot      *sqlite.SsotStore
	lifecycle *sqlite.LifecycleStore
	exchange  domain.ExchangeClient
	report    domain.ReportingChannel
	reportTo  string
	cfg       Config
	log       *slog.Logger
	tel       *telemetry.Logger

	lastInitializedID int64
}

// New builds a Manager. report/reportTo may be nil/empty to disable
// Telegram notification (tests, or a headless deployment). tel may be
// nil to disable Stage-6 telemetry (Logger.Emit is nil-receiver-safe).
func New(ssot *sqlite.SsotStore, lifecycle *sqlite.LifecycleStore, exchange domain.ExchangeClient, report domain.ReportingChannel, reportTo string, cfg Config, log *slog.Logger, tel *telemetry.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{ssot: ssot, lifecycle: lifecycle, exchange: exchange, report: report, reportTo: reportTo, cfg: cfg.withDefaults(), log: log, tel: tel}
}

// RunOnce performs one full Stage 4 cycle: pick up newly COMPLETED
// signals, then reconcile every open position's tracked orders against
// the exchange via REST. Callers loop this on a ticker; WS events are
// applied independently through HandleWSEvent as they arrive.
func (m *Manager) RunOnce(ctx context.Context) error {
	if err := m.InitializeNewPositions(ctx); err != nil {
		return fmt.Errorf("lifecycle.RunOnce: initialize: %w", err)
	}
	if err := m.ReconcileOpenPositions(ctx); err != nil {
		return fmt.Errorf("lifecycle.RunOnce: reconcile: %w", err)
	}
	return nil
}

// InitializeNewPositions materializes every COMPLETED signal past the
// manager's cursor into a Position, idempotently: a position whose
// ssot_id already exists is treated as already initialized and only
// advances the cursor.
func (m *Manager) InitializeNewPositions(ctx context.Context) error {
	sigs, err := m.ssot.ListCompletedAfter(ctx, m.lastInitializedID, m.cfg.InitBatchLimit)
	if err != nil {
		return fmt.Errorf("lifecycle.InitializeNewPositions: list: %w", err)
	}
	for _, sig := range sigs {
		if err := m.initializeOne(ctx, sig); err != nil {
			m.log.Error("stage4 init failed", "ssot_id", sig.ID, "err", err)
		}
		m.lastInitializedID = sig.ID
	}
	return nil
}

func (m *Manager) initializeOne(ctx context.Context, sig *domain.Signal) error {
	_, err := m.lifecycle.GetPosition(ctx, sig.ID)
	if err == nil {
		return nil // already initialized
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("check existing position: %w", err)
	}

	tpLevels := make([]domain.TPLevel, len(sig.TPs))
	for i, tp := range sig.TPs {
		tpLevels[i] = domain.TPLevel{Index: i, Price: tp, Status: domain.TPOpen, FilledQty: decimal.Zero}
	}

	snap := parseStage2(sig.Stage2State)
	qty := snap.plannedQty()
	leverage := snap.leverage()

	pos := &domain.Position{
		SsotID: sig.ID, Symbol: sig.Symbol, Side: sig.Side, Status: domain.PositionOpen,
		PlannedQty: qty, RemainingQty: qty, AvgEntry: snap.avgEntry(sig.Entry),
		RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero,
		SLPrice: sig.SL, TPLevels: tpLevels, TPActiveOrderIDs: nil,
		SignalEntry: sig.Entry, SignalSL: sig.SL, SignalLeverage: leverage,
		IsHedgeArmed: true, HedgeState: domain.HedgeStateArmed,
	}
	if err := m.lifecycle.CreatePosition(ctx, pos); err != nil {
		return fmt.Errorf("create position: %w", err)
	}

	for _, oid := range snap.entryOrderIDs() {
		if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: oid, SsotID: sig.ID, Kind: domain.OrderKindEntry}); err != nil {
			m.log.Warn("track entry order failed", "ssot_id", sig.ID, "order_id", oid, "err", err)
		}
	}

	return m.placeInitialProtection(ctx, pos)
}

// PlaceInitialProtection (re)places the TP ladder and SL for an
// already-materialized position, loaded fresh from the store. Stage 5
// calls this after a successful re-entry, once the position's TP
// levels have been reset to OPEN and its planned/remaining quantity
// updated to the new fill.
func (m *Manager) PlaceInitialProtection(ctx context.Context, ssotID int64) error {
	pos, err := m.lifecycle.GetPosition(ctx, ssotID)
	if err != nil {
		return fmt.Errorf("lifecycle.PlaceInitialProtection: load position: %w", err)
	}
	return m.placeInitialProtection(ctx, pos)
}

// placeInitialProtection places the reduce-only TP ladder (equal split
// across the remaining quantity) and the initial stop-market SL.
func (m *Manager) placeInitialProtection(ctx context.Context, pos *domain.Position) error {
	if pos.RemainingQty.Sign() <= 0 {
		return nil
	}

	info, err := m.exchange.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}

	if len(pos.TPLevels) > 0 {
		if err := m.placeTPLadder(ctx, pos, info); err != nil {
			return fmt.Errorf("place TP ladder: %w", err)
		}
	}

	if pos.SLPrice.Sign() > 0 && pos.SLOrderID == "" {
		if err := m.placeInitialSL(ctx, pos, info); err != nil {
			return fmt.Errorf("place initial SL: %w", err)
		}
	}
	return nil
}

func (m *Manager) placeTPLadder(ctx context.Context, pos *domain.Position, info *domain.SymbolInfo) error {
	n := decimal.NewFromInt(int64(len(pos.TPLevels)))
	per := decimalx.QtyQuantize(pos.RemainingQty.Div(n), info.QtyStep, info.MinQty)
	tpSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		tpSide = domain.OrderBuy
	}

	allocated := decimal.Zero
	activeOIDs := make([]string, 0, len(pos.TPLevels))
	for i := range pos.TPLevels {
		lvl := &pos.TPLevels[i]
		q := per
		if i == len(pos.TPLevels)-1 {
			q = pos.RemainingQty.Sub(allocated)
		}
		if q.Sign() <= 0 || lvl.Price.Sign() <= 0 {
			continue
		}
		allocated = allocated.Add(q)

		placed, err := m.exchange.PlaceLimitOrder(ctx, domain.PlaceLimitOrderRequest{
			Symbol: pos.Symbol, Side: tpSide, Price: lvl.Price, Qty: q, TIF: "GTC", ReduceOnly: true, PositionSide: pos.Side,
		})
		if err != nil || placed == nil || placed.OrderID == "" {
			m.log.Warn("TP placement failed", "ssot_id", pos.SsotID, "level", i, "err", err)
			continue
		}
		lvl.OrderID = placed.OrderID
		activeOIDs = append(activeOIDs, placed.OrderID)
		idx := lvl.Index
		if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: placed.OrderID, SsotID: pos.SsotID, Kind: domain.OrderKindTP, LevelIndex: &idx}); err != nil {
			m.log.Warn("track TP order failed", "ssot_id", pos.SsotID, "order_id", placed.OrderID, "err", err)
		}
	}

	pos.TPActiveOrderIDs = activeOIDs
	return m.lifecycle.SavePosition(ctx, pos)
}

func (m *Manager) placeInitialSL(ctx context.Context, pos *domain.Position, info *domain.SymbolInfo) error {
	current, err := m.exchange.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("current price: %w", err)
	}

	slValid := (pos.Side == domain.SideLong && pos.SLPrice.LessThan(current)) ||
		(pos.Side == domain.SideShort && pos.SLPrice.GreaterThan(current))
	if !slValid {
		pos.Status = domain.PositionNeedsManualProtection
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			return err
		}
		m.notify(ctx, pos.SsotID, fmt.Sprintf("Stage4: SL not placed (needs manual protection)\nsymbol=%s side=%s sl=%s current=%s", pos.Symbol, pos.Side, pos.SLPrice, current))
		return nil
	}

	slSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		slSide = domain.OrderBuy
	}
	stopPrice := decimalx.TickQuantize(pos.SLPrice, info.TickSize)
	placed, err := m.exchange.PlaceStopMarketOrder(ctx, domain.PlaceStopMarketOrderRequest{
		Symbol: pos.Symbol, Side: slSide, StopPrice: stopPrice, Qty: pos.RemainingQty, ReduceOnly: true, PositionSide: pos.Side,
	})
	if err != nil || placed == nil || placed.OrderID == "" {
		pos.Status = domain.PositionNeedsManualProtection
		_ = m.lifecycle.SavePosition(ctx, pos)
		m.notify(ctx, pos.SsotID, fmt.Sprintf("Stage4: SL placement failed (needs manual protection)\nsymbol=%s side=%s sl=%s", pos.Symbol, pos.Side, pos.SLPrice))
		return nil
	}

	pos.SLOrderID = placed.OrderID
	if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
		return err
	}
	return m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: placed.OrderID, SsotID: pos.SsotID, Kind: domain.OrderKindSL})
}

// ReconcileOpenPositions polls every tracked order of every open,
// non-hedged position and advances each order's executed quantity by
// delta. Hedge-mode positions are skipped: Stage 5 owns them.
func (m *Manager) ReconcileOpenPositions(ctx context.Context) error {
	positions, err := m.lifecycle.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle.ReconcileOpenPositions: list positions: %w", err)
	}

	for _, pos := range positions {
		if pos.Status == domain.PositionHedgeMode {
			continue
		}
		if err := m.reconcileOne(ctx, pos); err != nil {
			m.log.Error("stage4 reconcile failed", "ssot_id", pos.SsotID, "err", err)
		}
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, pos *domain.Position) error {
	orders, err := m.lifecycle.ListTrackedOrders(ctx, pos.SsotID)
	if err != nil {
		return fmt.Errorf("list tracked orders: %w", err)
	}

	for _, ord := range orders {
		st, err := m.exchange.GetOrderStatus(ctx, pos.Symbol, ord.OrderID)
		if err != nil || st == nil {
			continue
		}

		lastExec := decimalx.ParseOrZero(ord.LastExecutedQty)
		if st.ExecutedQty.LessThan(lastExec) {
			// Stale read; leave last_executed_qty untouched.
			continue
		}

		delta := st.ExecutedQty.Sub(lastExec)
		if delta.Sign() > 0 {
			if err := m.applyFill(ctx, pos, ord, "", delta, st.AvgPrice, st.Status); err != nil {
				m.log.Error("apply fill failed", "ssot_id", pos.SsotID, "order_id", ord.OrderID, "err", err)
			}
		}

		ord.LastExecutedQty = st.ExecutedQty.String()
		ord.LastStatus = st.Status
		if err := m.lifecycle.UpsertTrackedOrder(ctx, ord); err != nil {
			m.log.Warn("persist tracked order failed", "order_id", ord.OrderID, "err", err)
		}

		if ord.Kind == domain.OrderKindSL && st.Status == "FILLED" {
			return m.closePosition(ctx, pos, "SL filled")
		}
	}

	refreshed, err := m.lifecycle.GetPosition(ctx, pos.SsotID)
	if err != nil {
		return fmt.Errorf("reload position: %w", err)
	}
	if refreshed.Status != domain.PositionClosed && refreshed.RemainingQty.Sign() <= 0 {
		return m.closePosition(ctx, refreshed, "position qty exhausted")
	}
	return nil
}

// HandleWSEvent applies one normalized order-update event, guarding
// against double-counting a fill already seen via REST (or a prior WS
// delivery) using the (OrderID, ExecID) idempotency key.
func (m *Manager) HandleWSEvent(ctx context.Context, ev domain.WSEvent) error {
	if ev.OrderID == "" || ev.ExecID == "" {
		return nil
	}

	ord, err := m.lifecycle.GetTrackedOrder(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil // not one of ours
		}
		return fmt.Errorf("lifecycle.HandleWSEvent: lookup tracked order: %w", err)
	}

	applied, err := m.lifecycle.RecordExecution(ctx, domain.ExecutionRecord{
		OrderID: ev.OrderID, ExecID: ev.ExecID, Qty: ev.Qty.String(), Price: ev.Price.String(), Status: ev.Status, CreatedAt: ev.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("lifecycle.HandleWSEvent: record execution: %w", err)
	}
	if !applied {
		return nil // already processed this exec id
	}

	pos, err := m.lifecycle.GetPosition(ctx, ord.SsotID)
	if err != nil {
		return fmt.Errorf("lifecycle.HandleWSEvent: load position: %w", err)
	}
	if err := m.applyFill(ctx, pos, ord, ev.ExecID, ev.Qty, ev.Price, ev.Status); err != nil {
		return err
	}

	ord.LastStatus = ev.Status
	return m.lifecycle.UpsertTrackedOrder(ctx, ord)
}

func (m *Manager) applyFill(ctx context.Context, pos *domain.Position, ord *domain.TrackedOrder, execID string, fillQty, fillPrice decimal.Decimal, status string) error {
	if ord.Kind == domain.OrderKindEntry {
		return nil // Stage 2 already completed; entry fills are informational here.
	}

	newRemaining := pos.RemainingAfter(fillQty)
	pnlDelta := decimal.Zero
	if fillPrice.Sign() > 0 && pos.AvgEntry.Sign() > 0 {
		if pos.Side == domain.SideLong {
			pnlDelta = fillPrice.Sub(pos.AvgEntry).Mul(fillQty)
		} else {
			pnlDelta = pos.AvgEntry.Sub(fillPrice).Mul(fillQty)
		}
	}

	switch ord.Kind {
	case domain.OrderKindTP:
		if ord.LevelIndex == nil {
			break
		}
		lvl := pos.TPLevelAt(*ord.LevelIndex)
		if lvl == nil {
			break
		}
		lvl.FilledQty = lvl.FilledQty.Add(fillQty)
		if status == "FILLED" {
			lvl.Status = domain.TPCompleted
			pos.TPActiveOrderIDs = removeString(pos.TPActiveOrderIDs, ord.OrderID)
		} else {
			lvl.Status = domain.TPPartial
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnlDelta)
		pos.RemainingQty = newRemaining
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			return err
		}
		m.notify(ctx, pos.SsotID, fmt.Sprintf("TP fill confirmed\nsymbol=%s order_id=%s tp_index=%d fill_qty=%s remaining_qty=%s", pos.Symbol, ord.OrderID, *ord.LevelIndex+1, fillQty, newRemaining))
		m.tel.Emit("TP_FILL", "INFO", "LIFECYCLE", "tp fill confirmed", telemetry.EmitOpts{
			Correlation: telemetry.Correlation{SsotID: pos.SsotID, ExchangeOrderID: ord.OrderID},
			Payload: map[string]interface{}{
				"symbol": pos.Symbol, "tp_index": fmt.Sprintf("%d", *ord.LevelIndex+1),
				"fill_qty": fillQty.String(), "pnl_usdt": pnlDelta.String(), "remaining_qty": newRemaining.String(),
			},
		})

		if *ord.LevelIndex == 0 && m.cfg.MoveSLToBEAfterTP1 {
			if err := m.moveSLToBE(ctx, pos); err != nil {
				m.log.Error("move SL to BE failed", "ssot_id", pos.SsotID, "err", err)
			}
		}
		if *ord.LevelIndex >= m.cfg.TrailingAfterTPIndex && m.cfg.TrailingEnable {
			if err := m.moveTrailingSL(ctx, pos); err != nil {
				m.log.Error("trailing SL failed", "ssot_id", pos.SsotID, "err", err)
			}
		}

	case domain.OrderKindSL:
		pos.RealizedPnL = pos.RealizedPnL.Add(pnlDelta)
		pos.RemainingQty = newRemaining
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			return err
		}
		m.notify(ctx, pos.SsotID, fmt.Sprintf("SL fill confirmed\nsymbol=%s order_id=%s fill_qty=%s remaining_qty=%s", pos.Symbol, ord.OrderID, fillQty, newRemaining))
		m.tel.Emit("SL_FILL", "INFO", "LIFECYCLE", "sl fill confirmed", telemetry.EmitOpts{
			Correlation: telemetry.Correlation{SsotID: pos.SsotID, ExchangeOrderID: ord.OrderID},
			Payload: map[string]interface{}{
				"symbol": pos.Symbol, "fill_qty": fillQty.String(),
				"pnl_usdt": pnlDelta.String(), "remaining_qty": newRemaining.String(),
			},
		})
	}

	_ = execID
	return nil
}

// moveSLToBE cancels the current SL and re-places it at the position's
// average entry, reduce-only, for the full remaining quantity.
func (m *Manager) moveSLToBE(ctx context.Context, pos *domain.Position) error {
	if pos.Status == domain.PositionNeedsManualProtection || pos.Status == domain.PositionClosed {
		return nil
	}
	if pos.AvgEntry.Sign() <= 0 || pos.RemainingQty.Sign() <= 0 {
		return nil
	}
	return m.replaceSL(ctx, pos, pos.AvgEntry, "SL_MOVED_BE", "SL moved to Break-Even")
}

// moveTrailingSL cancels the current SL and re-places it offset from
// the current market price, trailing the position.
func (m *Manager) moveTrailingSL(ctx context.Context, pos *domain.Position) error {
	if pos.Status == domain.PositionNeedsManualProtection || pos.Status == domain.PositionClosed {
		return nil
	}
	if pos.RemainingQty.Sign() <= 0 {
		return nil
	}

	current, err := m.exchange.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil || current.Sign() <= 0 {
		return err
	}

	var newSL decimal.Decimal
	if pos.Side == domain.SideLong {
		newSL = current.Mul(decimal.NewFromInt(1).Sub(m.cfg.TrailingOffsetPct))
	} else {
		newSL = current.Mul(decimal.NewFromInt(1).Add(m.cfg.TrailingOffsetPct))
	}
	return m.replaceSLWithRetry(ctx, pos, newSL, "SL_TRAILING_SET", "Trailing SL activated")
}

func (m *Manager) replaceSL(ctx context.Context, pos *domain.Position, newSL decimal.Decimal, event, message string) error {
	return m.replaceSLAttempt(ctx, pos, newSL, event, message)
}

func (m *Manager) replaceSLWithRetry(ctx context.Context, pos *domain.Position, newSL decimal.Decimal, event, message string) error {
	var lastErr error
	for i := 0; i < m.cfg.SLRetryAttempts; i++ {
		if err := m.replaceSLAttempt(ctx, pos, newSL, event, message); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.SLRetryDelay):
		}
	}
	return lastErr
}

func (m *Manager) replaceSLAttempt(ctx context.Context, pos *domain.Position, newSL decimal.Decimal, event, message string) error {
	if pos.SLOrderID != "" {
		if err := m.exchange.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
			m.log.Warn("cancel old SL failed", "ssot_id", pos.SsotID, "order_id", pos.SLOrderID, "err", err)
		}
	}

	slSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		slSide = domain.OrderBuy
	}
	placed, err := m.exchange.PlaceStopMarketOrder(ctx, domain.PlaceStopMarketOrderRequest{
		Symbol: pos.Symbol, Side: slSide, StopPrice: newSL, Qty: pos.RemainingQty, ReduceOnly: true, PositionSide: pos.Side,
	})
	if err != nil || placed == nil || placed.OrderID == "" {
		pos.Status = domain.PositionNeedsManualProtection
		_ = m.lifecycle.SavePosition(ctx, pos)
		m.notify(ctx, pos.SsotID, fmt.Sprintf("Stage4: %s failed (needs manual protection)\nsymbol=%s new_sl=%s", event, pos.Symbol, newSL))
		return fmt.Errorf("place stop market order: %w", err)
	}

	pos.SLOrderID = placed.OrderID
	pos.SLPrice = newSL
	if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
		return err
	}
	if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: placed.OrderID, SsotID: pos.SsotID, Kind: domain.OrderKindSL}); err != nil {
		m.log.Warn("track new SL failed", "ssot_id", pos.SsotID, "order_id", placed.OrderID, "err", err)
	}

	m.notify(ctx, pos.SsotID, fmt.Sprintf("%s\nsymbol=%s new_sl=%s", message, pos.Symbol, newSL))
	return nil
}

func (m *Manager) closePosition(ctx context.Context, pos *domain.Position, reason string) error {
	if pos.Status == domain.PositionClosed {
		return nil
	}

	for i := range pos.TPLevels {
		lvl := &pos.TPLevels[i]
		if lvl.OrderID != "" {
			if err := m.exchange.CancelOrder(ctx, pos.Symbol, lvl.OrderID); err != nil {
				m.log.Warn("cancel TP at close failed", "ssot_id", pos.SsotID, "order_id", lvl.OrderID, "err", err)
			}
		}
		if lvl.FilledQty.Sign() > 0 {
			lvl.Status = domain.TPCompleted
		}
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionClosed
	pos.RemainingQty = decimal.Zero
	pos.TPActiveOrderIDs = nil
	pos.CloseReason = reason
	pos.ClosedAt = &now

	if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("lifecycle.closePosition: save: %w", err)
	}
	if err := m.lifecycle.PruneTrackedOrders(ctx, pos.SsotID); err != nil {
		m.log.Warn("prune tracked orders failed", "ssot_id", pos.SsotID, "err", err)
	}

	m.notify(ctx, pos.SsotID, fmt.Sprintf("Position CLOSED\nsymbol=%s reason=%s", pos.Symbol, reason))
	m.tel.Emit("POSITION_CLOSED", "INFO", "LIFECYCLE", "position closed", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: pos.SsotID},
		Payload:     map[string]interface{}{"symbol": pos.Symbol, "reason": reason, "realized_pnl_usdt": pos.RealizedPnL.String()},
	})
	return nil
}

func (m *Manager) notify(ctx context.Context, ssotID int64, text string) {
	if m.report == nil || m.reportTo == "" {
		return
	}
	msg := fmt.Sprintf("ssot_id=%d\n%s", ssotID, text)
	if _, err := telemetry.SendAndLog(ctx, m.report, m.reportTo, msg, m.tel, telemetry.Correlation{SsotID: ssotID}); err != nil {
		m.log.Warn("notify failed", "ssot_id", ssotID, "err", err)
	}
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, s := range in {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
