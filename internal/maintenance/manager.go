// Package maintenance implements Stage 7: the continuous-operation
// layer that runs alongside every other stage. It cancels orphaned
// Stage-2 entry orders that never got a position, hard-closes Stage-4
// positions the exchange no longer shows, reconciles unmapped exchange
// positions back onto the SSoT queue, and repairs missing TP/SL
// protection for positions that already have one. All of it is
// exchange-confirmed-only: a guess is never substituted for a read.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

// Config tunes the cleanup ages and reconcile cadence. The two cleanup
// jobs and the reconcile job run on their own caller-driven tickers
// (mirroring the three independent intervals the original ran as
// separate asyncio loops); Config only carries what the jobs need to
// decide staleness, not the tickers themselves.
type Config struct {
	TimeoutShort time.Duration // age past which a Stage-2 entry order is orphan-cleaned (24h)
	TimeoutLong  time.Duration // age past which a Stage-2 row is hard-cleaned and a Stage-4 position hard-closed (6d)
}

func (c Config) withDefaults() Config {
	if c.TimeoutShort <= 0 {
		c.TimeoutShort = 24 * time.Hour
	}
	if c.TimeoutLong <= 0 {
		c.TimeoutLong = 6 * 24 * time.Hour
	}
	return c
}

// Manager drives Stage 7. It holds no per-run state; every method is
// a standalone sweep safe to call on its own ticker.
type Manager struct {
	ssot      *sqlite.SsotStore
	lifecycle *sqlite.LifecycleStore
	exchange  domain.ExchangeClient
	report    domain.ReportingChannel
	reportTo  string
	cfg       Config
	log       *slog.Logger
	tel       *telemetry.Logger
}

// New builds a Manager. report/reportTo may be nil/empty to disable
// Telegram alerts; tel may be nil to disable Stage-6 telemetry.
func New(ssot *sqlite.SsotStore, lifecycle *sqlite.LifecycleStore, exchange domain.ExchangeClient, report domain.ReportingChannel, reportTo string, cfg Config, log *slog.Logger, tel *telemetry.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{ssot: ssot, lifecycle: lifecycle, exchange: exchange, report: report, reportTo: reportTo, cfg: cfg.withDefaults(), log: log, tel: tel}
}

var cleanupStatuses = []domain.SignalStatus{
	domain.SignalClaimed, domain.SignalStage2Running, domain.SignalStage2Planned,
	domain.SignalWaitingForFills, domain.SignalExpired, domain.SignalFailed,
}

// CleanupStale24h cancels Stage-2 entry orders for rows that have sat
// in a non-terminal placement status for 24h and have no corresponding
// exchange position.
func (m *Manager) CleanupStale24h(ctx context.Context) error {
	return m.cleanupStage2Stale(ctx, m.cfg.TimeoutShort, domain.SignalCleaned24h, "Stage7: stale entry orders canceled (24h)")
}

// CleanupStale6d cancels Stage-2 entry orders for rows 6 days stale,
// then hard-closes any Stage-4 position of the same age the exchange
// no longer shows.
func (m *Manager) CleanupStale6d(ctx context.Context) error {
	if err := m.cleanupStage2Stale(ctx, m.cfg.TimeoutLong, domain.SignalCleaned6d, "Stage7: stale entry orders canceled (6d)"); err != nil {
		return err
	}
	return m.hardCloseStalePositions(ctx, m.cfg.TimeoutLong)
}

func (m *Manager) cleanupStage2Stale(ctx context.Context, age time.Duration, marker domain.SignalStatus, reason string) error {
	cutoff := time.Now().UTC().Add(-age)
	rows, err := m.ssot.ListOlderThan(ctx, cutoff, cleanupStatuses)
	if err != nil {
		return fmt.Errorf("maintenance.cleanupStage2Stale: list: %w", err)
	}

	cleaned := 0
	for _, sig := range rows {
		orderIDs := extractStage2OrderIDs(sig.Stage2State)
		if sig.Symbol == "" || len(orderIDs) == 0 {
			continue
		}
		hasPos, err := m.hasExchangePosition(ctx, sig.Symbol, sig.Side)
		if err != nil {
			m.log.Warn("maintenance: exchange position check failed", "ssot_id", sig.ID, "err", err)
			continue
		}
		if hasPos {
			continue
		}

		canceledAny := false
		for _, oid := range orderIDs {
			if m.cancelIfOpen(ctx, sig.Symbol, oid) {
				canceledAny = true
			}
		}
		if !canceledAny {
			continue
		}

		if err := m.ssot.UpdateState(ctx, sig.ID, marker, sig.Stage2State, reason); err != nil {
			m.log.Error("maintenance: mark cleaned failed", "ssot_id", sig.ID, "err", err)
			continue
		}
		cleaned++

		m.tel.Emit("STAGE7_CLEANUP", "INFO", "STAGE7", reason, telemetry.EmitOpts{
			Correlation: telemetry.Correlation{SsotID: sig.ID},
			Payload:     map[string]interface{}{"symbol": sig.Symbol, "side": string(sig.Side), "marker": string(marker), "order_count": fmt.Sprintf("%d", len(orderIDs))},
		})
		m.notify(ctx, sig.ID, fmt.Sprintf("Stage7 CLEANUP\ntype=%s\nsymbol=%s side=%s canceled_orders=%d", marker, sig.Symbol, sig.Side, len(orderIDs)))
	}

	if cleaned > 0 {
		m.tel.Emit("STAGE7_CLEANUP_SUMMARY", "INFO", "STAGE7", "cleanup summary", telemetry.EmitOpts{
			Payload: map[string]interface{}{"marker": string(marker), "cleaned_count": fmt.Sprintf("%d", cleaned)},
		})
	}
	return nil
}

func (m *Manager) hardCloseStalePositions(ctx context.Context, age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age)
	positions, err := m.lifecycle.ListPositionsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("maintenance.hardCloseStalePositions: list: %w", err)
	}

	closed := 0
	for _, pos := range positions {
		if pos.Status == domain.PositionHedgeMode {
			continue // Stage 5 owns this position while a hedge is in flight.
		}
		hasPos, err := m.hasExchangePosition(ctx, pos.Symbol, pos.Side)
		if err != nil {
			m.log.Warn("maintenance: exchange position check failed", "ssot_id", pos.SsotID, "err", err)
			continue
		}
		if hasPos {
			continue
		}

		tracked, err := m.lifecycle.ListTrackedOrders(ctx, pos.SsotID)
		if err != nil {
			m.log.Warn("maintenance: list tracked orders failed", "ssot_id", pos.SsotID, "err", err)
		}
		for _, t := range tracked {
			m.cancelIfOpen(ctx, pos.Symbol, t.OrderID)
		}

		now := time.Now().UTC()
		pos.Status = domain.PositionClosed
		pos.RemainingQty = decimal.Zero
		pos.CloseReason = "Stage7: hard reset (6d) - no exchange position"
		pos.ClosedAt = &now
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			m.log.Error("maintenance: hard close save failed", "ssot_id", pos.SsotID, "err", err)
			continue
		}
		if err := m.lifecycle.PruneTrackedOrders(ctx, pos.SsotID); err != nil {
			m.log.Warn("maintenance: prune tracked orders failed", "ssot_id", pos.SsotID, "err", err)
		}
		closed++

		m.tel.Emit("STAGE7_STAGE4_HARD_CLOSE", "WARNING", "STAGE7", "hard closed stale position", telemetry.EmitOpts{
			Correlation: telemetry.Correlation{SsotID: pos.SsotID},
			Payload:     map[string]interface{}{"symbol": pos.Symbol, "side": string(pos.Side)},
		})
	}

	if closed > 0 {
		m.tel.Emit("STAGE7_STAGE4_HARD_CLOSE_SUMMARY", "INFO", "STAGE7", "hard close summary", telemetry.EmitOpts{
			Payload: map[string]interface{}{"closed_count": fmt.Sprintf("%d", closed)},
		})
	}
	return nil
}

// ReconcileOnce maps every exchange-reported open position back onto
// the SSoT queue: restoring a missing Stage-4 row, repairing missing
// protection on an existing one, or alerting when the mapping is
// ambiguous. Called on boot and on a short ticker thereafter.
func (m *Manager) ReconcileOnce(ctx context.Context, reason string) error {
	snaps, err := m.exchange.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("maintenance.ReconcileOnce: get positions: %w", err)
	}

	restored, repaired, unknown := 0, 0, 0
	for _, snap := range snaps {
		if snap.PositionAmt.IsZero() {
			continue
		}

		ssotID, err := m.ssot.FindLatestForSymbolSide(ctx, snap.Symbol, snap.PositionSide)
		if err != nil && err != domain.ErrNotFound {
			m.log.Warn("maintenance: find latest signal failed", "symbol", snap.Symbol, "err", err)
			continue
		}
		if ssotID == 0 {
			if m.isKnownHedge(ctx, snap.Symbol, snap.PositionSide) {
				continue
			}
			unknown++
			m.notify(ctx, 0, fmt.Sprintf("Stage7: unmapped open position\nsymbol=%s side=%s qty=%s reason=no matching ssot_queue row", snap.Symbol, snap.PositionSide, snap.PositionAmt))
			continue
		}

		pos, err := m.lifecycle.GetPosition(ctx, ssotID)
		if err != nil && err != domain.ErrNotFound {
			m.log.Warn("maintenance: get position failed", "ssot_id", ssotID, "err", err)
			continue
		}
		if pos == nil {
			ok, err := m.restorePositionFromSsot(ctx, ssotID, snap)
			if err != nil {
				m.log.Warn("maintenance: restore position failed", "ssot_id", ssotID, "err", err)
				continue
			}
			if !ok {
				continue
			}
			restored++
			pos, err = m.lifecycle.GetPosition(ctx, ssotID)
			if err != nil {
				continue
			}
		}

		if pos.Status == domain.PositionHedgeMode {
			continue
		}

		didRepair, err := m.ensureProtection(ctx, ssotID)
		if err != nil {
			m.log.Warn("maintenance: ensure protection failed", "ssot_id", ssotID, "err", err)
		}
		if didRepair {
			repaired++
		}
	}

	if restored > 0 || repaired > 0 || unknown > 0 {
		m.tel.Emit("STAGE7_RECONCILE_SUMMARY", "INFO", "STAGE7", "reconcile summary", telemetry.EmitOpts{
			Payload: map[string]interface{}{
				"reason": reason, "restored": fmt.Sprintf("%d", restored),
				"repaired": fmt.Sprintf("%d", repaired), "unknown": fmt.Sprintf("%d", unknown),
			},
		})
	}
	return nil
}

// isKnownHedge checks whether an unmapped position is actually a
// Stage-5 hedge owned by the opposite-side signal, before alerting.
func (m *Manager) isKnownHedge(ctx context.Context, symbol string, side domain.Side) bool {
	parentID, err := m.ssot.FindLatestForSymbolSide(ctx, symbol, side.Opposite())
	if err != nil || parentID == 0 {
		return false
	}
	pos, err := m.lifecycle.GetPosition(ctx, parentID)
	if err != nil || pos == nil {
		return false
	}
	return pos.HedgeState == domain.HedgeStateOpen || pos.Status == domain.PositionHedgeMode
}

func (m *Manager) restorePositionFromSsot(ctx context.Context, ssotID int64, snap domain.PositionSnapshot) (bool, error) {
	sig, err := m.ssot.GetByID(ctx, ssotID)
	if err != nil {
		return false, err
	}

	tpLevels := make([]domain.TPLevel, len(sig.TPs))
	for i, price := range sig.TPs {
		tpLevels[i] = domain.TPLevel{Index: i, Price: price, Status: domain.TPOpen}
	}

	remaining := snap.PositionAmt.Abs()
	pos := &domain.Position{
		SsotID: ssotID, Symbol: snap.Symbol, Side: snap.PositionSide, Status: domain.PositionOpen,
		PlannedQty: remaining, RemainingQty: remaining, AvgEntry: snap.AvgPrice,
		SLPrice: sig.SL, SignalEntry: sig.Entry, SignalSL: sig.SL, TPLevels: tpLevels,
	}
	if err := m.lifecycle.CreatePosition(ctx, pos); err != nil {
		return false, err
	}

	for _, oid := range extractStage2OrderIDs(sig.Stage2State) {
		if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: oid, SsotID: ssotID, Kind: domain.OrderKindEntry}); err != nil {
			m.log.Warn("maintenance: track restored entry order failed", "ssot_id", ssotID, "order_id", oid, "err", err)
		}
	}

	m.tel.Emit("STAGE7_RESTORED_STAGE4_ROW", "WARNING", "STAGE7", "restored position row from exchange snapshot", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: ssotID},
		Payload:     map[string]interface{}{"symbol": snap.Symbol, "side": string(snap.PositionSide)},
	})
	m.notify(ctx, ssotID, fmt.Sprintf("Stage7 RESTORE\nsymbol=%s side=%s", snap.Symbol, snap.PositionSide))
	return true, nil
}

// ensureProtection places any TP/SL orders missing from an otherwise
// tracked position. It refuses to guess: if the exchange already shows
// open orders for the symbol and nothing is tracked, it marks the
// position NEEDS_MANUAL_PROTECTION and alerts instead of placing.
func (m *Manager) ensureProtection(ctx context.Context, ssotID int64) (bool, error) {
	pos, err := m.lifecycle.GetPosition(ctx, ssotID)
	if err != nil {
		return false, err
	}
	if pos.Status == domain.PositionClosed || pos.Status == domain.PositionHedgeMode {
		return false, nil
	}

	openOrders, err := m.exchange.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	if len(openOrders) > 0 {
		hasTracked := pos.SLOrderID != ""
		for _, lvl := range pos.TPLevels {
			if lvl.OrderID != "" {
				hasTracked = true
			}
		}
		if !hasTracked {
			if pos.Status == domain.PositionNeedsManualProtection {
				return false, nil
			}
			pos.Status = domain.PositionNeedsManualProtection
			if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
				return false, err
			}
			m.notify(ctx, ssotID, fmt.Sprintf("Stage7: protection ambiguous (open orders exist)\nsymbol=%s side=%s action=NOT placing TP/SL automatically", pos.Symbol, pos.Side))
			return false, nil
		}
	}

	if pos.RemainingQty.Sign() <= 0 {
		return false, nil
	}

	repaired := false
	tpSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		tpSide = domain.OrderBuy
	}

	missing := 0
	for _, lvl := range pos.TPLevels {
		if lvl.OrderID == "" {
			missing++
		}
	}
	if missing > 0 {
		per := pos.RemainingQty.Div(decimal.NewFromInt(int64(len(pos.TPLevels))))
		allocated := decimal.Zero
		for i := range pos.TPLevels {
			lvl := &pos.TPLevels[i]
			if lvl.OrderID != "" || lvl.Price.Sign() <= 0 {
				continue
			}
			qty := per
			if i == len(pos.TPLevels)-1 {
				qty = pos.RemainingQty.Sub(allocated)
			}
			if qty.Sign() <= 0 {
				continue
			}
			placed, err := m.exchange.PlaceLimitOrder(ctx, domain.PlaceLimitOrderRequest{
				Symbol: pos.Symbol, Side: tpSide, Price: lvl.Price, Qty: qty, TIF: "GTC", ReduceOnly: true, PositionSide: pos.Side,
			})
			if err == nil && placed != nil && placed.OrderID != "" {
				lvl.OrderID = placed.OrderID
				allocated = allocated.Add(qty)
				repaired = true
				if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: placed.OrderID, SsotID: ssotID, Kind: domain.OrderKindTP, LevelIndex: &lvl.Index}); err != nil {
					m.log.Warn("maintenance: track repaired TP failed", "ssot_id", ssotID, "err", err)
				}
			}
		}
		if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
			return repaired, err
		}
	}

	if pos.SLOrderID == "" && pos.SLPrice.Sign() > 0 {
		slSide := domain.OrderSell
		if pos.Side == domain.SideShort {
			slSide = domain.OrderBuy
		}
		placed, err := m.exchange.PlaceStopMarketOrder(ctx, domain.PlaceStopMarketOrderRequest{
			Symbol: pos.Symbol, Side: slSide, StopPrice: pos.SLPrice, Qty: pos.RemainingQty, ReduceOnly: true, PositionSide: pos.Side,
		})
		if err == nil && placed != nil && placed.OrderID != "" {
			pos.SLOrderID = placed.OrderID
			repaired = true
			if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
				return repaired, err
			}
			if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{OrderID: placed.OrderID, SsotID: ssotID, Kind: domain.OrderKindSL}); err != nil {
				m.log.Warn("maintenance: track repaired SL failed", "ssot_id", ssotID, "err", err)
			}
		} else {
			pos.Status = domain.PositionNeedsManualProtection
			_ = m.lifecycle.SavePosition(ctx, pos)
			m.notify(ctx, ssotID, fmt.Sprintf("Stage7: SL placement failed (needs manual protection)\nsymbol=%s side=%s sl=%s", pos.Symbol, pos.Side, pos.SLPrice))
		}
	}

	if repaired {
		m.tel.Emit("STAGE7_PROTECTION_REPAIRED", "INFO", "STAGE7", "protection repaired", telemetry.EmitOpts{
			Correlation: telemetry.Correlation{SsotID: ssotID},
			Payload:     map[string]interface{}{"symbol": pos.Symbol, "side": string(pos.Side)},
		})
	}
	return repaired, nil
}

func (m *Manager) hasExchangePosition(ctx context.Context, symbol string, side domain.Side) (bool, error) {
	snaps, err := m.exchange.GetPositions(ctx, symbol)
	if err != nil {
		return false, err
	}
	for _, s := range snaps {
		if s.Symbol == symbol && s.PositionSide == side && !s.PositionAmt.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) cancelIfOpen(ctx context.Context, symbol, orderID string) bool {
	if orderID == "" {
		return false
	}
	st, err := m.exchange.GetOrderStatus(ctx, symbol, orderID)
	if err != nil || st == nil {
		return false
	}
	if st.Status != "NEW" && st.Status != "PARTIALLY_FILLED" {
		return false
	}
	if err := m.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		m.log.Warn("maintenance: cancel order failed", "symbol", symbol, "order_id", orderID, "err", err)
	}
	return true
}

func (m *Manager) notify(ctx context.Context, ssotID int64, text string) {
	if m.report == nil || m.reportTo == "" {
		return
	}
	msg := text
	if ssotID > 0 {
		msg = fmt.Sprintf("ssot_id=%d\n%s", ssotID, text)
	}
	if _, err := telemetry.SendAndLog(ctx, m.report, m.reportTo, msg, m.tel, telemetry.Correlation{SsotID: ssotID}); err != nil {
		m.log.Warn("maintenance: notify failed", "ssot_id", ssotID, "err", err)
	}
}

// stage2Snapshot mirrors internal/executor.Stage2State's JSON shape
// (re-declared locally for the same data-shape-only dependency reason
// internal/lifecycle and internal/hedge already use).
type stage2Snapshot struct {
	OrderIDs      []string `json:"order_ids"`
	ReplacementID string   `json:"replacement_id,omitempty"`
}

func parseStage2Snapshot(raw string) stage2Snapshot {
	var snap stage2Snapshot
	if raw == "" {
		return snap
	}
	_ = json.Unmarshal([]byte(raw), &snap)
	return snap
}

// extractStage2OrderIDs collects the original entry order ids plus any
// maker-safety replacement, deduplicated.
func extractStage2OrderIDs(raw string) []string {
	snap := parseStage2Snapshot(raw)
	ids := append([]string{}, snap.OrderIDs...)
	if snap.ReplacementID != "" {
		ids = append(ids, snap.ReplacementID)
	}
	return dedupStrings(ids)
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
