// Package pyramid implements Stage 4.5: adding to winning positions as
// they cross unrealized-PnL thresholds, up to a bounded multiple of the
// original planned size. It never touches protective orders — TP/SL
// ladders stay exactly as Stage 4 placed them.
package pyramid

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

// Config mirrors the Python manager's threshold/size knobs.
type Config struct {
	Enabled           bool
	Threshold1Pct     decimal.Decimal // unrealized PnL / initial margin, as a percent; e.g. 3.0 means 3%
	Threshold2Pct     decimal.Decimal
	AddSize1          decimal.Decimal // fraction of original planned qty, e.g. 0.5
	AddSize2          decimal.Decimal
	MaxSizeMultiplier decimal.Decimal // cap on remaining_qty / planned_qty after additions
}

func (c Config) withDefaults() Config {
	if c.Threshold1Pct.IsZero() {
		c.Threshold1Pct = decimal.NewFromInt(3)
	}
	if c.Threshold2Pct.IsZero() {
		c.Threshold2Pct = decimal.NewFromInt(6)
	}
	if c.AddSize1.IsZero() {
		c.AddSize1 = decimal.RequireFromString("0.5")
	}
	if c.AddSize2.IsZero() {
		c.AddSize2 = decimal.RequireFromString("0.25")
	}
	if c.MaxSizeMultiplier.IsZero() {
		c.MaxSizeMultiplier = decimal.NewFromInt(2)
	}
	return c
}

// Manager scans open positions once per call and scales winners in.
// The caller (cmd/tradingbot) drives its own poll loop around RunOnce.
type Manager struct {
	lifecycle *sqlite.LifecycleStore
	exchange  domain.ExchangeClient
	cfg       Config
	log       *slog.Logger
	tel       *telemetry.Logger
}

// New builds a Manager. tel may be nil to disable Stage-6 telemetry.
func New(lifecycle *sqlite.LifecycleStore, exchange domain.ExchangeClient, cfg Config, log *slog.Logger, tel *telemetry.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{lifecycle: lifecycle, exchange: exchange, cfg: cfg.withDefaults(), log: log, tel: tel}
}

// RunOnce scans every open position for a pyramid opportunity.
func (m *Manager) RunOnce(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	positions, err := m.lifecycle.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("pyramid: list open positions: %w", err)
	}
	for _, pos := range positions {
		if err := m.checkOne(ctx, pos); err != nil {
			m.log.Error("pyramid check failed", "ssot_id", pos.SsotID, "error", err)
		}
	}
	return nil
}

func (m *Manager) checkOne(ctx context.Context, pos *domain.Position) error {
	if pos.Status != domain.PositionOpen {
		return nil
	}
	if pos.PlannedQty.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	snapshots, err := m.exchange.GetPositions(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	var exch *domain.PositionSnapshot
	for i := range snapshots {
		if snapshots[i].PositionSide == pos.Side {
			exch = &snapshots[i]
			break
		}
	}
	if exch == nil {
		return nil
	}
	if exch.PositionInitialMargin.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	pnlPct := exch.UnrealizedPnL.Div(exch.PositionInitialMargin).Mul(decimal.NewFromInt(100))

	switch {
	case !pos.PyramidState.Scale1Done && pnlPct.GreaterThanOrEqual(m.cfg.Threshold1Pct):
		addQty := pos.PlannedQty.Mul(m.cfg.AddSize1)
		ok, err := m.addToPosition(ctx, pos, addQty, "1")
		if err != nil {
			return err
		}
		if ok {
			now := time.Now().UTC()
			pos.PyramidState.Scale1Done = true
			pos.PyramidState.Scale1At = &now
			if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
				return fmt.Errorf("save after scale 1: %w", err)
			}
			m.log.Info("pyramid scale 1 added", "ssot_id", pos.SsotID, "symbol", pos.Symbol, "qty", addQty.String())
			m.tel.Emit("PYRAMID_SCALE", "INFO", "PYRAMID", "pyramid scale 1 added", telemetry.EmitOpts{
				Correlation: telemetry.Correlation{SsotID: pos.SsotID},
				Payload:     map[string]interface{}{"symbol": pos.Symbol, "scale": "1", "add_qty": addQty.String(), "pnl_pct": pnlPct.String()},
			})
		}

	case pos.PyramidState.Scale1Done && !pos.PyramidState.Scale2Done && pnlPct.GreaterThanOrEqual(m.cfg.Threshold2Pct):
		addQty := pos.PlannedQty.Mul(m.cfg.AddSize2)
		ok, err := m.addToPosition(ctx, pos, addQty, "2")
		if err != nil {
			return err
		}
		if ok {
			now := time.Now().UTC()
			pos.PyramidState.Scale2Done = true
			pos.PyramidState.Scale2At = &now
			if err := m.lifecycle.SavePosition(ctx, pos); err != nil {
				return fmt.Errorf("save after scale 2: %w", err)
			}
			m.log.Info("pyramid scale 2 added", "ssot_id", pos.SsotID, "symbol", pos.Symbol, "qty", addQty.String())
			m.tel.Emit("PYRAMID_SCALE", "INFO", "PYRAMID", "pyramid scale 2 added", telemetry.EmitOpts{
				Correlation: telemetry.Correlation{SsotID: pos.SsotID},
				Payload:     map[string]interface{}{"symbol": pos.Symbol, "scale": "2", "add_qty": addQty.String(), "pnl_pct": pnlPct.String()},
			})
		}
	}
	return nil
}

// addToPosition places a non-reduce-only market order to grow the
// position, after checking the result would not exceed the configured
// multiplier of the original planned size. Returns false (no error) for
// an intentional skip, distinct from a placement failure.
func (m *Manager) addToPosition(ctx context.Context, pos *domain.Position, addQty decimal.Decimal, scaleLabel string) (bool, error) {
	maxQty := pos.PlannedQty.Mul(m.cfg.MaxSizeMultiplier)
	if pos.RemainingQty.Add(addQty).GreaterThan(maxQty) {
		m.log.Warn("pyramid scale would exceed max multiplier", "ssot_id", pos.SsotID, "scale", scaleLabel, "max_multiplier", m.cfg.MaxSizeMultiplier.String())
		return false, nil
	}

	side := domain.OrderBuy
	if pos.Side == domain.SideShort {
		side = domain.OrderSell
	}

	placed, err := m.exchange.PlaceMarketOrder(ctx, domain.PlaceMarketOrderRequest{
		Symbol:       pos.Symbol,
		Side:         side,
		Qty:          addQty,
		ReduceOnly:   false,
		PositionSide: pos.Side,
	})
	if err != nil {
		m.log.Error("pyramid scale order failed", "ssot_id", pos.SsotID, "scale", scaleLabel, "error", err)
		return false, nil
	}

	if err := m.lifecycle.UpsertTrackedOrder(ctx, &domain.TrackedOrder{
		OrderID: placed.OrderID,
		SsotID:  pos.SsotID,
		Kind:    domain.OrderKindPyramid,
	}); err != nil {
		return false, fmt.Errorf("track pyramid order: %w", err)
	}

	pos.RemainingQty = pos.RemainingQty.Add(addQty)
	return true, nil
}
