package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/domain"
)

const lifecycleSchema = `
CREATE TABLE IF NOT EXISTS positions (
	ssot_id                INTEGER PRIMARY KEY,
	symbol                 TEXT NOT NULL,
	side                   TEXT NOT NULL,
	status                 TEXT NOT NULL,
	planned_qty            TEXT NOT NULL,
	remaining_qty          TEXT NOT NULL,
	avg_entry              TEXT NOT NULL,
	realized_pnl           TEXT NOT NULL DEFAULT '0',
	unrealized_pnl         TEXT NOT NULL DEFAULT '0',
	sl_price               TEXT NOT NULL DEFAULT '0',
	sl_order_id            TEXT,
	tp_levels_json         TEXT NOT NULL,
	tp_active_order_ids_json TEXT NOT NULL DEFAULT '[]',
	signal_entry           TEXT NOT NULL,
	signal_sl              TEXT NOT NULL,
	signal_leverage        TEXT NOT NULL DEFAULT '1',
	is_hedge_armed         INTEGER NOT NULL DEFAULT 1,
	hedge_state            TEXT NOT NULL DEFAULT '',
	hedge_entry_order_id   TEXT,
	hedge_tp_order_id      TEXT,
	hedge_sl_order_id      TEXT,
	reentry_attempts       INTEGER NOT NULL DEFAULT 0,
	pyramid_state_json     TEXT NOT NULL DEFAULT '{}',
	close_reason           TEXT,
	created_at_utc         TEXT NOT NULL,
	updated_at_utc         TEXT NOT NULL,
	closed_at_utc          TEXT
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS order_tracker (
	order_id           TEXT PRIMARY KEY,
	ssot_id            INTEGER NOT NULL,
	kind               TEXT NOT NULL,
	level_index        INTEGER,
	last_executed_qty  TEXT NOT NULL DEFAULT '0',
	last_status        TEXT,
	updated_at_utc     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_tracker_updated ON order_tracker(updated_at_utc);
CREATE INDEX IF NOT EXISTS idx_order_tracker_ssot ON order_tracker(ssot_id);

CREATE TABLE IF NOT EXISTS execution_records (
	order_id   TEXT NOT NULL,
	exec_id    TEXT NOT NULL,
	qty        TEXT NOT NULL,
	price      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at_utc TEXT NOT NULL,
	PRIMARY KEY(order_id, exec_id)
);

CREATE TABLE IF NOT EXISTS stage5_locks (
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	reason         TEXT,
	locked_at_utc  TEXT NOT NULL,
	PRIMARY KEY(symbol, side)
);
`

// LifecycleStore is the durable per-position lifecycle: positions,
// their tracked orders, the fill idempotency ledger, and a mirrored
// copy of the Stage5Lock table for convenience (the SSoT and lifecycle
// databases may also share the same *sql.DB; kept separate here for
// independent connection lifetime management).
type LifecycleStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLifecycleStore opens (or creates) the lifecycle database at path.
func OpenLifecycleStore(path string) (*LifecycleStore, error) {
	db, err := open(path, lifecycleSchema)
	if err != nil {
		return nil, err
	}
	return &LifecycleStore{db: db}, nil
}

// Close closes the underlying connection.
func (l *LifecycleStore) Close() error { return l.db.Close() }

// CreatePosition inserts a new position row. ssot_id is the primary
// key so re-running InitializeNewPositions for an already
// materialized signal is an idempotent no-op (INSERT OR IGNORE).
func (l *LifecycleStore) CreatePosition(ctx context.Context, p *domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tpJSON, _ := json.Marshal(p.TPLevels)
	activeJSON, _ := json.Marshal(p.TPActiveOrderIDs)
	pyramidJSON, _ := json.Marshal(p.PyramidState)
	now := time.Now().UTC().Format(isoLayout)
	created := now
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt.UTC().Format(isoLayout)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO positions (
			ssot_id, symbol, side, status, planned_qty, remaining_qty, avg_entry,
			realized_pnl, unrealized_pnl, sl_price, sl_order_id, tp_levels_json,
			tp_active_order_ids_json, signal_entry, signal_sl, signal_leverage,
			is_hedge_armed, hedge_state, reentry_attempts, pyramid_state_json,
			created_at_utc, updated_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.SsotID, p.Symbol, string(p.Side), string(p.Status), p.PlannedQty.String(), p.RemainingQty.String(),
		p.AvgEntry.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.SLPrice.String(), p.SLOrderID,
		string(tpJSON), string(activeJSON), p.SignalEntry.String(), p.SignalSL.String(), p.SignalLeverage.String(),
		boolToInt(p.IsHedgeArmed), string(p.HedgeState), p.ReentryAttempts, string(pyramidJSON), created, now)
	if err != nil {
		return fmt.Errorf("sqlite.CreatePosition: %w", err)
	}
	return nil
}

const selectPositionByID = `
	SELECT ssot_id, symbol, side, status, planned_qty, remaining_qty, avg_entry,
	       realized_pnl, unrealized_pnl, sl_price, sl_order_id, tp_levels_json,
	       tp_active_order_ids_json, signal_entry, signal_sl, signal_leverage,
	       is_hedge_armed, hedge_state, hedge_entry_order_id, hedge_tp_order_id,
	       hedge_sl_order_id, reentry_attempts, pyramid_state_json, close_reason,
	       created_at_utc, updated_at_utc, closed_at_utc
	FROM positions WHERE ssot_id = ?
`

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var sideStr, statusStr, plannedStr, remainingStr, avgStr, realizedStr, unrealizedStr, slStr string
	var tpJSON, activeJSON, signalEntryStr, signalSLStr, signalLevStr, hedgeStateStr, pyramidJSON string
	var slOrderID, hedgeEntryID, hedgeTPID, hedgeSLID, closeReason, closedAt sql.NullString
	var isHedgeArmed int
	var createdAt, updatedAt string

	if err := row.Scan(&p.SsotID, &p.Symbol, &sideStr, &statusStr, &plannedStr, &remainingStr, &avgStr,
		&realizedStr, &unrealizedStr, &slStr, &slOrderID, &tpJSON, &activeJSON, &signalEntryStr, &signalSLStr,
		&signalLevStr, &isHedgeArmed, &hedgeStateStr, &hedgeEntryID, &hedgeTPID, &hedgeSLID, &p.ReentryAttempts,
		&pyramidJSON, &closeReason, &createdAt, &updatedAt, &closedAt); err != nil {
		return nil, err
	}

	p.Side = domain.Side(sideStr)
	p.Status = domain.PositionStatus(statusStr)
	p.PlannedQty, _ = decimal.NewFromString(plannedStr)
	p.RemainingQty, _ = decimal.NewFromString(remainingStr)
	p.AvgEntry, _ = decimal.NewFromString(avgStr)
	p.RealizedPnL, _ = decimal.NewFromString(realizedStr)
	p.UnrealizedPnL, _ = decimal.NewFromString(unrealizedStr)
	p.SLPrice, _ = decimal.NewFromString(slStr)
	p.SLOrderID = slOrderID.String
	p.SignalEntry, _ = decimal.NewFromString(signalEntryStr)
	p.SignalSL, _ = decimal.NewFromString(signalSLStr)
	p.SignalLeverage, _ = decimal.NewFromString(signalLevStr)
	p.IsHedgeArmed = isHedgeArmed != 0
	p.HedgeState = domain.HedgeState(hedgeStateStr)
	p.HedgeEntryOrderID = hedgeEntryID.String
	p.HedgeTPOrderID = hedgeTPID.String
	p.HedgeSLOrderID = hedgeSLID.String
	p.CloseReason = closeReason.String
	p.CreatedAt, _ = time.Parse(isoLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(isoLayout, updatedAt)
	if closedAt.Valid {
		t, _ := time.Parse(isoLayout, closedAt.String)
		p.ClosedAt = &t
	}
	_ = json.Unmarshal([]byte(tpJSON), &p.TPLevels)
	_ = json.Unmarshal([]byte(activeJSON), &p.TPActiveOrderIDs)
	_ = json.Unmarshal([]byte(pyramidJSON), &p.PyramidState)
	return &p, nil
}

// GetPosition loads one position row, or domain.ErrNotFound.
func (l *LifecycleStore) GetPosition(ctx context.Context, ssotID int64) (*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := scanPosition(l.db.QueryRowContext(ctx, selectPositionByID, ssotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite.GetPosition: %w", err)
	}
	return p, nil
}

// SavePosition persists the full Position row (used after every
// mutation: fills, BE/trailing promotion, pyramid scale, hedge
// transitions, close).
func (l *LifecycleStore) SavePosition(ctx context.Context, p *domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tpJSON, _ := json.Marshal(p.TPLevels)
	activeJSON, _ := json.Marshal(p.TPActiveOrderIDs)
	pyramidJSON, _ := json.Marshal(p.PyramidState)
	now := time.Now().UTC().Format(isoLayout)
	var closedAt interface{}
	if p.ClosedAt != nil {
		closedAt = p.ClosedAt.UTC().Format(isoLayout)
	}

	_, err := l.db.ExecContext(ctx, `
		UPDATE positions SET
			status = ?, planned_qty = ?, remaining_qty = ?, avg_entry = ?, realized_pnl = ?,
			unrealized_pnl = ?, sl_price = ?, sl_order_id = ?, tp_levels_json = ?,
			tp_active_order_ids_json = ?, is_hedge_armed = ?, hedge_state = ?,
			hedge_entry_order_id = ?, hedge_tp_order_id = ?, hedge_sl_order_id = ?,
			reentry_attempts = ?, pyramid_state_json = ?, close_reason = ?, updated_at_utc = ?,
			closed_at_utc = ?
		WHERE ssot_id = ?
	`, string(p.Status), p.PlannedQty.String(), p.RemainingQty.String(), p.AvgEntry.String(),
		p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.SLPrice.String(), p.SLOrderID, string(tpJSON),
		string(activeJSON), boolToInt(p.IsHedgeArmed), string(p.HedgeState), p.HedgeEntryOrderID,
		p.HedgeTPOrderID, p.HedgeSLOrderID, p.ReentryAttempts, string(pyramidJSON), p.CloseReason, now,
		closedAt, p.SsotID)
	if err != nil {
		return fmt.Errorf("sqlite.SavePosition: %w", err)
	}
	return nil
}

// ListOpenPositions returns every position not in CLOSED status.
func (l *LifecycleStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, `SELECT ssot_id FROM positions WHERE status != ?`, string(domain.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListOpenPositions: query: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]*domain.Position, 0, len(ids))
	for _, id := range ids {
		p, err := scanPosition(l.db.QueryRowContext(ctx, selectPositionByID, id))
		if err != nil {
			return nil, fmt.Errorf("sqlite.ListOpenPositions: reload %d: %w", id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CountPositionsNotClosed counts every position not yet CLOSED, for
// the Stage-6 Watchdog's active-trade capacity check.
func (l *LifecycleStore) CountPositionsNotClosed(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE status != ?`, string(domain.PositionClosed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite.CountPositionsNotClosed: %w", err)
	}
	return n, nil
}

// ListPositionsOlderThan returns non-closed positions created before
// cutoff, for the Stage-7 6-day hard-reset sweep.
func (l *LifecycleStore) ListPositionsOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, `SELECT ssot_id FROM positions WHERE status != ? AND created_at_utc < ?`,
		string(domain.PositionClosed), cutoff.UTC().Format(isoLayout))
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListPositionsOlderThan: query: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]*domain.Position, 0, len(ids))
	for _, id := range ids {
		p, err := scanPosition(l.db.QueryRowContext(ctx, selectPositionByID, id))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ListClosedWithPendingReentry returns CLOSED positions that still
// carry a nonzero reentry_attempts counter, for Stage 5's sweep that
// resets the counter (and clears the symbol/side lock) once a position
// has fully exited on take-profit rather than on a forced hedge close.
func (l *LifecycleStore) ListClosedWithPendingReentry(ctx context.Context, limit int) ([]*domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, `
		SELECT ssot_id FROM positions WHERE status = ? AND reentry_attempts > 0 LIMIT ?
	`, string(domain.PositionClosed), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListClosedWithPendingReentry: query: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]*domain.Position, 0, len(ids))
	for _, id := range ids {
		p, err := scanPosition(l.db.QueryRowContext(ctx, selectPositionByID, id))
		if err != nil {
			return nil, fmt.Errorf("sqlite.ListClosedWithPendingReentry: reload %d: %w", id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// UpsertTrackedOrder inserts or updates a TrackedOrder. Callers must
// enforce the monotonic-executed-qty invariant before calling this;
// the store does not clamp.
func (l *LifecycleStore) UpsertTrackedOrder(ctx context.Context, o *domain.TrackedOrder) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC().Format(isoLayout)
	var level interface{}
	if o.LevelIndex != nil {
		level = *o.LevelIndex
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO order_tracker (order_id, ssot_id, kind, level_index, last_executed_qty, last_status, updated_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			last_executed_qty = excluded.last_executed_qty,
			last_status = excluded.last_status,
			updated_at_utc = excluded.updated_at_utc
	`, o.OrderID, o.SsotID, string(o.Kind), level, o.LastExecutedQty, o.LastStatus, now)
	if err != nil {
		return fmt.Errorf("sqlite.UpsertTrackedOrder: %w", err)
	}
	return nil
}

// GetTrackedOrder loads one tracked order, or domain.ErrNotFound.
func (l *LifecycleStore) GetTrackedOrder(ctx context.Context, orderID string) (*domain.TrackedOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var o domain.TrackedOrder
	var kindStr string
	var level sql.NullInt64
	var status sql.NullString
	var updatedAt string
	err := l.db.QueryRowContext(ctx, `
		SELECT order_id, ssot_id, kind, level_index, last_executed_qty, last_status, updated_at_utc
		FROM order_tracker WHERE order_id = ?
	`, orderID).Scan(&o.OrderID, &o.SsotID, &kindStr, &level, &o.LastExecutedQty, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite.GetTrackedOrder: %w", err)
	}
	o.Kind = domain.OrderKind(kindStr)
	o.LastStatus = status.String
	o.UpdatedAt, _ = time.Parse(isoLayout, updatedAt)
	if level.Valid {
		i := int(level.Int64)
		o.LevelIndex = &i
	}
	return &o, nil
}

// ListTrackedOrders returns every order tracked for a position.
func (l *LifecycleStore) ListTrackedOrders(ctx context.Context, ssotID int64) ([]*domain.TrackedOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, `
		SELECT order_id, ssot_id, kind, level_index, last_executed_qty, last_status, updated_at_utc
		FROM order_tracker WHERE ssot_id = ?
	`, ssotID)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListTrackedOrders: query: %w", err)
	}
	defer rows.Close()
	var out []*domain.TrackedOrder
	for rows.Next() {
		var o domain.TrackedOrder
		var kindStr string
		var level sql.NullInt64
		var status sql.NullString
		var updatedAt string
		if err := rows.Scan(&o.OrderID, &o.SsotID, &kindStr, &level, &o.LastExecutedQty, &status, &updatedAt); err != nil {
			return nil, err
		}
		o.Kind = domain.OrderKind(kindStr)
		o.LastStatus = status.String
		o.UpdatedAt, _ = time.Parse(isoLayout, updatedAt)
		if level.Valid {
			i := int(level.Int64)
			o.LevelIndex = &i
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// PruneTrackedOrders deletes every tracked order for a closed position.
func (l *LifecycleStore) PruneTrackedOrders(ctx context.Context, ssotID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `DELETE FROM order_tracker WHERE ssot_id = ?`, ssotID)
	if err != nil {
		return fmt.Errorf("sqlite.PruneTrackedOrders: %w", err)
	}
	return nil
}

// RecordExecution inserts an ExecutionRecord idempotency row. It
// returns (false, nil) without error if the (order_id, exec_id) pair
// was already recorded, so callers can distinguish "already applied"
// from "apply now."
func (l *LifecycleStore) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_records (order_id, exec_id, qty, price, status, created_at_utc)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.OrderID, rec.ExecID, rec.Qty, rec.Price, rec.Status, time.Now().UTC().Format(isoLayout))
	if err != nil {
		return false, fmt.Errorf("sqlite.RecordExecution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite.RecordExecution: rows affected: %w", err)
	}
	return n > 0, nil
}

// SetStage5Lock mirrors SsotStore.SetStage5Lock in this store's schema,
// kept as a convenience copy so lifecycle-side readers don't need a
// second connection into the SSoT database.
func (l *LifecycleStore) SetStage5Lock(ctx context.Context, symbol string, side domain.Side, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO stage5_locks (symbol, side, reason, locked_at_utc) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, side) DO UPDATE SET reason = excluded.reason, locked_at_utc = excluded.locked_at_utc
	`, symbol, string(side), reason, time.Now().UTC().Format(isoLayout))
	if err != nil {
		return fmt.Errorf("sqlite.SetStage5Lock: %w", err)
	}
	return nil
}

// ClearStage5Lock mirrors SsotStore.ClearStage5Lock.
func (l *LifecycleStore) ClearStage5Lock(ctx context.Context, symbol string, side domain.Side) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `DELETE FROM stage5_locks WHERE symbol = ? AND side = ?`, symbol, string(side))
	if err != nil {
		return fmt.Errorf("sqlite.ClearStage5Lock: %w", err)
	}
	return nil
}

// IsStage5Locked mirrors SsotStore.IsStage5Locked.
func (l *LifecycleStore) IsStage5Locked(ctx context.Context, symbol string, side domain.Side) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage5_locks WHERE symbol = ? AND side = ?`, symbol, string(side)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite.IsStage5Locked: %w", err)
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
