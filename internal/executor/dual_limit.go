package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
)

// Config tunes the dual-limit placement and fill-observation loop.
type Config struct {
	RiskPerTrade      decimal.Decimal
	InitialMarginPlan decimal.Decimal
	MinLeverage       decimal.Decimal
	MaxLeverage       decimal.Decimal
	DefaultSpreadPct  decimal.Decimal
	MaxPriceShifts    int
	FirstFillTimeout  time.Duration
	TotalFillTimeout  time.Duration
	PollInterval      time.Duration
}

// Stage2State is the opaque JSON persisted into Signal.Stage2State after
// each placement and fill-loop transition. Later stages read its order
// ids back; Execute itself never reads a previous value, so a restart
// does not resume an interrupted placement or fill loop.
type Stage2State struct {
	Stage         string   `json:"stage"`
	Ts            string   `json:"ts"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"` // BUY | SELL
	Entry         string   `json:"entry"`
	Delta         string   `json:"delta"`
	Q             string   `json:"q"`
	Q1            string   `json:"q1"`
	Q2            string   `json:"q2"`
	P1            string   `json:"p1"`
	P2            string   `json:"p2"`
	Leverage      string   `json:"leverage"`
	OrderIDs      []string `json:"order_ids"`
	ReplacementID string   `json:"replacement_id,omitempty"`
	MergeDone     bool     `json:"merge_done"`
	MergePrice    string   `json:"merge_price,omitempty"`
	FilledQty     string   `json:"filled_qty,omitempty"`
	FilledNotional string  `json:"filled_notional,omitempty"`
}

// Executor drives one claimed Signal through dual-limit placement,
// fill observation, and residual merge to a terminal DAG state.
type Executor struct {
	store    *sqlite.SsotStore
	exchange domain.ExchangeClient
	cfg      Config
	log      *slog.Logger
}

// New builds an Executor.
func New(store *sqlite.SsotStore, exchange domain.ExchangeClient, cfg Config, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: store, exchange: exchange, cfg: cfg, log: log}
}

// ClaimNext atomically claims the next eligible Signal row, or
// returns nil if the queue is empty.
func (e *Executor) ClaimNext(ctx context.Context, workerID string, lockTTL time.Duration) (*domain.Signal, error) {
	return e.store.ClaimNext(ctx, workerID, lockTTL)
}

// Execute runs Stage 2 end to end for one claimed signal, persisting
// stage2_state after every meaningful transition. It writes the terminal
// status (with any last_error) back itself and then returns it. It always
// sizes and places from scratch: a stage2_state left by an earlier run is
// not read, so an interrupted run is not resumed.
func (e *Executor) Execute(ctx context.Context, sig *domain.Signal) (domain.SignalStatus, error) {
	if err := e.store.UpdateState(ctx, sig.ID, domain.SignalStage2Running, "", ""); err != nil {
		return domain.SignalFailed, fmt.Errorf("executor.Execute: mark running: %w", err)
	}

	orderSide := domain.OrderBuy
	positionSide := sig.Side
	isBuy := sig.Side == domain.SideLong
	if !isBuy {
		orderSide = domain.OrderSell
	}

	symInfo, err := e.exchange.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil || symInfo == nil {
		return e.fail(ctx, sig, "symbol info unavailable")
	}

	balance, err := e.exchange.GetAccountBalance(ctx)
	if err != nil {
		return e.fail(ctx, sig, fmt.Sprintf("balance fetch failed: %v", err))
	}

	notional, leverage, qty := ComputeSizing(sig.Entry, sig.SL, balance, e.cfg.RiskPerTrade, e.cfg.InitialMarginPlan, e.cfg.MinLeverage, e.cfg.MaxLeverage, symInfo.QtyStep, symInfo.MinQty)
	if qty.Sign() <= 0 {
		return e.fail(ctx, sig, "computed zero quantity")
	}

	if err := e.exchange.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		e.log.Warn("set leverage failed, continuing with exchange default", "symbol", sig.Symbol, "err", err)
	}

	spread := decimalx.TickQuantize(sig.Entry.Mul(e.cfg.DefaultSpreadPct), symInfo.TickSize)
	p1, p2 := ComputeDualLimitPrices(sig.Entry, spread, symInfo.TickSize)

	ltp, err := e.exchange.GetCurrentPrice(ctx, sig.Symbol)
	if err != nil {
		return e.fail(ctx, sig, fmt.Sprintf("current price fetch failed: %v", err))
	}
	p1, p2 = EnsureMakerSafePrices(isBuy, p1, p2, ltp, symInfo.TickSize, e.cfg.MaxPriceShifts)

	q1, q2 := SplitQty(qty, symInfo.QtyStep, symInfo.MinQty)

	st := &Stage2State{
		Stage: "PLACEMENT", Ts: nowISO(), Symbol: sig.Symbol, Side: string(orderSide),
		Entry: sig.Entry.String(), Delta: spread.String(), Q: qty.String(),
		Q1: q1.String(), Q2: q2.String(), P1: p1.String(), P2: p2.String(), Leverage: leverage.String(),
	}
	if err := e.persist(ctx, sig, domain.SignalStage2Planned, st); err != nil {
		return domain.SignalFailed, err
	}

	order1, err1 := e.exchange.PlaceLimitOrder(ctx, domain.PlaceLimitOrderRequest{
		Symbol: sig.Symbol, Side: orderSide, Price: p1, Qty: q1, PostOnly: true, TIF: "GTC", PositionSide: positionSide,
	})
	order2, err2 := e.exchange.PlaceLimitOrder(ctx, domain.PlaceLimitOrderRequest{
		Symbol: sig.Symbol, Side: orderSide, Price: p2, Qty: q2, PostOnly: true, TIF: "GTC", PositionSide: positionSide,
	})

	var orderIDs []string
	if err1 == nil && order1 != nil && order1.OrderID != "" {
		orderIDs = append(orderIDs, order1.OrderID)
	}
	if err2 == nil && order2 != nil && order2.OrderID != "" {
		orderIDs = append(orderIDs, order2.OrderID)
	}
	if len(orderIDs) != 2 {
		st.Stage = "PLACEMENT_FAILED"
		_ = e.persist(ctx, sig, domain.SignalFailed, st)
		return domain.SignalFailed, nil
	}
	st.OrderIDs = orderIDs

	if err := e.persist(ctx, sig, domain.SignalWaitingForFills, st); err != nil {
		return domain.SignalFailed, err
	}

	return e.runFillLoop(ctx, sig, symInfo, isBuy, orderSide, positionSide, qty, st)
}

func (e *Executor) runFillLoop(ctx context.Context, sig *domain.Signal, symInfo *domain.SymbolInfo, isBuy bool, orderSide domain.OrderSide, positionSide domain.Side, qty decimal.Decimal, st *Stage2State) (domain.SignalStatus, error) {
	firstFillDeadline := time.Now().Add(e.cfg.FirstFillTimeout)
	totalDeadline := time.Now().Add(e.cfg.TotalFillTimeout)
	merged := st.MergeDone
	replacementID := st.ReplacementID

	allOrderIDs := func() []string {
		ids := append([]string{}, st.OrderIDs...)
		if replacementID != "" {
			ids = append(ids, replacementID)
		}
		return ids
	}

	for {
		select {
		case <-ctx.Done():
			return domain.SignalFailed, ctx.Err()
		default:
		}

		now := time.Now()
		if !merged && now.After(firstFillDeadline) {
			st.Stage = "EXPIRED_NO_FILL"
			_ = e.persist(ctx, sig, domain.SignalExpired, st)
			return domain.SignalExpired, nil
		}
		if now.After(totalDeadline) {
			st.Stage = "EXPIRED_TOTAL_TIMEOUT"
			_ = e.persist(ctx, sig, domain.SignalExpired, st)
			return domain.SignalExpired, nil
		}

		f, n, statuses, err := e.reconcileFills(ctx, sig.Symbol, allOrderIDs())
		if err != nil {
			e.log.Warn("fill reconcile failed, retrying", "ssot_id", sig.ID, "err", err)
			if sleepOrDone(ctx, e.cfg.PollInterval) {
				return domain.SignalFailed, ctx.Err()
			}
			continue
		}

		st.FilledQty = f.String()
		st.FilledNotional = n.String()
		_ = e.persist(ctx, sig, domain.SignalWaitingForFills, st)

		if f.Sign() <= 0 {
			if sleepOrDone(ctx, e.cfg.PollInterval) {
				return domain.SignalFailed, ctx.Err()
			}
			continue
		}

		if f.GreaterThanOrEqual(qty) {
			st.Stage = "COMPLETED"
			return domain.SignalCompleted, e.persist(ctx, sig, domain.SignalCompleted, st)
		}

		if !merged {
			remaining := qty.Sub(f)
			if remaining.Sign() <= 0 {
				st.Stage = "COMPLETED"
				return domain.SignalCompleted, e.persist(ctx, sig, domain.SignalCompleted, st)
			}

			for _, oid := range st.OrderIDs {
				stStatus, ok := statuses[oid]
				if ok && (stStatus == "NEW" || stStatus == "PARTIALLY_FILLED") {
					if err := e.exchange.CancelOrder(ctx, sig.Symbol, oid); err != nil {
						e.log.Warn("cancel original order failed", "order_id", oid, "err", err)
					}
				}
			}

			f2, n2, _, err := e.reconcileFills(ctx, sig.Symbol, st.OrderIDs)
			if err != nil {
				e.log.Warn("post-cancel reconcile failed", "ssot_id", sig.ID, "err", err)
				if sleepOrDone(ctx, e.cfg.PollInterval) {
					return domain.SignalFailed, ctx.Err()
				}
				continue
			}

			remaining = qty.Sub(f2)
			if remaining.Sign() > 0 {
				pr := MergeResidualPrice(sig.Entry, qty, f2, n2, symInfo.TickSize)

				ltp, err := e.exchange.GetCurrentPrice(ctx, sig.Symbol)
				if err != nil {
					return domain.SignalFailed, fmt.Errorf("executor.runFillLoop: current price for merge: %w", err)
				}
				prSafe, _ := EnsureMakerSafePrices(isBuy, pr, pr, ltp, symInfo.TickSize, e.cfg.MaxPriceShifts)

				replacement, err := e.exchange.PlaceLimitOrder(ctx, domain.PlaceLimitOrderRequest{
					Symbol: sig.Symbol, Side: orderSide, Price: prSafe, Qty: remaining, PostOnly: true, TIF: "GTC", PositionSide: positionSide,
				})
				if err != nil || replacement == nil || replacement.OrderID == "" {
					st.Stage = "REPLACEMENT_FAILED"
					_ = e.persist(ctx, sig, domain.SignalFailed, st)
					return domain.SignalFailed, nil
				}

				replacementID = replacement.OrderID
				st.ReplacementID = replacementID
				st.MergeDone = true
				st.MergePrice = prSafe.String()
				st.Stage = "MERGED"
				if err := e.persist(ctx, sig, domain.SignalMerged, st); err != nil {
					return domain.SignalFailed, err
				}
			}
			merged = true
		}

		if sleepOrDone(ctx, e.cfg.PollInterval) {
			return domain.SignalFailed, ctx.Err()
		}
	}
}

// reconcileFills recomputes (executed qty, executed notional) from
// scratch across every order id, ignoring ids the exchange no longer
// recognizes (treated as fully reconciled elsewhere). It also returns
// the last-observed status string per order id for cancel decisions.
func (e *Executor) reconcileFills(ctx context.Context, symbol string, orderIDs []string) (decimal.Decimal, decimal.Decimal, map[string]string, error) {
	f := decimal.Zero
	n := decimal.Zero
	statuses := make(map[string]string, len(orderIDs))

	for _, oid := range orderIDs {
		st, err := e.exchange.GetOrderStatus(ctx, symbol, oid)
		if err != nil {
			return decimal.Zero, decimal.Zero, nil, err
		}
		if st == nil {
			continue
		}
		statuses[oid] = st.Status
		if st.ExecutedQty.Sign() > 0 && st.AvgPrice.Sign() > 0 {
			f = f.Add(st.ExecutedQty)
			n = n.Add(st.ExecutedQty.Mul(st.AvgPrice))
		}
	}
	return f, n, statuses, nil
}

func (e *Executor) persist(ctx context.Context, sig *domain.Signal, status domain.SignalStatus, st *Stage2State) error {
	st.Ts = nowISO()
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("executor.persist: marshal stage2 state: %w", err)
	}
	if err := e.store.UpdateState(ctx, sig.ID, status, string(blob), ""); err != nil {
		return fmt.Errorf("executor.persist: update state: %w", err)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, sig *domain.Signal, reason string) (domain.SignalStatus, error) {
	if err := e.store.UpdateState(ctx, sig.ID, domain.SignalFailed, "", reason); err != nil {
		return domain.SignalFailed, fmt.Errorf("executor.fail: update state: %w", err)
	}
	return domain.SignalFailed, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// sleepOrDone blocks for d or until ctx is cancelled, returning true
// if the context was cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
