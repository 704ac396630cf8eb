package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

// Request is one raw message arriving from a SourceChannel.
type Request struct {
	ChannelName string
	ChatID      string
	MessageID   string
	ReceivedAt  time.Time
	RawText     string
}

// Decision is the Stage-1 verdict for one Request.
type Decision struct {
	Status   domain.IngestDecision
	Reason   string
	SignalID int64
}

// Options configures the defaulting rules Ingest falls back to when
// the message text carries no explicit signal type.
type Options struct {
	DuplicateTTL          time.Duration
	DefaultSignalType     domain.SignalType
	PerChannelDefaultType map[string]domain.SignalType
}

// Ingestor runs the Stage-1 pipeline: parse -> normalize -> dedup ->
// queue. It caches per-symbol exchange metadata for the life of the
// process, since tick size and quantity step rarely change.
type Ingestor struct {
	store    *sqlite.SsotStore
	exchange domain.ExchangeClient
	capacity *telemetry.CapacityState
	opts     Options

	mu          sync.Mutex
	symbolCache map[string]domain.SymbolInfo
}

// New builds an Ingestor bound to the given SSoT store, exchange, and
// capacity guard. capacity may be nil, in which case Stage 1 never
// blocks on the active-trade ceiling (used by tests that don't care
// about Stage 6 wiring).
func New(store *sqlite.SsotStore, exchange domain.ExchangeClient, capacity *telemetry.CapacityState, opts Options) *Ingestor {
	return &Ingestor{
		store:       store,
		exchange:    exchange,
		capacity:    capacity,
		opts:        opts,
		symbolCache: make(map[string]domain.SymbolInfo),
	}
}

// Ingest runs one raw message through the full Stage-1 pipeline.
func (ig *Ingestor) Ingest(ctx context.Context, req Request) (Decision, error) {
	if ig.capacity != nil {
		if ok, snap := ig.capacity.CanAcceptSignal(); !ok {
			return Decision{Status: domain.IngestBlocked, Reason: fmt.Sprintf("capacity: %s (%d/%d active)", snap.CapacityReason, snap.ActiveTrades, snap.MaxActiveTrades)}, nil
		}
	}

	rawText := strings.TrimSpace(req.RawText)
	if rawText == "" {
		return Decision{Status: domain.IngestInvalid, Reason: "empty message text"}, nil
	}

	parsed := ParseSignal(rawText)
	if parsed.Symbol == "" || parsed.Direction == "" {
		return Decision{Status: domain.IngestInvalid, Reason: "parse failed (missing symbol/direction)"}, nil
	}

	symbol := normalizeSymbol(parsed.Symbol)
	side := normalizeSide(parsed.Direction)
	if side == "" {
		return Decision{Status: domain.IngestInvalid, Reason: "missing/invalid side"}, nil
	}
	if !parsed.HasEntry {
		return Decision{Status: domain.IngestInvalid, Reason: "missing entry"}, nil
	}
	if len(parsed.TPs) == 0 {
		return Decision{Status: domain.IngestInvalid, Reason: "missing take-profit"}, nil
	}

	signalType := detectType(rawText)
	if signalType == "" && parsed.HasLeverage {
		signalType = classifyTypeFromLeverage(parsed.Leverage)
	}
	if signalType == "" {
		if t, ok := ig.opts.PerChannelDefaultType[req.ChannelName]; ok {
			signalType = t
		} else if ig.opts.DefaultSignalType != "" {
			signalType = ig.opts.DefaultSignalType
		}
	}

	entry := parsed.Entry
	sl := parsed.SL
	if !parsed.HasSL {
		sl = autoStopLoss(entry, side)
		signalType = domain.SignalFast
	}
	if signalType != domain.SignalSwing && signalType != domain.SignalDynamic && signalType != domain.SignalFast {
		return Decision{Status: domain.IngestInvalid, Reason: "missing/invalid type"}, nil
	}

	symInfo, err := ig.symbolInfo(ctx, symbol)
	if err != nil {
		return Decision{}, fmt.Errorf("ingestion.Ingest: symbol info: %w", err)
	}
	if symInfo == nil {
		return Decision{Status: domain.IngestInvalid, Reason: "unsupported symbol (not found on exchange)"}, nil
	}

	tickSize := symInfo.TickSize
	qtyStep := symInfo.QtyStep

	entryQ := decimalx.TickQuantize(entry, tickSize)
	slQ := decimalx.TickQuantize(sl, tickSize)
	tpsQ := make([]decimal.Decimal, len(parsed.TPs))
	for i, tp := range parsed.TPs {
		tpsQ[i] = decimalx.TickQuantize(tp, tickSize)
	}

	dedupFields := sqlite.DedupFields{
		Source: req.ChannelName,
		Symbol: symbol,
		Side:   side,
		Entry:  entryQ,
		SL:     slQ,
		TPs:    tpsQ,
	}
	dedup, err := ig.store.CheckAndRecordDedup(ctx, dedupFields, ig.opts.DuplicateTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("ingestion.Ingest: dedup check: %w", err)
	}
	if !dedup.Accept {
		return Decision{Status: domain.IngestBlocked, Reason: dedup.Reason}, nil
	}

	sig := &domain.Signal{
		Source:     req.ChannelName,
		ChatID:     req.ChatID,
		MessageID:  req.MessageID,
		ReceivedAt: req.ReceivedAt,
		RawText:    rawText,
		Symbol:     symbol,
		Side:       side,
		Entry:      entryQ,
		SL:         slQ,
		TPs:        tpsQ,
		Type:       signalType,
		TickSize:   tickSize,
		QtyStep:    qtyStep,
		DedupHash:  sqlite.DedupHash(dedupFields),
		Status:     domain.SignalQueued,
	}

	// A fresh external signal supersedes any standing Stage-5 re-entry
	// lock on this pair, so this pair can be entered again right away.
	if err := ig.store.ClearStage5Lock(ctx, symbol, side); err != nil {
		return Decision{}, fmt.Errorf("ingestion.Ingest: clear stage5 lock: %w", err)
	}

	id, err := ig.store.InsertAccepted(ctx, sig)
	if err != nil {
		return Decision{}, fmt.Errorf("ingestion.Ingest: insert accepted: %w", err)
	}

	return Decision{Status: domain.IngestAccepted, Reason: "signal accepted", SignalID: id}, nil
}

func (ig *Ingestor) symbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	ig.mu.Lock()
	if cached, ok := ig.symbolCache[symbol]; ok {
		ig.mu.Unlock()
		return &cached, nil
	}
	ig.mu.Unlock()

	info, err := ig.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrSymbolUnknown) || errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	ig.mu.Lock()
	ig.symbolCache[symbol] = *info
	ig.mu.Unlock()
	return info, nil
}

func normalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("#", "", "/", "", "-", "", " ", "").Replace(s)
	if !strings.HasSuffix(s, "USDT") {
		s += "USDT"
	}
	return s
}

func normalizeSide(raw string) domain.Side {
	switch strings.ToUpper(raw) {
	case "LONG", "BUY":
		return domain.SideLong
	case "SHORT", "SELL":
		return domain.SideShort
	}
	return ""
}

func detectType(text string) domain.SignalType {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "swing"):
		return domain.SignalSwing
	case strings.Contains(t, "dynamic"):
		return domain.SignalDynamic
	case strings.Contains(t, "fast"), strings.Contains(t, "fixed"):
		return domain.SignalFast
	}
	return ""
}

var (
	swingMax   = decimal.RequireFromString("6.00")
	dynamicMin = decimal.RequireFromString("7.50")
)

// classifyTypeFromLeverage implements the deterministic leverage bands:
// <=6.00x is SWING, >=7.50x is DYNAMIC, and the open interval between
// them classifies to the nearer threshold with ties broken to SWING.
func classifyTypeFromLeverage(lev decimal.Decimal) domain.SignalType {
	if lev.LessThanOrEqual(swingMax) {
		return domain.SignalSwing
	}
	if lev.GreaterThanOrEqual(dynamicMin) {
		return domain.SignalDynamic
	}
	distToSwing := lev.Sub(swingMax)
	distToDyn := dynamicMin.Sub(lev)
	if distToSwing.LessThanOrEqual(distToDyn) {
		return domain.SignalSwing
	}
	return domain.SignalDynamic
}

// autoStopLoss is the FAST-fallback SL used when a signal carries no
// explicit stop: 2% away from entry, against the position.
func autoStopLoss(entry decimal.Decimal, side domain.Side) decimal.Decimal {
	twoPct := decimal.RequireFromString("0.02")
	if side == domain.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Sub(twoPct))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(twoPct))
}
