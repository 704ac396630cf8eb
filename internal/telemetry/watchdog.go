package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradingcore/agent/internal/store/sqlite"
)

// CapacityState is the watchdog's live view, read by Stage 1 before
// accepting a new signal and written only by the watchdog's own tick.
type CapacityState struct {
	mu               sync.RWMutex
	capacityBlocked  bool
	capacityReason   string
	activeTrades     int
	maxActiveTrades  int
	lastTickUTC      time.Time
}

// NewCapacityState seeds the state with a capacity ceiling; it starts
// unblocked until the first tick runs.
func NewCapacityState(maxActiveTrades int) *CapacityState {
	if maxActiveTrades <= 0 {
		maxActiveTrades = 100
	}
	return &CapacityState{maxActiveTrades: maxActiveTrades}
}

// CanAcceptSignal reports whether Stage 1 may enqueue a new signal
// right now, plus a snapshot of the numbers behind that decision.
func (c *CapacityState) CanAcceptSignal() (bool, CapacitySnapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := CapacitySnapshot{
		CapacityBlocked: c.capacityBlocked,
		CapacityReason:  c.capacityReason,
		ActiveTrades:    c.activeTrades,
		MaxActiveTrades: c.maxActiveTrades,
		LastTickUTC:     c.lastTickUTC,
	}
	return !c.capacityBlocked, snap
}

// CapacitySnapshot is the read-only view CanAcceptSignal hands out.
type CapacitySnapshot struct {
	CapacityBlocked bool
	CapacityReason  string
	ActiveTrades    int
	MaxActiveTrades int
	LastTickUTC     time.Time
}

// WatchdogConfig tunes the poll cadence and capacity ceiling.
type WatchdogConfig struct {
	PollInterval    time.Duration
	MaxActiveTrades int
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxActiveTrades <= 0 {
		c.MaxActiveTrades = 100
	}
	return c
}

// Watchdog evaluates capacity on every tick: the union of Stage-4 open
// positions and Stage-2 in-flight signals, counted conservatively
// (over-count is safer than under-count for a safety gate).
type Watchdog struct {
	ssot      *sqlite.SsotStore
	lifecycle *sqlite.LifecycleStore
	telemetry *Logger
	state     *CapacityState
	cfg       WatchdogConfig
}

// NewWatchdog wires a Watchdog against the state CanAcceptSignal reads.
func NewWatchdog(ssot *sqlite.SsotStore, lc *sqlite.LifecycleStore, tel *Logger, state *CapacityState, cfg WatchdogConfig) *Watchdog {
	cfg = cfg.withDefaults()
	state.mu.Lock()
	state.maxActiveTrades = cfg.MaxActiveTrades
	state.mu.Unlock()
	return &Watchdog{ssot: ssot, lifecycle: lc, telemetry: tel, state: state, cfg: cfg}
}

// RunOnce performs one capacity evaluation tick.
func (w *Watchdog) RunOnce(ctx context.Context) error {
	var stage4Active, stage2Active int
	var err error

	if w.lifecycle != nil {
		stage4Active, err = w.lifecycle.CountPositionsNotClosed(ctx)
		if err != nil {
			return fmt.Errorf("watchdog.RunOnce: count positions: %w", err)
		}
	}
	if w.ssot != nil {
		stage2Active, err = w.ssot.CountStage2Inflight(ctx)
		if err != nil {
			stage2Active = 0
		}
	}

	active := stage4Active + stage2Active
	blocked := active >= w.cfg.MaxActiveTrades

	w.state.mu.Lock()
	w.state.activeTrades = active
	w.state.maxActiveTrades = w.cfg.MaxActiveTrades
	w.state.lastTickUTC = time.Now().UTC()
	w.state.capacityBlocked = blocked
	if blocked {
		w.state.capacityReason = fmt.Sprintf("max active trades exceeded (%d/%d)", active, w.cfg.MaxActiveTrades)
	} else {
		w.state.capacityReason = ""
	}
	w.state.mu.Unlock()

	level := "INFO"
	if blocked {
		level = "WARNING"
	}
	w.telemetry.Emit("WATCHDOG_CAPACITY", level, "WATCHDOG", "capacity evaluation", EmitOpts{
		Payload: map[string]interface{}{
			"active_trades":     active,
			"stage4_active":     stage4Active,
			"stage2_active":     stage2Active,
			"max_active_trades": w.cfg.MaxActiveTrades,
			"blocked":           blocked,
		},
	})
	return nil
}
