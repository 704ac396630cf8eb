package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/config"
	"github.com/tradingcore/agent/internal/adapters/exchange/bingx"
	"github.com/tradingcore/agent/internal/adapters/notify/telegram"
	sourcetelegram "github.com/tradingcore/agent/internal/adapters/source/telegram"
	"github.com/tradingcore/agent/internal/domain"
	"github.com/tradingcore/agent/internal/executor"
	"github.com/tradingcore/agent/internal/hedge"
	"github.com/tradingcore/agent/internal/ingestion"
	"github.com/tradingcore/agent/internal/lifecycle"
	"github.com/tradingcore/agent/internal/maintenance"
	"github.com/tradingcore/agent/internal/pyramid"
	"github.com/tradingcore/agent/internal/store/sqlite"
	"github.com/tradingcore/agent/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("tradingbot starting", "config", *configPath)

	ssotStore, err := sqlite.OpenSsotStore(cfg.Storage.SsotDSN)
	if err != nil {
		slog.Error("failed to open ssot store", "err", err, "dsn", cfg.Storage.SsotDSN)
		os.Exit(1)
	}
	defer ssotStore.Close()

	lifecycleStore, err := sqlite.OpenLifecycleStore(cfg.Storage.LifecycleDSN)
	if err != nil {
		slog.Error("failed to open lifecycle store", "err", err, "dsn", cfg.Storage.LifecycleDSN)
		os.Exit(1)
	}
	defer lifecycleStore.Close()

	exchange := bingx.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.WSURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RecvWindowMs)

	tel, err := telemetry.NewLogger(cfg.Telemetry.Path, "trading_bot", "prod")
	if err != nil {
		slog.Error("failed to open telemetry sink", "err", err, "path", cfg.Telemetry.Path)
		os.Exit(1)
	}

	report := telegram.New(os.Getenv("TELEGRAM_BOT_TOKEN"))
	source := sourcetelegram.New("default")
	slog.Info("signal source channel bound", "channel", source.ChannelName())

	capacity := telemetry.NewCapacityState(cfg.Stage6.MaxActiveTrades)

	// Ingestor.Ingest is called per inbound message by whatever delivers
	// signal text (a Telegram bot webhook or poller); that delivery
	// mechanism is an external collaborator this agent doesn't run.
	_ = ingestion.New(ssotStore, exchange, capacity, ingestionOptions(cfg))

	stage2 := executor.New(ssotStore, exchange, stage2Config(cfg), slog.Default().With("stage", 2))

	stage4 := lifecycle.New(ssotStore, lifecycleStore, exchange, report, cfg.Stage6.ReportChatID, stage4Config(cfg), slog.Default().With("stage", 4), tel)

	pyr := pyramid.New(lifecycleStore, exchange, pyramidConfig(cfg), slog.Default().With("stage", "4.5"), tel)

	stage5 := hedge.New(ssotStore, lifecycleStore, exchange, stage2, stage4, report, cfg.Stage6.ReportChatID, stage5Config(cfg), slog.Default().With("stage", 5), tel)

	stage7 := maintenance.New(ssotStore, lifecycleStore, exchange, report, cfg.Stage6.ReportChatID, maintenanceConfig(), slog.Default().With("stage", 7), tel)

	watchdog := telemetry.NewWatchdog(ssotStore, lifecycleStore, tel, capacity, telemetry.WatchdogConfig{MaxActiveTrades: cfg.Stage6.MaxActiveTrades})

	loc, err := time.LoadLocation(cfg.Stage6.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, defaulting to UTC", "tz", cfg.Stage6.Timezone)
		loc = time.UTC
	}
	reporter := telemetry.NewReporter(tel, cfg.Telemetry.Path, ssotStore, lifecycleStore)
	scheduler := telemetry.NewReportScheduler(tel, reporter, report, cfg.Stage6.ReportChatID, telemetry.SchedulerConfig{
		Enabled:       true,
		SendToChannel: cfg.Stage6.ReportChatID != "",
		Location:      loc,
		DailyAtLocal:  cfg.Stage6.ReportsDailyAt,
		WeeklyDay:     cfg.Stage6.ReportsWeeklyDay,
		WeeklyAtLocal: cfg.Stage6.ReportsWeeklyAt,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := stage7.ReconcileOnce(ctx, "boot reconcile"); err != nil {
		slog.Error("boot reconcile failed", "err", err)
	}

	go runWSListener(ctx, exchange, stage4)
	go runStage2Workers(ctx, stage2, cfg.Storage.LockTTLSeconds, cfg.Stage2PollInterval())
	go runLoop(ctx, "stage4", cfg.Stage4PollInterval(), stage4.RunOnce)
	go runLoop(ctx, "pyramid", time.Duration(cfg.Pyramid.PollIntervalSeconds)*time.Second, pyr.RunOnce)
	go runLoop(ctx, "stage5", 5*time.Second, stage5.RunOnce)
	go runLoop(ctx, "watchdog", 10*time.Second, watchdog.RunOnce)
	go runLoop(ctx, "stage7-24h", time.Hour, stage7.CleanupStale24h)
	go runLoop(ctx, "stage7-6d", 6*time.Hour, stage7.CleanupStale6d)
	go runLoop(ctx, "stage7-reconcile", 15*time.Minute, func(ctx context.Context) error {
		return stage7.ReconcileOnce(ctx, "periodic reconcile")
	})
	go runLoop(ctx, "scheduler", time.Minute, scheduler.RunOnce)

	<-ctx.Done()
	slog.Info("tradingbot stopping, waiting for in-flight work to settle")
	time.Sleep(2 * time.Second)
	slog.Info("tradingbot stopped cleanly")
}

// runWSListener keeps exchange.WSListen alive for the lifetime of ctx,
// dispatching every event into Stage 4's WS handler; the adapter's own
// reconnect loop handles transient disconnects.
func runWSListener(ctx context.Context, exchange domain.ExchangeClient, stage4 *lifecycle.Manager) {
	err := exchange.WSListen(ctx, []string{"ORDER_TRADE_UPDATE"}, func(ev domain.WSEvent) {
		if err := stage4.HandleWSEvent(ctx, ev); err != nil {
			slog.Error("stage4 ws event handling failed", "err", err, "order_id", ev.OrderID)
		}
	}, func(err error) {
		slog.Warn("exchange ws disconnected", "err", err)
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("exchange ws listener exited unexpectedly", "err", err)
	}
}

// runStage2Workers runs a single Stage-2 claim/execute loop; the store's
// atomic claim makes running more than one of these concurrently safe,
// but one is enough for the throughput this agent targets.
func runStage2Workers(ctx context.Context, stage2 *executor.Executor, lockTTLSeconds int, poll time.Duration) {
	lockTTL := time.Duration(lockTTLSeconds) * time.Second
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				sig, err := stage2.ClaimNext(ctx, "stage2-worker-1", lockTTL)
				if err != nil {
					slog.Error("stage2 claim failed", "err", err)
					break
				}
				if sig == nil {
					break
				}
				status, err := stage2.Execute(ctx, sig)
				if err != nil {
					slog.Error("stage2 execute failed", "ssot_id", sig.ID, "err", err)
				}
				slog.Info("stage2 cycle complete", "ssot_id", sig.ID, "status", status)
			}
		}
	}
}

// runLoop ticks fn on interval until ctx is cancelled, logging any
// returned error without stopping the loop.
func runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				slog.Error(name+" cycle failed", "err", err)
			}
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func ingestionOptions(cfg *config.Config) ingestion.Options {
	perChannel := make(map[string]domain.SignalType, len(cfg.Stage1.PerChannelDefaultType))
	for channel, t := range cfg.Stage1.PerChannelDefaultType {
		perChannel[channel] = domain.SignalType(t)
	}
	return ingestion.Options{
		DuplicateTTL:          time.Duration(cfg.Stage1.DuplicateTTLHours * float64(time.Hour)),
		DefaultSignalType:     domain.SignalType(cfg.Stage1.DefaultSignalType),
		PerChannelDefaultType: perChannel,
	}
}

func stage2Config(cfg *config.Config) executor.Config {
	return executor.Config{
		RiskPerTrade:      decimal.NewFromFloat(cfg.Risk.RiskPerTrade),
		InitialMarginPlan: decimal.NewFromFloat(cfg.Risk.InitialMarginPlan),
		MinLeverage:       decimal.NewFromFloat(cfg.Risk.MinLeverage),
		MaxLeverage:       decimal.NewFromFloat(cfg.Risk.MaxLeverage),
		DefaultSpreadPct:  decimal.NewFromFloat(cfg.Stage2.DefaultSpreadPct),
		MaxPriceShifts:    cfg.Stage2.MaxPriceShifts,
		FirstFillTimeout:  time.Duration(cfg.Stage2.FirstFillTimeoutHrs * float64(time.Hour)),
		TotalFillTimeout:  time.Duration(cfg.Stage2.TotalFillTimeoutHrs * float64(time.Hour)),
		PollInterval:      time.Duration(cfg.Stage2.PollIntervalSeconds) * time.Second,
	}
}

func stage4Config(cfg *config.Config) lifecycle.Config {
	return lifecycle.Config{
		MoveSLToBEAfterTP1:   cfg.Stage4.MoveSLToBEAfterTP1,
		TrailingEnable:       cfg.Stage4.TrailingEnable,
		TrailingAfterTPIndex: cfg.Stage4.TrailingAfterTPIndex,
		TrailingOffsetPct:    decimal.NewFromFloat(cfg.Stage4.TrailingOffsetPct),
	}
}

func pyramidConfig(cfg *config.Config) pyramid.Config {
	return pyramid.Config{
		Enabled:           true,
		Threshold1Pct:     decimal.NewFromFloat(cfg.Pyramid.ProfitThreshold1),
		Threshold2Pct:     decimal.NewFromFloat(cfg.Pyramid.ProfitThreshold2),
		AddSize1:          decimal.NewFromFloat(cfg.Pyramid.AddSize1),
		AddSize2:          decimal.NewFromFloat(cfg.Pyramid.AddSize2),
		MaxSizeMultiplier: decimal.NewFromFloat(cfg.Pyramid.MaxSizeMultiplier),
	}
}

func stage5Config(cfg *config.Config) hedge.Config {
	return hedge.Config{
		AdverseMovePct:     decimal.NewFromFloat(cfg.Stage5.AdverseMovePct),
		MaxReentryAttempts: cfg.Stage5.MaxReentryAttempts,
		ReentryRetryDelay:  time.Duration(cfg.Stage5.ReentryBackoffSecs) * time.Second,
	}
}

func maintenanceConfig() maintenance.Config {
	return maintenance.Config{
		TimeoutShort: 24 * time.Hour,
		TimeoutLong:  6 * 24 * time.Hour,
	}
}

