// Package config loads the immutable configuration value the rest of
// the agent is constructed from. There is no global mutable config;
// main builds one Config and passes it down explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for one agent process.
type Config struct {
	Risk      RiskConfig      `yaml:"risk"`
	Stage1    Stage1Config    `yaml:"stage1"`
	Stage2    Stage2Config    `yaml:"stage2"`
	Stage4    Stage4Config    `yaml:"stage4"`
	Stage5    Stage5Config    `yaml:"stage5"`
	Pyramid   PyramidConfig   `yaml:"pyramid"`
	Stage6    Stage6Config    `yaml:"stage6"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RiskConfig holds the Stage-2 sizing inputs.
type RiskConfig struct {
	RiskPerTrade     float64 `yaml:"risk_per_trade"`
	InitialMarginPlan float64 `yaml:"initial_margin_plan"`
	MaxLeverage      float64 `yaml:"max_leverage"`
	MinLeverage      float64 `yaml:"min_leverage"`
}

// Stage1Config holds ingestion thresholds.
type Stage1Config struct {
	DuplicateTTLHours        float64           `yaml:"duplicate_ttl_hours"`
	DefaultSignalType        string            `yaml:"default_signal_type_when_missing"`
	PerChannelDefaultType    map[string]string `yaml:"per_channel_default_type"`
}

// Stage2Config holds dual-limit executor tuning.
type Stage2Config struct {
	DefaultSpreadPct     float64 `yaml:"default_spread_pct"`
	MaxPriceShifts       int     `yaml:"max_price_shifts"`
	FirstFillTimeoutHrs  float64 `yaml:"first_fill_timeout_hours"`
	TotalFillTimeoutHrs  float64 `yaml:"total_fill_timeout_hours"`
	PollIntervalSeconds  int     `yaml:"poll_interval_seconds"`
}

// Stage4Config holds lifecycle-manager tuning.
type Stage4Config struct {
	PollIntervalSeconds    int     `yaml:"poll_interval_seconds"`
	TPSplitMode            string  `yaml:"tp_split_mode"`
	MoveSLToBEAfterTP1     bool    `yaml:"move_sl_to_be_after_tp1"`
	TrailingEnable         bool    `yaml:"trailing_enable"`
	TrailingAfterTPIndex   int     `yaml:"trailing_after_tp_index"`
	TrailingOffsetPct      float64 `yaml:"trailing_offset_pct"`
	ReconcileIntervalSecs  int     `yaml:"reconcile_interval_seconds"`
}

// Stage5Config holds hedge/re-entry tuning.
type Stage5Config struct {
	AdverseMovePct     float64 `yaml:"adverse_move_pct"`
	MaxReentryAttempts int     `yaml:"max_reentry_attempts"`
	ReentryBackoffSecs int     `yaml:"reentry_backoff_seconds"`
}

// PyramidConfig holds Stage-4.5 scaling thresholds.
type PyramidConfig struct {
	ProfitThreshold1   float64 `yaml:"profit_threshold_1"`
	ProfitThreshold2   float64 `yaml:"profit_threshold_2"`
	AddSize1           float64 `yaml:"add_size_1"`
	AddSize2           float64 `yaml:"add_size_2"`
	MaxSizeMultiplier  float64 `yaml:"max_size_multiplier"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// Stage6Config holds watchdog/reporter tuning.
type Stage6Config struct {
	MaxActiveTrades    int    `yaml:"max_active_trades"`
	ReportsDailyAt     string `yaml:"reports_daily_at_local_time"`
	ReportsWeeklyAt    string `yaml:"reports_weekly_at_local_time"`
	ReportsWeeklyDay   string `yaml:"reports_weekly_day"`
	Timezone           string `yaml:"timezone"`
	ReportChatID       string `yaml:"report_chat_id"`
}

// ExchangeConfig holds the Exchange capability's connection details.
// Secrets (APIKey/APISecret) are never read from YAML, only from the
// environment.
type ExchangeConfig struct {
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
	RecvWindowMs int `yaml:"recv_window_ms"`
}

// StorageConfig controls where the SSoT and Lifecycle databases live.
type StorageConfig struct {
	SsotDSN      string `yaml:"ssot_dsn"`
	LifecycleDSN string `yaml:"lifecycle_dsn"`
	LockTTLSeconds int  `yaml:"lock_ttl_seconds"`
}

// LogConfig controls logging format/level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig controls the JSONL telemetry sink.
type TelemetryConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML config file, overlays a .env file if present,
// then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Stage2PollInterval is the Stage-2 fill-loop poll cadence.
func (c *Config) Stage2PollInterval() time.Duration {
	return time.Duration(c.Stage2.PollIntervalSeconds) * time.Second
}

// Stage4PollInterval is the Stage-4 reconcile cadence.
func (c *Config) Stage4PollInterval() time.Duration {
	return time.Duration(c.Stage4.PollIntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	cfg.Exchange.APIKey = os.Getenv("EXCHANGE_API_KEY")
	cfg.Exchange.APISecret = os.Getenv("EXCHANGE_API_SECRET")
	if v := os.Getenv("SSOT_DSN"); v != "" {
		cfg.Storage.SsotDSN = v
	}
	if v := os.Getenv("LIFECYCLE_DSN"); v != "" {
		cfg.Storage.LifecycleDSN = v
	}
	if v := os.Getenv("TELEGRAM_REPORT_CHAT_ID"); v != "" {
		cfg.Stage6.ReportChatID = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Risk.RiskPerTrade <= 0 {
		cfg.Risk.RiskPerTrade = 0.02
	}
	if cfg.Risk.InitialMarginPlan <= 0 {
		cfg.Risk.InitialMarginPlan = 20.00
	}
	if cfg.Risk.MaxLeverage <= 0 {
		cfg.Risk.MaxLeverage = 50
	}
	if cfg.Risk.MinLeverage <= 0 {
		cfg.Risk.MinLeverage = 1
	}
	if cfg.Stage1.DuplicateTTLHours <= 0 {
		cfg.Stage1.DuplicateTTLHours = 2
	}
	if cfg.Stage1.DefaultSignalType == "" {
		cfg.Stage1.DefaultSignalType = "SWING"
	}
	if cfg.Stage2.DefaultSpreadPct <= 0 {
		cfg.Stage2.DefaultSpreadPct = 0.001
	}
	if cfg.Stage2.MaxPriceShifts <= 0 {
		cfg.Stage2.MaxPriceShifts = 50
	}
	if cfg.Stage2.FirstFillTimeoutHrs <= 0 {
		cfg.Stage2.FirstFillTimeoutHrs = 24
	}
	if cfg.Stage2.TotalFillTimeoutHrs <= 0 {
		cfg.Stage2.TotalFillTimeoutHrs = 144 // 6 days
	}
	if cfg.Stage2.PollIntervalSeconds <= 0 {
		cfg.Stage2.PollIntervalSeconds = 5
	}
	if cfg.Stage4.PollIntervalSeconds <= 0 {
		cfg.Stage4.PollIntervalSeconds = 5
	}
	if cfg.Stage4.TPSplitMode == "" {
		cfg.Stage4.TPSplitMode = "EQUAL"
	}
	if cfg.Stage4.TrailingOffsetPct <= 0 {
		cfg.Stage4.TrailingOffsetPct = 0.015
	}
	if cfg.Stage4.ReconcileIntervalSecs <= 0 {
		cfg.Stage4.ReconcileIntervalSecs = 30
	}
	if cfg.Stage5.AdverseMovePct <= 0 {
		cfg.Stage5.AdverseMovePct = 0.02
	}
	if cfg.Stage5.MaxReentryAttempts <= 0 {
		cfg.Stage5.MaxReentryAttempts = 3
	}
	if cfg.Stage5.ReentryBackoffSecs <= 0 {
		cfg.Stage5.ReentryBackoffSecs = 30
	}
	if cfg.Pyramid.ProfitThreshold1 <= 0 {
		cfg.Pyramid.ProfitThreshold1 = 3
	}
	if cfg.Pyramid.ProfitThreshold2 <= 0 {
		cfg.Pyramid.ProfitThreshold2 = 6
	}
	if cfg.Pyramid.AddSize1 <= 0 {
		cfg.Pyramid.AddSize1 = 0.5
	}
	if cfg.Pyramid.AddSize2 <= 0 {
		cfg.Pyramid.AddSize2 = 0.25
	}
	if cfg.Pyramid.MaxSizeMultiplier <= 0 {
		cfg.Pyramid.MaxSizeMultiplier = 2.0
	}
	if cfg.Pyramid.PollIntervalSeconds <= 0 {
		cfg.Pyramid.PollIntervalSeconds = 30
	}
	if cfg.Stage6.MaxActiveTrades <= 0 {
		cfg.Stage6.MaxActiveTrades = 20
	}
	if cfg.Stage6.ReportsDailyAt == "" {
		cfg.Stage6.ReportsDailyAt = "23:55"
	}
	if cfg.Stage6.ReportsWeeklyAt == "" {
		cfg.Stage6.ReportsWeeklyAt = "23:55"
	}
	if cfg.Stage6.ReportsWeeklyDay == "" {
		cfg.Stage6.ReportsWeeklyDay = "Sunday"
	}
	if cfg.Stage6.Timezone == "" {
		cfg.Stage6.Timezone = "UTC"
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://open-api.bingx.com"
	}
	if cfg.Exchange.WSURL == "" {
		cfg.Exchange.WSURL = "wss://open-api-swap.bingx.com/swap-market"
	}
	if cfg.Exchange.RecvWindowMs <= 0 {
		cfg.Exchange.RecvWindowMs = 5000
	}
	if cfg.Storage.SsotDSN == "" {
		cfg.Storage.SsotDSN = "ssot.db"
	}
	if cfg.Storage.LifecycleDSN == "" {
		cfg.Storage.LifecycleDSN = "lifecycle.db"
	}
	if cfg.Storage.LockTTLSeconds <= 0 {
		cfg.Storage.LockTTLSeconds = 120
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Telemetry.Path == "" {
		cfg.Telemetry.Path = "telemetry.jsonl"
	}
}
