package domain

import "time"

// TelemetryLevel mirrors the Error Kind severities that reach the
// telemetry sink.
type TelemetryLevel string

const (
	LevelInfo    TelemetryLevel = "INFO"
	LevelWarning TelemetryLevel = "WARNING"
	LevelError   TelemetryLevel = "ERROR"
)

// Correlation ties a telemetry event back to the rows/messages that
// produced it. Any field may be empty.
type Correlation struct {
	SsotID           int64  `json:"ssot_id,omitempty"`
	BotOrderID       string `json:"bot_order_id,omitempty"`
	ExchangeOrderID  string `json:"exchange_order_id,omitempty"`
	PositionID       int64  `json:"position_id,omitempty"`
	TelegramChatID   string `json:"telegram_chat_id,omitempty"`
	TelegramMsgID    string `json:"telegram_message_id,omitempty"`
}

// TelemetryEvent is one line of the append-only JSONL telemetry file,
// the single source of truth every report and alert is derived from.
type TelemetryEvent struct {
	TsUTC       time.Time              `json:"ts_utc"`
	EventType   string                 `json:"event_type"`
	Level       TelemetryLevel         `json:"level"`
	Subsystem   string                 `json:"subsystem"`
	Message     string                 `json:"message"`
	EventKey    string                 `json:"event_key"`
	Correlation Correlation            `json:"correlation"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}
