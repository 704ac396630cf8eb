package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tradingcore/agent/internal/domain"
)

// SchedulerConfig tunes when the daily/weekly report fires. Times are
// "HH:MM" in Location; WeeklyDay is a three-letter weekday prefix
// ("MON".."SUN").
type SchedulerConfig struct {
	Enabled        bool
	SendToChannel  bool
	Location       *time.Location
	DailyAtLocal   string
	WeeklyDay      string
	WeeklyAtLocal  string
	StatePath      string
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DailyAtLocal == "" {
		c.DailyAtLocal = "23:59"
	}
	if c.WeeklyDay == "" {
		c.WeeklyDay = "SUN"
	}
	if c.WeeklyAtLocal == "" {
		c.WeeklyAtLocal = "23:59"
	}
	if c.StatePath == "" {
		c.StatePath = "data/stage6_report_state.json"
	}
	return c
}

type schedulerState struct {
	DailyLastSent  string `json:"daily_last_sent"`
	WeeklyLastSent string `json:"weekly_last_sent"`
}

// ReportScheduler fires the reporter at most once per day/week, on a
// fixed local clock time, persisting the last-sent marker to disk so a
// restart never double-sends.
type ReportScheduler struct {
	telemetry *Logger
	reporter  *Reporter
	channel   domain.ReportingChannel
	chatID    string
	cfg       SchedulerConfig
}

// NewReportScheduler wires a ReportScheduler. channel may be nil if
// cfg.SendToChannel is false (report is still generated and logged).
func NewReportScheduler(tel *Logger, reporter *Reporter, channel domain.ReportingChannel, chatID string, cfg SchedulerConfig) *ReportScheduler {
	return &ReportScheduler{telemetry: tel, reporter: reporter, channel: channel, chatID: chatID, cfg: cfg.withDefaults()}
}

func (s *ReportScheduler) loadState() schedulerState {
	var st schedulerState
	data, err := os.ReadFile(s.cfg.StatePath)
	if err != nil {
		return st
	}
	_ = json.Unmarshal(data, &st)
	return st
}

func (s *ReportScheduler) saveState(st schedulerState) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.StatePath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(s.cfg.StatePath, data, 0o644)
}

func parseHHMM(s string) (hh, mm int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return h, m, true
}

// RunOnce checks whether the daily and/or weekly report is due right
// now, and sends it at most once per window.
func (s *ReportScheduler) RunOnce(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	now := time.Now().In(s.cfg.Location)
	state := s.loadState()

	if hh, mm, ok := parseHHMM(s.cfg.DailyAtLocal); ok && now.Hour() == hh && now.Minute() == mm {
		dayKey := now.Format("2006-01-02")
		if state.DailyLastSent != dayKey {
			window := DailyWindow(now, s.cfg.Location)
			if err := s.sendReport(ctx, window); err != nil {
				return fmt.Errorf("scheduler.RunOnce: daily: %w", err)
			}
			state.DailyLastSent = dayKey
			s.saveState(state)
		}
	}

	if hh, mm, ok := parseHHMM(s.cfg.WeeklyAtLocal); ok && now.Hour() == hh && now.Minute() == mm {
		weekdayPrefix := strings.ToUpper(now.Format("Mon"))
		if strings.HasPrefix(weekdayPrefix, strings.ToUpper(s.cfg.WeeklyDay)[:min(3, len(s.cfg.WeeklyDay))]) {
			window := WeeklyWindow(now, s.cfg.Location)
			weekKey := window.StartUTC.Format("2006-01-02")
			if state.WeeklyLastSent != weekKey {
				if err := s.sendReport(ctx, window); err != nil {
					return fmt.Errorf("scheduler.RunOnce: weekly: %w", err)
				}
				state.WeeklyLastSent = weekKey
				s.saveState(state)
			}
		}
	}
	return nil
}

func (s *ReportScheduler) sendReport(ctx context.Context, window ReportWindow) error {
	report, err := s.reporter.BuildReport(ctx, window)
	if err != nil {
		return err
	}
	text := s.reporter.FormatText(report)

	s.telemetry.Emit("REPORT_GENERATED", "INFO", "REPORTING", "report generated", EmitOpts{
		Correlation: Correlation{BotOrderID: "report-" + strings.ToLower(window.Name)},
		Payload: map[string]interface{}{
			"window_name": window.Name,
			"pnl_usdt":    report.TradePerformance.PnLUSDT.String(),
		},
	})

	if !s.cfg.SendToChannel || s.channel == nil || s.chatID == "" {
		return nil
	}
	_, err = SendAndLog(ctx, s.channel, s.chatID, text, s.telemetry, Correlation{BotOrderID: "report-" + strings.ToLower(window.Name)})
	return err
}
