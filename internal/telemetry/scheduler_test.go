package telemetry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/telemetry"
)

type fakeChannel struct {
	sent []string
}

func (f *fakeChannel) SendText(ctx context.Context, chatID, text string) (string, error) {
	f.sent = append(f.sent, text)
	return "msg-1", nil
}

func newTestReporter(t *testing.T, dir string) (*telemetry.Logger, *telemetry.Reporter) {
	t.Helper()
	path := filepath.Join(dir, "telemetry.jsonl")
	log, err := telemetry.NewLogger(path, "bot", "test")
	require.NoError(t, err)
	return log, telemetry.NewReporter(log, path, nil, nil)
}

func TestReportSchedulerSendsOncePerDay(t *testing.T) {
	dir := t.TempDir()
	log, reporter := newTestReporter(t, dir)
	ch := &fakeChannel{}

	now := time.Now().UTC()
	cfg := telemetry.SchedulerConfig{
		Enabled:       true,
		SendToChannel: true,
		Location:      time.UTC,
		DailyAtLocal:  now.Format("15:04"),
		WeeklyAtLocal: "--:--", // never matches, isolates the daily path
		StatePath:     filepath.Join(dir, "state.json"),
	}
	sched := telemetry.NewReportScheduler(log, reporter, ch, "chat-1", cfg)

	require.NoError(t, sched.RunOnce(context.Background()))
	require.Len(t, ch.sent, 1)

	// Running again within the same minute/day must not resend.
	require.NoError(t, sched.RunOnce(context.Background()))
	require.Len(t, ch.sent, 1)
}

func TestReportSchedulerPersistsStateAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	log, reporter := newTestReporter(t, dir)
	ch := &fakeChannel{}

	now := time.Now().UTC()
	cfg := telemetry.SchedulerConfig{
		Enabled:       true,
		SendToChannel: true,
		Location:      time.UTC,
		DailyAtLocal:  now.Format("15:04"),
		WeeklyAtLocal: "--:--",
		StatePath:     filepath.Join(dir, "state.json"),
	}
	sched1 := telemetry.NewReportScheduler(log, reporter, ch, "chat-1", cfg)
	require.NoError(t, sched1.RunOnce(context.Background()))
	require.Len(t, ch.sent, 1)

	// A fresh scheduler instance reading the same state file must still
	// see today's report as already sent.
	sched2 := telemetry.NewReportScheduler(log, reporter, ch, "chat-1", cfg)
	require.NoError(t, sched2.RunOnce(context.Background()))
	require.Len(t, ch.sent, 1)
}

func TestReportSchedulerNoopWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	log, reporter := newTestReporter(t, dir)
	ch := &fakeChannel{}

	cfg := telemetry.SchedulerConfig{
		Enabled:      false,
		DailyAtLocal: time.Now().UTC().Format("15:04"),
		StatePath:    filepath.Join(dir, "state.json"),
	}
	sched := telemetry.NewReportScheduler(log, reporter, ch, "chat-1", cfg)
	require.NoError(t, sched.RunOnce(context.Background()))
	require.Empty(t, ch.sent)
}
