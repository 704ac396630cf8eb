package telemetry_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingcore/agent/internal/telemetry"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestEmitAppendsOneJSONLineWithDeterministicKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.jsonl")
	log, err := telemetry.NewLogger(path, "bot", "test")
	require.NoError(t, err)

	log.Emit("TP_FILL", "INFO", "LIFECYCLE", "tp1 filled", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: 7},
		Payload:     map[string]interface{}{"pnl_usdt": "1.2500"},
	})
	log.Emit("TP_FILL", "INFO", "LIFECYCLE", "tp1 filled", telemetry.EmitOpts{
		Correlation: telemetry.Correlation{SsotID: 7},
		Payload:     map[string]interface{}{"pnl_usdt": "1.2500"},
	})

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var e1, e2 telemetry.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e1))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &e2))
	assert.Equal(t, e1.EventKey, e2.EventKey, "identical event facts must derive the same event_key")
	assert.Equal(t, int64(7), e1.Correlation.SsotID)
}

func TestEmitRedactsSensitivePayloadKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.jsonl")
	log, err := telemetry.NewLogger(path, "bot", "test")
	require.NoError(t, err)

	log.Emit("API_CALL", "INFO", "EXCHANGE", "signed request", telemetry.EmitOpts{
		Payload: map[string]interface{}{"api_key": "AKIA1234567890ABCD", "symbol": "BTCUSDT"},
	})

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	var e telemetry.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.NotEqual(t, "AKIA1234567890ABCD", e.Payload["api_key"])
	assert.Equal(t, "BTCUSDT", e.Payload["symbol"])
}

func TestEmitOnNilLoggerIsNoOp(t *testing.T) {
	var log *telemetry.Logger
	assert.NotPanics(t, func() {
		log.Emit("ANYTHING", "INFO", "X", "msg", telemetry.EmitOpts{})
	})
}
