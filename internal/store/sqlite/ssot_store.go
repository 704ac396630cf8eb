package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradingcore/agent/internal/decimalx"
	"github.com/tradingcore/agent/internal/domain"
)

const ssotSchema = `
CREATE TABLE IF NOT EXISTS ssot_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	source          TEXT NOT NULL,
	chat_id         TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	received_at_utc TEXT NOT NULL,
	raw_text        TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	entry_price     TEXT NOT NULL,
	sl_price        TEXT NOT NULL,
	tp_prices_json  TEXT NOT NULL,
	signal_type     TEXT NOT NULL,
	tick_size       TEXT NOT NULL,
	qty_step        TEXT NOT NULL,
	dedup_hash      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'QUEUED',
	locked_by       TEXT,
	locked_at_utc   TEXT,
	stage2_json     TEXT,
	last_error      TEXT,
	created_at_utc  TEXT NOT NULL,
	updated_at_utc  TEXT NOT NULL,
	UNIQUE(chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_ssot_queue_received_at ON ssot_queue(received_at_utc);
CREATE INDEX IF NOT EXISTS idx_ssot_queue_status ON ssot_queue(status);

CREATE TABLE IF NOT EXISTS recent_signals (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at_utc  TEXT NOT NULL,
	source          TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	entry_price     TEXT NOT NULL,
	sl_price        TEXT NOT NULL,
	tp_prices_json  TEXT NOT NULL,
	dedup_hash      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recent_signals_lookup ON recent_signals(source, symbol, side, created_at_utc);

CREATE TABLE IF NOT EXISTS stage5_locks (
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	reason         TEXT,
	locked_at_utc  TEXT NOT NULL,
	PRIMARY KEY(symbol, side)
);
`

const isoLayout = time.RFC3339Nano

// SsotStore is the durable signal queue: accept/reject new signals,
// dedup against recent accepted ones, and hand out atomic claims to
// Stage-2 workers.
type SsotStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSsotStore opens (or creates) the SSoT database at path.
func OpenSsotStore(path string) (*SsotStore, error) {
	db, err := open(path, ssotSchema)
	if err != nil {
		return nil, err
	}
	return &SsotStore{db: db}, nil
}

// Close closes the underlying connection.
func (s *SsotStore) Close() error { return s.db.Close() }

// DedupFields is the subset of a Signal that the dedup comparator
// looks at.
type DedupFields struct {
	Source string
	Symbol string
	Side   domain.Side
	Entry  decimal.Decimal
	SL     decimal.Decimal
	TPs    []decimal.Decimal
}

// DedupHash returns a stable hash over the canonical JSON payload of
// the dedup-relevant fields: sha256 over a JSON encoding with a fixed
// field order.
func DedupHash(f DedupFields) string {
	tps := make([]string, len(f.TPs))
	for i, tp := range f.TPs {
		tps[i] = tp.String()
	}
	payload := struct {
		Source string   `json:"source"`
		Symbol string   `json:"symbol"`
		Side   string   `json:"side"`
		Entry  string   `json:"entry"`
		SL     string   `json:"sl"`
		TPs    []string `json:"tps"`
	}{f.Source, f.Symbol, string(f.Side), f.Entry.String(), f.SL.String(), tps}
	buf, _ := json.Marshal(payload)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// DedupResult is the outcome of CheckAndRecordDedup.
type DedupResult struct {
	Accept  bool
	Reason  string
	MinDiff decimal.Decimal
}

// CheckAndRecordDedup implements the ingestion dedup algorithm:
// compare against every RecentSignal for the same (source, symbol,
// side) within the TTL window, using the maximum per-component %-diff
// (entry, sl, each tp in order; a TP-count mismatch forces diff=1.00).
// It does NOT write the accepted row itself — callers call
// InsertAccepted after deciding to accept.
func (s *SsotStore) CheckAndRecordDedup(ctx context.Context, f DedupFields, ttl time.Duration) (DedupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl).Format(isoLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_price, sl_price, tp_prices_json
		FROM recent_signals
		WHERE source = ? AND symbol = ? AND side = ? AND created_at_utc >= ?
	`, f.Source, f.Symbol, string(f.Side), cutoff)
	if err != nil {
		return DedupResult{}, fmt.Errorf("sqlite.CheckAndRecordDedup: query: %w", err)
	}
	defer rows.Close()

	var diffs []decimal.Decimal
	for rows.Next() {
		var entryStr, slStr, tpJSON string
		if err := rows.Scan(&entryStr, &slStr, &tpJSON); err != nil {
			return DedupResult{}, fmt.Errorf("sqlite.CheckAndRecordDedup: scan: %w", err)
		}
		entry, _ := decimal.NewFromString(entryStr)
		sl, _ := decimal.NewFromString(slStr)
		var tpStrs []string
		_ = json.Unmarshal([]byte(tpJSON), &tpStrs)
		diffs = append(diffs, maxComponentDiff(f, entry, sl, tpStrs))
	}
	if err := rows.Err(); err != nil {
		return DedupResult{}, fmt.Errorf("sqlite.CheckAndRecordDedup: rows: %w", err)
	}

	if len(diffs) == 0 {
		return DedupResult{Accept: true, Reason: "no recent signal for (source,symbol,side)"}, nil
	}

	minDiff := diffs[0]
	for _, d := range diffs[1:] {
		if d.LessThan(minDiff) {
			minDiff = d
		}
	}

	fivePct := decimalx.MustParse("0.05")
	tenPct := decimalx.MustParse("0.10")
	sevenHalfPct := decimalx.MustParse("0.075")

	anyLE5 := false
	allGE10 := true
	for _, d := range diffs {
		if d.LessThanOrEqual(fivePct) {
			anyLE5 = true
		}
		if d.LessThan(tenPct) {
			allGE10 = false
		}
	}

	switch {
	case anyLE5:
		return DedupResult{Accept: false, Reason: fmt.Sprintf("Duplicate detected (<=5%% diff). TTL=%gh", ttl.Hours()), MinDiff: minDiff}, nil
	case allGE10:
		return DedupResult{Accept: true, Reason: "All recent signals differ by >=10% (accept)", MinDiff: minDiff}, nil
	case minDiff.LessThan(sevenHalfPct):
		return DedupResult{Accept: false, Reason: fmt.Sprintf("Deterministic block in 5-10%% range (min_diff<7.5%%). TTL=%gh", ttl.Hours()), MinDiff: minDiff}, nil
	default:
		return DedupResult{Accept: true, Reason: "Deterministic accept in 5-10% range (min_diff>=7.5%)", MinDiff: minDiff}, nil
	}
}

func maxComponentDiff(f DedupFields, entryB, slB decimal.Decimal, tpBStrs []string) decimal.Decimal {
	if len(tpBStrs) != len(f.TPs) {
		return decimal.NewFromInt(1)
	}
	diffs := []decimal.Decimal{
		decimalx.PercentDiff(f.Entry, entryB),
		decimalx.PercentDiff(f.SL, slB),
	}
	for i, tpA := range f.TPs {
		tpB, _ := decimal.NewFromString(tpBStrs[i])
		diffs = append(diffs, decimalx.PercentDiff(tpA, tpB))
	}
	max := diffs[0]
	for _, d := range diffs[1:] {
		if d.GreaterThan(max) {
			max = d
		}
	}
	return max
}

// InsertAccepted atomically inserts a new ssot_queue row and its
// recent_signals projection. UNIQUE(chat_id, message_id) makes a
// replayed message an idempotent no-op: the existing row's id is
// returned instead of erroring.
func (s *SsotStore) InsertAccepted(ctx context.Context, sig *domain.Signal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite.InsertAccepted: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(isoLayout)
	tpJSON, _ := json.Marshal(decimalStrings(sig.TPs))

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ssot_queue (
			source, chat_id, message_id, received_at_utc, raw_text, symbol, side,
			entry_price, sl_price, tp_prices_json, signal_type, tick_size, qty_step,
			dedup_hash, status, created_at_utc, updated_at_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'QUEUED', ?, ?)
	`, sig.Source, sig.ChatID, sig.MessageID, sig.ReceivedAt.UTC().Format(isoLayout), sig.RawText,
		sig.Symbol, string(sig.Side), sig.Entry.String(), sig.SL.String(), string(tpJSON),
		string(sig.Type), sig.TickSize.String(), sig.QtyStep.String(), sig.DedupHash, now, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite.InsertAccepted: insert: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM ssot_queue WHERE chat_id = ? AND message_id = ?`,
		sig.ChatID, sig.MessageID).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite.InsertAccepted: read id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recent_signals (created_at_utc, source, symbol, side, entry_price, sl_price, tp_prices_json, dedup_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.ReceivedAt.UTC().Format(isoLayout), sig.Source, sig.Symbol, string(sig.Side),
		sig.Entry.String(), sig.SL.String(), string(tpJSON), sig.DedupHash); err != nil {
		return 0, fmt.Errorf("sqlite.InsertAccepted: recent_signals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite.InsertAccepted: commit: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the next eligible row: QUEUED, or a
// CLAIMED row whose lock has exceeded lockTTL. Uses BEGIN IMMEDIATE so
// the select-then-update is a single atomic unit even under
// concurrent callers.
func (s *SsotStore) ClaimNext(ctx context.Context, workerID string, lockTTL time.Duration) (*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// BEGIN IMMEDIATE acquires the write lock up front: select-then-
	// update is one atomic unit even though database/sql's own Tx
	// would otherwise defer locking until the first write. This is the
	// one place a lock is held across the claim's internal suspension
	// point, deliberately, to keep the claim race-free.
	if _, err := s.db.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("sqlite.ClaimNext: begin immediate: %w", err)
	}
	rollback := func() { s.db.ExecContext(ctx, "ROLLBACK") }

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM ssot_queue
		WHERE status = 'QUEUED'
		   OR (status = 'CLAIMED' AND locked_at_utc IS NOT NULL AND
		       (strftime('%s','now') - strftime('%s', locked_at_utc)) >= ?)
		ORDER BY id ASC LIMIT 1
	`, int64(lockTTL.Seconds())).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		rollback()
		return nil, nil
	}
	if err != nil {
		rollback()
		return nil, fmt.Errorf("sqlite.ClaimNext: select: %w", err)
	}

	now := time.Now().UTC().Format(isoLayout)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ssot_queue SET status = 'CLAIMED', locked_by = ?, locked_at_utc = ?, updated_at_utc = ? WHERE id = ?
	`, workerID, now, now, id); err != nil {
		rollback()
		return nil, fmt.Errorf("sqlite.ClaimNext: update: %w", err)
	}

	sig, err := scanSignal(s.db.QueryRowContext(ctx, selectSignalByID, id))
	if err != nil {
		rollback()
		return nil, fmt.Errorf("sqlite.ClaimNext: reload: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("sqlite.ClaimNext: commit: %w", err)
	}
	return sig, nil
}

const selectSignalByID = `
	SELECT id, source, chat_id, message_id, received_at_utc, raw_text, symbol, side,
	       entry_price, sl_price, tp_prices_json, signal_type, tick_size, qty_step,
	       dedup_hash, status, locked_by, locked_at_utc, stage2_json, last_error,
	       created_at_utc, updated_at_utc
	FROM ssot_queue WHERE id = ?
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*domain.Signal, error) {
	var sig domain.Signal
	var sideStr, entryStr, slStr, tpJSON, typeStr, tickStr, qtyStr string
	var lockedBy, lockedAt, stage2, lastErr sql.NullString
	var receivedAt, createdAt, updatedAt string

	if err := row.Scan(&sig.ID, &sig.Source, &sig.ChatID, &sig.MessageID, &receivedAt, &sig.RawText,
		&sig.Symbol, &sideStr, &entryStr, &slStr, &tpJSON, &typeStr, &tickStr, &qtyStr,
		&sig.DedupHash, &sig.Status, &lockedBy, &lockedAt, &stage2, &lastErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sig.Side = domain.Side(sideStr)
	sig.Entry, _ = decimal.NewFromString(entryStr)
	sig.SL, _ = decimal.NewFromString(slStr)
	sig.Type = domain.SignalType(typeStr)
	sig.TickSize, _ = decimal.NewFromString(tickStr)
	sig.QtyStep, _ = decimal.NewFromString(qtyStr)
	sig.ReceivedAt, _ = time.Parse(isoLayout, receivedAt)
	sig.CreatedAt, _ = time.Parse(isoLayout, createdAt)
	sig.UpdatedAt, _ = time.Parse(isoLayout, updatedAt)
	sig.LockedBy = lockedBy.String
	sig.Stage2State = stage2.String
	sig.LastError = lastErr.String
	if lockedAt.Valid {
		t, _ := time.Parse(isoLayout, lockedAt.String)
		sig.LockedAt = &t
	}

	var tpStrs []string
	_ = json.Unmarshal([]byte(tpJSON), &tpStrs)
	sig.TPs = make([]decimal.Decimal, len(tpStrs))
	for i, s := range tpStrs {
		sig.TPs[i], _ = decimal.NewFromString(s)
	}
	return &sig, nil
}

// GetByID loads one signal row, or domain.ErrNotFound.
func (s *SsotStore) GetByID(ctx context.Context, id int64) (*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, err := scanSignal(s.db.QueryRowContext(ctx, selectSignalByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite.GetByID: %w", err)
	}
	return sig, nil
}

// UpdateState persists a new status, optionally replacing the opaque
// Stage-2 JSON blob and/or last-error message. An empty stage2JSON
// leaves the existing blob untouched (a COALESCE update).
func (s *SsotStore) UpdateState(ctx context.Context, id int64, status domain.SignalStatus, stage2JSON, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stage2Arg interface{}
	if stage2JSON != "" {
		stage2Arg = stage2JSON
	}
	var errArg interface{}
	if lastError != "" {
		errArg = lastError
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ssot_queue
		SET status = ?, stage2_json = COALESCE(?, stage2_json), last_error = ?, updated_at_utc = ?
		WHERE id = ?
	`, string(status), stage2Arg, errArg, time.Now().UTC().Format(isoLayout), id)
	if err != nil {
		return fmt.Errorf("sqlite.UpdateState: %w", err)
	}
	return nil
}

// ListCompletedAfter returns up to limit COMPLETED signals with id >
// afterID, ordered by id ascending. The Stage-4 Lifecycle Manager walks
// this cursor to discover newly-materialized entries without rescanning
// rows it has already turned into a Position.
func (s *SsotStore) ListCompletedAfter(ctx context.Context, afterID int64, limit int) ([]*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ssot_queue WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?
	`, string(domain.SignalCompleted), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListCompletedAfter: query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite.ListCompletedAfter: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.ListCompletedAfter: rows: %w", err)
	}

	out := make([]*domain.Signal, 0, len(ids))
	for _, id := range ids {
		sig, err := scanSignal(s.db.QueryRowContext(ctx, selectSignalByID, id))
		if err != nil {
			return nil, fmt.Errorf("sqlite.ListCompletedAfter: reload %d: %w", id, err)
		}
		out = append(out, sig)
	}
	return out, nil
}

var stage2InflightStatuses = []domain.SignalStatus{
	domain.SignalClaimed, domain.SignalStage2Running, domain.SignalStage2Planned, domain.SignalWaitingForFills,
}

// CountStage2Inflight counts rows representing live entry orders or
// reserved capacity, for the Stage-6 Watchdog.
func (s *SsotStore) CountStage2Inflight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(stage2InflightStatuses))
	args := make([]interface{}, len(stage2InflightStatuses))
	for i, st := range stage2InflightStatuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM ssot_queue WHERE status IN (%s)`, strings.Join(placeholders, ","))
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite.CountStage2Inflight: %w", err)
	}
	return n, nil
}

// CountReceivedBetween counts signals accepted into the queue within
// [start, end), for the Stage-6 reporter's signal-volume line.
func (s *SsotStore) CountReceivedBetween(ctx context.Context, start, end time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ssot_queue WHERE received_at_utc >= ? AND received_at_utc < ?
	`, start.UTC().Format(isoLayout), end.UTC().Format(isoLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite.CountReceivedBetween: %w", err)
	}
	return n, nil
}

// CountWithStatusBetween counts signals received within [start, end)
// whose current status is one of statuses.
func (s *SsotStore) CountWithStatusBetween(ctx context.Context, statuses []domain.SignalStatus, start, end time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+2)
	args = append(args, start.UTC().Format(isoLayout), end.UTC().Format(isoLayout))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	q := fmt.Sprintf(`
		SELECT COUNT(*) FROM ssot_queue
		WHERE received_at_utc >= ? AND received_at_utc < ? AND status IN (%s)
	`, strings.Join(placeholders, ","))
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite.CountWithStatusBetween: %w", err)
	}
	return n, nil
}

// ListOlderThan returns rows older than cutoff whose status is one of
// statuses, for Stage-7 cleanup sweeps.
func (s *SsotStore) ListOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.SignalStatus) ([]*domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, cutoff.UTC().Format(isoLayout))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	q := fmt.Sprintf(`SELECT id FROM ssot_queue WHERE received_at_utc < ? AND status IN (%s) ORDER BY id ASC`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListOlderThan: query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite.ListOlderThan: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Signal, 0, len(ids))
	for _, id := range ids {
		sig, err := scanSignal(s.db.QueryRowContext(ctx, selectSignalByID, id))
		if err != nil {
			return nil, fmt.Errorf("sqlite.ListOlderThan: reload %d: %w", id, err)
		}
		out = append(out, sig)
	}
	return out, nil
}

// FindLatestForSymbolSide returns the most recently received accepted
// signal id for (symbol, side), used by Stage-7 reconcile to map an
// unmapped exchange position back to its originating signal.
func (s *SsotStore) FindLatestForSymbolSide(ctx context.Context, symbol string, side domain.Side) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM ssot_queue WHERE symbol = ? AND side = ? ORDER BY received_at_utc DESC LIMIT 1
	`, symbol, string(side)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite.FindLatestForSymbolSide: %w", err)
	}
	return id, nil
}

// SetStage5Lock writes (or replaces) the lock row for (symbol, side).
func (s *SsotStore) SetStage5Lock(ctx context.Context, symbol string, side domain.Side, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage5_locks (symbol, side, reason, locked_at_utc) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, side) DO UPDATE SET reason = excluded.reason, locked_at_utc = excluded.locked_at_utc
	`, symbol, string(side), reason, time.Now().UTC().Format(isoLayout))
	if err != nil {
		return fmt.Errorf("sqlite.SetStage5Lock: %w", err)
	}
	return nil
}

// ClearStage5Lock deletes the lock row for (symbol, side), e.g. when a
// fresh external signal arrives for that pair and supersedes the lock.
func (s *SsotStore) ClearStage5Lock(ctx context.Context, symbol string, side domain.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM stage5_locks WHERE symbol = ? AND side = ?`, symbol, string(side))
	if err != nil {
		return fmt.Errorf("sqlite.ClearStage5Lock: %w", err)
	}
	return nil
}

// IsStage5Locked reports whether (symbol, side) currently has a lock.
func (s *SsotStore) IsStage5Locked(ctx context.Context, symbol string, side domain.Side) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage5_locks WHERE symbol = ? AND side = ?`, symbol, string(side)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite.IsStage5Locked: %w", err)
	}
	return n > 0, nil
}

func decimalStrings(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}
