package domain

import "errors"

// Sentinel errors for the Error Kind taxonomy. Callers classify a
// failure by wrapping one of these with fmt.Errorf("%w: ...", ErrX) so
// errors.Is still matches across package boundaries.
var (
	// ErrValidation covers malformed or incomplete input; Stage 1
	// surfaces this as an INVALID ingest decision. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrDedup marks a signal rejected as a near-duplicate of one
	// already accepted within the TTL window. Never retried.
	ErrDedup = errors.New("duplicate signal")

	// ErrExchangeTransient covers timeouts, 5xx responses, and rate
	// limiting. Callers retry with backoff.
	ErrExchangeTransient = errors.New("exchange transient error")

	// ErrExchangePermanent covers insufficient funds, reduce-only
	// violations, unknown symbols, and auth failures. Never retried.
	ErrExchangePermanent = errors.New("exchange permanent error")

	// ErrProtocolGap covers WS sequence gaps, stale WS connections, and
	// tracked orders that vanished from the exchange's view. Resolved
	// by a REST reconcile pass; never returned to a caller as fatal.
	ErrProtocolGap = errors.New("protocol gap")

	// ErrAmbiguous covers states that must never be auto-repaired
	// (open orders exist but none are tracked locally).
	ErrAmbiguous = errors.New("ambiguous exchange state")

	// ErrInternal covers store corruption or serialization failures.
	// Fatal to the worker that raised it; other workers continue.
	ErrInternal = errors.New("internal error")

	// ErrNotFound is returned by store lookups that found no row.
	ErrNotFound = errors.New("not found")

	// ErrSymbolUnknown is returned when the exchange has no metadata
	// for a parsed symbol.
	ErrSymbolUnknown = errors.New("unknown symbol")

	// ErrLocked is returned when a Stage-5 re-entry attempt finds an
	// active lock for (symbol, side).
	ErrLocked = errors.New("symbol/side locked")
)
