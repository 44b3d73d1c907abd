package domain

import "errors"

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an insert collides with an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when an atomic insert loses a uniqueness race.
	// Losing the race is an expected outcome, not a failure: the caller must
	// treat it as "someone else owns this transition" and stop.
	ErrConflict = errors.New("uniqueness conflict")

	// ErrStaleState is returned by compare-and-set operations when the stored
	// value no longer matches the caller's expectation. Callers recover by
	// reloading and retrying; it is never surfaced to users.
	ErrStaleState = errors.New("stale state")

	// ErrCircuitOpen is returned when the circuit breaker short-circuits an
	// execution attempt without calling the exchange adapter.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRateLimited is returned when a tenant's execution rate limit is hit.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient marks exchange adapter failures that are safe to retry
	// (timeouts, 5xx, rate limits). Adapters wrap it; callers test with
	// errors.Is.
	ErrTransient = errors.New("transient adapter error")

	// ErrTerminal marks exchange adapter failures that must not be retried
	// (position already closed exchange-side, rejected symbol).
	ErrTerminal = errors.New("terminal adapter error")

	// ErrTradingDisabled is returned when a tenant's kill switch blocks a new
	// position registration. It never blocks a triggered stop execution.
	ErrTradingDisabled = errors.New("trading disabled for tenant")

	// ErrWSDisconnect signals that the price stream connection dropped.
	ErrWSDisconnect = errors.New("websocket disconnected")
)
