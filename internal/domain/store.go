package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists PositionStopState rows.
//
// CompareAndSetStop and TransitionStatus are the only mutation paths for
// stop price and status. Both are single atomic writes: concurrent callers
// observe ErrStaleState instead of overwriting each other.
type PositionStore interface {
	Create(ctx context.Context, pos PositionStopState) error
	GetByID(ctx context.Context, positionID string) (PositionStopState, error)
	ListActive(ctx context.Context) ([]PositionStopState, error)
	ListActiveBySymbol(ctx context.Context, symbol string) ([]PositionStopState, error)
	ActiveSymbols(ctx context.Context) ([]string, error)

	// CompareAndSetStop replaces the current stop only if it still equals
	// expected. Returns ErrStaleState on mismatch and ErrNotFound when the
	// position does not exist.
	CompareAndSetStop(ctx context.Context, positionID string, expected, next decimal.Decimal) error

	// TransitionStatus moves status from -> to atomically. Returns
	// ErrStaleState when the stored status is not `from`.
	TransitionStatus(ctx context.Context, positionID string, from, to PositionStatus) error

	// MarkClosed sets status CLOSED and records the close time.
	MarkClosed(ctx context.Context, positionID string, closedAt time.Time) error

	// ListClosedBefore returns closed positions whose close time is strictly
	// before the cutoff. Used by the archiver.
	ListClosedBefore(ctx context.Context, before time.Time) ([]PositionStopState, error)
}

// EventStore is the append-only stop event log.
type EventStore interface {
	// Append writes the event and assigns its EventSeq. When outbox is
	// non-nil the outbox row is written in the same atomic transaction.
	//
	// For TRIGGERED events the ExecutionToken uniqueness constraint is the
	// concurrency arbiter: the losing writer receives ErrConflict and must
	// treat it as a no-op.
	Append(ctx context.Context, ev StopEvent, outbox *OutboxMessage) (StopEvent, error)

	// ListByPosition returns all events for a position ordered by EventSeq.
	ListByPosition(ctx context.Context, positionID string) ([]StopEvent, error)

	// ListByClient returns events for a tenant ordered by EventSeq.
	ListByClient(ctx context.Context, clientID string, opts ListOpts) ([]StopEvent, error)

	// LastByPosition returns the most recent event for the position.
	LastByPosition(ctx context.Context, positionID string) (StopEvent, error)

	// ListAll returns the full log ordered by EventSeq. Used by replay.
	ListAll(ctx context.Context) ([]StopEvent, error)
}

// ExecutionStore persists the materialized StopExecution projection.
type ExecutionStore interface {
	// Create inserts the projection row for a new execution. Returns
	// ErrAlreadyExists when a row with the same token is present.
	Create(ctx context.Context, exec StopExecution) error

	GetByToken(ctx context.Context, token string) (StopExecution, error)
	GetByPosition(ctx context.Context, positionID string) (StopExecution, error)
	ListByStatus(ctx context.Context, clientID string, status ExecutionStatus, opts ListOpts) ([]StopExecution, error)

	// ListDueRetries returns pending executions whose retry window has
	// opened, across all tenants. The retry sweep feeds on this.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]StopExecution, error)

	// ClaimRetry increments RetryCount from the expected value and stamps
	// the attempt, atomically. Returns ErrStaleState when another trigger
	// already claimed this attempt. This is the arbitration mechanism for
	// retries of an execution whose TRIGGERED event already exists.
	ClaimRetry(ctx context.Context, token string, expectedRetryCount int) error

	// MarkFilled finalizes the projection as FILLED.
	MarkFilled(ctx context.Context, token string, exitPrice decimal.Decimal, slippagePct *decimal.Decimal, exchangeRef string, at time.Time) error

	// MarkFailed finalizes the projection as FAILED (terminal).
	MarkFailed(ctx context.Context, token string, lastError string, at time.Time) error

	// ScheduleRetry records a transient failure: keeps status PENDING and
	// sets the next retry window.
	ScheduleRetry(ctx context.Context, token string, lastError string, nextRetryAt time.Time) error
}

// BreakerStore persists circuit breaker state per (client, symbol).
type BreakerStore interface {
	// Get returns the breaker row, or ErrNotFound when none exists yet.
	Get(ctx context.Context, clientID, symbol string) (BreakerStatus, error)

	// Upsert writes the row guarded by the Generation fencing counter:
	// the write succeeds only when the stored generation equals
	// status.Generation, and the stored generation is then incremented.
	// Returns ErrStaleState on a lost race. A row is created when
	// status.Generation is zero and none exists.
	Upsert(ctx context.Context, status BreakerStatus) error

	// List returns all breaker rows for the read model.
	List(ctx context.Context) ([]BreakerStatus, error)
}

// TenantConfigStore reads tenant risk configuration (owned externally).
type TenantConfigStore interface {
	// Get returns the tenant's configuration, or ErrNotFound.
	Get(ctx context.Context, clientID string) (TenantConfig, error)
}

// OutboxStore persists outbox rows. Inserts happen through
// EventStore.Append; this interface serves the publisher and read model.
type OutboxStore interface {
	// ListUnpublished returns unpublished rows ordered by CreatedAt.
	ListUnpublished(ctx context.Context, limit int) ([]OutboxMessage, error)

	// MarkPublished flags a row as delivered.
	MarkPublished(ctx context.Context, outboxID string, at time.Time) error

	// RecordFailure increments the retry counter and stores the error.
	RecordFailure(ctx context.Context, outboxID string, deliveryErr string) error

	// Stats summarizes publisher progress.
	Stats(ctx context.Context) (OutboxStats, error)

	// ListPublishedBefore returns published rows older than the cutoff.
	// Used by the archiver; rows are never deleted before being archived.
	ListPublishedBefore(ctx context.Context, before time.Time) ([]OutboxMessage, error)
}
