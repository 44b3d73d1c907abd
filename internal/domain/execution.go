package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the state of the materialized execution projection.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionFilled  ExecutionStatus = "FILLED"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// StopExecution is the materialized view of the latest execution state for
// one position. It is derived from the event log: the row is created on the
// first TRIGGERED event and updated in place as execution progresses. It is
// never re-created; ExecutionToken is unique across all executions.
type StopExecution struct {
	ExecutionID    string
	ExecutionToken string
	PositionID     string
	ClientID       string
	Symbol         string
	Status         ExecutionStatus
	Source         TriggerSource
	TriggerPrice   decimal.Decimal
	StopPrice      decimal.Decimal
	Quantity       decimal.Decimal
	ExitPrice      *decimal.Decimal
	SlippagePct    *decimal.Decimal
	ExchangeRef    string
	RetryCount     int
	NextRetryAt    *time.Time
	LastError      string
	TriggeredAt    time.Time
	ExecutedAt     *time.Time
	FailedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the execution reached a final state.
func (e StopExecution) Terminal() bool {
	return e.Status == ExecutionFilled || e.Status == ExecutionFailed
}

// RetryDue reports whether a pending execution is eligible for another
// attempt at the given instant. A pending execution with a future
// NextRetryAt is in its backoff window and must not re-trigger.
func (e StopExecution) RetryDue(now time.Time) bool {
	if e.Status != ExecutionPending {
		return false
	}
	if e.NextRetryAt == nil {
		return true
	}
	return !now.Before(*e.NextRetryAt)
}

// Slippage computes the signed fill slippage relative to the stop price, in
// percent. A nil result means the stop price was zero.
func Slippage(stopPrice, fillPrice decimal.Decimal) *decimal.Decimal {
	if stopPrice.IsZero() {
		return nil
	}
	pct := fillPrice.Sub(stopPrice).Div(stopPrice).Mul(decimal.NewFromInt(100)).Round(4)
	return &pct
}
