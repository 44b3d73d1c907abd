package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the stop-event kinds recorded in the append-only log.
type EventType string

const (
	EventTriggered   EventType = "TRIGGERED"
	EventExecuting   EventType = "EXECUTING"
	EventExecuted    EventType = "EXECUTED"
	EventFailed      EventType = "FAILED"
	EventInvalidated EventType = "INVALIDATED"
)

// TriggerSource identifies which trigger path produced a tick or event.
type TriggerSource string

const (
	SourceStream TriggerSource = "STREAM"
	SourcePoll   TriggerSource = "POLL"
	SourceManual TriggerSource = "MANUAL"
)

// StopEvent is one immutable row of the stop event log. Events are never
// updated or deleted.
//
// EventSeq is a store-assigned total-order token. Replay and audit logic must
// sort by EventSeq, never by OccurredAt: OccurredAt carries the tick's own
// timestamp, and ticks from the stream and the poller can arrive out of
// order relative to each other.
//
// ExecutionToken is set only on TRIGGERED events, where its table-level
// uniqueness arbitrates between concurrent trigger sources. Subsequent events
// for the same execution reference the token in their payload.
type StopEvent struct {
	EventID        string
	EventSeq       int64
	PositionID     string
	ClientID       string
	Symbol         string
	Type           EventType
	Source         TriggerSource
	OccurredAt     time.Time
	ExecutionToken string
	TriggerPrice   decimal.Decimal
	StopPrice      decimal.Decimal
	Terminal       bool
	Payload        map[string]any
}
