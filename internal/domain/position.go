// Package domain defines the core entities, store contracts, and external
// ports of the stop engine. It contains no I/O: stores and adapters implement
// these contracts in internal/store, internal/cache, and internal/platform.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionStatus tracks the lifecycle of a monitored position.
//
// ACTIVE positions are evaluated on every tick. CLOSING means a trigger has
// won the execution race and the closing order is in flight (or has failed
// terminally and awaits operator review). CLOSED is terminal.
type PositionStatus string

const (
	PositionActive  PositionStatus = "ACTIVE"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// PositionStopState is the durable stop configuration of one open position.
//
// Invariant: for LONG positions CurrentStop is non-decreasing over time, for
// SHORT non-increasing. The stop is only ever mutated through the store's
// CompareAndSetStop so concurrent recomputations cannot overwrite a tighter
// stop with a stale one.
type PositionStopState struct {
	PositionID  string
	ClientID    string
	Symbol      string
	Side        Side
	EntryPrice  decimal.Decimal
	InitialStop decimal.Decimal
	CurrentStop decimal.Decimal
	Quantity    decimal.Decimal
	Status      PositionStatus
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// Span is the hand-span distance: the absolute price distance between entry
// and the initial technical stop. It is the unit of trailing advancement and
// the initial risk taken on the position.
func (p PositionStopState) Span() decimal.Decimal {
	return p.EntryPrice.Sub(p.InitialStop).Abs()
}

// ProfitDistance returns how far price has moved in the profitable direction.
// Negative values mean the position is under water.
func (p PositionStopState) ProfitDistance(price decimal.Decimal) decimal.Decimal {
	if p.Side == SideLong {
		return price.Sub(p.EntryPrice)
	}
	return p.EntryPrice.Sub(price)
}

// SpansInProfit returns the number of complete spans the position has moved
// in profit, or zero when flat or losing.
func (p PositionStopState) SpansInProfit(price decimal.Decimal) int64 {
	span := p.Span()
	if span.IsZero() {
		return 0
	}
	profit := p.ProfitDistance(price)
	if profit.Sign() <= 0 {
		return 0
	}
	return profit.Div(span).IntPart()
}

// StopBreached reports whether the given price crosses the current stop
// against the position side. Bid-side ticks close longs, ask-side close
// shorts; the feed is responsible for supplying the right quote.
func (p PositionStopState) StopBreached(price decimal.Decimal) bool {
	if p.Side == SideLong {
		return price.LessThanOrEqual(p.CurrentStop)
	}
	return price.GreaterThanOrEqual(p.CurrentStop)
}

// CloseSide returns the order side needed to flatten the position.
func (p PositionStopState) CloseSide() string {
	if p.Side == SideLong {
		return "SELL"
	}
	return "BUY"
}
