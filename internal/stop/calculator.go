// Package stop implements the hand-span trailing stop algorithm.
//
// The calculator is pure: it computes a candidate stop from a position's
// state and an observed price, and never performs I/O. Callers persist the
// result through the position store's compare-and-set.
package stop

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// priceScale is the fixed-point precision for all stop arithmetic.
const priceScale = 8

// Reason explains why (or why not) a recomputation moved the stop.
type Reason string

const (
	ReasonNoAdjustment Reason = "NO_ADJUSTMENT"
	ReasonBreakEven    Reason = "BREAK_EVEN"
	ReasonTrailing     Reason = "TRAILING"
)

// FeeConfig captures the cost of a round trip, used to place the break-even
// stop slightly past the entry price so a break-even exit nets out to
// approximately zero after fees and slippage.
type FeeConfig struct {
	TradingFeePct     decimal.Decimal
	SlippageBufferPct decimal.Decimal
}

// DefaultFeeConfig is 0.10% trading fee plus a 0.05% slippage buffer.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		TradingFeePct:     decimal.RequireFromString("0.1"),
		SlippageBufferPct: decimal.RequireFromString("0.05"),
	}
}

// TotalCostPct is the combined round-trip cost in percent.
func (f FeeConfig) TotalCostPct() decimal.Decimal {
	return f.TradingFeePct.Add(f.SlippageBufferPct)
}

// BreakEven returns the fee-adjusted break-even price for a side:
// entry * (1 + cost%) for LONG, entry * (1 - cost%) for SHORT.
func (f FeeConfig) BreakEven(entry decimal.Decimal, side domain.Side) decimal.Decimal {
	cost := f.TotalCostPct().Div(decimal.NewFromInt(100))
	if side == domain.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Add(cost)).Round(priceScale)
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(cost)).Round(priceScale)
}

// Adjustment is the outcome of one recomputation.
type Adjustment struct {
	OldStop      decimal.Decimal
	NewStop      decimal.Decimal
	Reason       Reason
	SpansCrossed int64
}

// Moved reports whether the stop actually tightened.
func (a Adjustment) Moved() bool {
	return !a.NewStop.Equal(a.OldStop)
}

// Calculator computes hand-span trailing stop adjustments.
//
// The algorithm, per complete span of profit:
//   - 0 spans: stop stays where it is.
//   - 1 span: stop moves to fee-adjusted break-even.
//   - n >= 2 spans: stop trails at entry +/- (n-1) spans.
//
// The candidate is then clamped so the stop never loosens: max(current,
// candidate) for LONG, min for SHORT. Retrying a recomputation therefore
// never produces a worse stop.
type Calculator struct {
	fees FeeConfig
}

// NewCalculator creates a Calculator with the given fee configuration.
func NewCalculator(fees FeeConfig) *Calculator {
	return &Calculator{fees: fees}
}

// Recompute returns the stop adjustment for the given position and price.
func (c *Calculator) Recompute(pos domain.PositionStopState, price decimal.Decimal) Adjustment {
	spans := pos.SpansInProfit(price)

	var candidate decimal.Decimal
	var reason Reason
	switch {
	case spans == 0:
		candidate = pos.CurrentStop
		reason = ReasonNoAdjustment
	case spans == 1:
		candidate = c.fees.BreakEven(pos.EntryPrice, pos.Side)
		reason = ReasonBreakEven
	default:
		distance := pos.Span().Mul(decimal.NewFromInt(spans - 1))
		if pos.Side == domain.SideLong {
			candidate = pos.EntryPrice.Add(distance)
		} else {
			candidate = pos.EntryPrice.Sub(distance)
		}
		candidate = candidate.Round(priceScale)
		reason = ReasonTrailing
	}

	clamped := clampMonotonic(pos.Side, pos.CurrentStop, candidate)
	if clamped.Equal(pos.CurrentStop) && reason != ReasonNoAdjustment {
		// Price retraced after the stop advanced; the clamp kept the
		// tighter stop.
		reason = ReasonNoAdjustment
	}

	return Adjustment{
		OldStop:      pos.CurrentStop,
		NewStop:      clamped,
		Reason:       reason,
		SpansCrossed: spans,
	}
}

// clampMonotonic enforces that the stop only tightens.
func clampMonotonic(side domain.Side, current, candidate decimal.Decimal) decimal.Decimal {
	if side == domain.SideLong {
		if candidate.GreaterThan(current) {
			return candidate
		}
		return current
	}
	if candidate.LessThan(current) {
		return candidate
	}
	return current
}

// ExecutionToken derives the deterministic, position-scoped idempotency key.
// It doubles as the event-log uniqueness constraint and the exchange
// client-order id: one position can be stopped out at most once in its
// lifetime, so the token depends on the position id alone.
func ExecutionToken(positionID string) string {
	sum := sha256.Sum256([]byte("stop-exec:" + positionID))
	return hex.EncodeToString(sum[:])
}
