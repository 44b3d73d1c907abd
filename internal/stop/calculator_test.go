package stop

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdcosta/stopguard/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func longPosition(entry, initial, current string) domain.PositionStopState {
	return domain.PositionStopState{
		PositionID:  "pos-1",
		ClientID:    "tenant-1",
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		EntryPrice:  dec(entry),
		InitialStop: dec(initial),
		CurrentStop: dec(current),
		Quantity:    dec("0.5"),
		Status:      domain.PositionActive,
	}
}

func shortPosition(entry, initial, current string) domain.PositionStopState {
	p := longPosition(entry, initial, current)
	p.Side = domain.SideShort
	return p
}

func TestRecomputeLong(t *testing.T) {
	calc := NewCalculator(DefaultFeeConfig())

	tests := []struct {
		name     string
		pos      domain.PositionStopState
		price    string
		wantStop string
		reason   Reason
		spans    int64
	}{
		{
			name:     "below one span keeps initial stop",
			pos:      longPosition("50000", "49000", "49000"),
			price:    "50900",
			wantStop: "49000",
			reason:   ReasonNoAdjustment,
			spans:    0,
		},
		{
			name:     "one span moves to fee adjusted break even",
			pos:      longPosition("50000", "49000", "49000"),
			price:    "51000",
			wantStop: "50075",
			reason:   ReasonBreakEven,
			spans:    1,
		},
		{
			name:     "three spans trails two spans above entry",
			pos:      longPosition("50000", "49000", "49000"),
			price:    "53000",
			wantStop: "52000",
			reason:   ReasonTrailing,
			spans:    3,
		},
		{
			name:     "retrace never loosens the stop",
			pos:      longPosition("50000", "49000", "52000"),
			price:    "51500",
			wantStop: "52000",
			reason:   ReasonNoAdjustment,
			spans:    1,
		},
		{
			name:     "price at a loss keeps the stop",
			pos:      longPosition("50000", "49000", "49000"),
			price:    "48500",
			wantStop: "49000",
			reason:   ReasonNoAdjustment,
			spans:    0,
		},
		{
			name:     "exactly one span boundary counts",
			pos:      longPosition("50000", "49000", "49000"),
			price:    "51000.00000000",
			wantStop: "50075",
			reason:   ReasonBreakEven,
			spans:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj := calc.Recompute(tt.pos, dec(tt.price))
			assert.True(t, adj.NewStop.Equal(dec(tt.wantStop)),
				"stop = %s, want %s", adj.NewStop, tt.wantStop)
			assert.Equal(t, tt.reason, adj.Reason)
			assert.Equal(t, tt.spans, adj.SpansCrossed)
		})
	}
}

func TestRecomputeShort(t *testing.T) {
	calc := NewCalculator(DefaultFeeConfig())

	tests := []struct {
		name     string
		pos      domain.PositionStopState
		price    string
		wantStop string
		reason   Reason
	}{
		{
			name:     "one span moves to break even below entry",
			pos:      shortPosition("50000", "51000", "51000"),
			price:    "49000",
			wantStop: "49925",
			reason:   ReasonBreakEven,
		},
		{
			name:     "three spans trails two spans below entry",
			pos:      shortPosition("50000", "51000", "51000"),
			price:    "47000",
			wantStop: "48000",
			reason:   ReasonTrailing,
		},
		{
			name:     "bounce never loosens the stop",
			pos:      shortPosition("50000", "51000", "48000"),
			price:    "48500",
			wantStop: "48000",
			reason:   ReasonNoAdjustment,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj := calc.Recompute(tt.pos, dec(tt.price))
			assert.True(t, adj.NewStop.Equal(dec(tt.wantStop)),
				"stop = %s, want %s", adj.NewStop, tt.wantStop)
			assert.Equal(t, tt.reason, adj.Reason)
		})
	}
}

func TestRecomputeMonotonicUnderReplay(t *testing.T) {
	calc := NewCalculator(DefaultFeeConfig())
	pos := longPosition("50000", "49000", "49000")

	// Replaying the same sequence of prices in any interleaving never
	// produces a looser stop than the tightest seen so far.
	prices := []string{"51000", "53000", "51500", "54000", "50200"}
	prev := pos.CurrentStop
	for _, p := range prices {
		adj := calc.Recompute(pos, dec(p))
		require.True(t, adj.NewStop.GreaterThanOrEqual(prev),
			"stop loosened from %s to %s at price %s", prev, adj.NewStop, p)
		pos.CurrentStop = adj.NewStop
		prev = adj.NewStop
	}
	assert.True(t, pos.CurrentStop.Equal(dec("53000")), "final stop %s", pos.CurrentStop)
}

func TestBreakEvenCoversCosts(t *testing.T) {
	fees := DefaultFeeConfig()
	be := fees.BreakEven(dec("50000"), domain.SideLong)
	assert.True(t, be.Equal(dec("50075")), "break even %s", be)

	be = fees.BreakEven(dec("50000"), domain.SideShort)
	assert.True(t, be.Equal(dec("49925")), "break even %s", be)
}

func TestExecutionTokenDeterministic(t *testing.T) {
	a := ExecutionToken("pos-1")
	b := ExecutionToken("pos-1")
	c := ExecutionToken("pos-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
