package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observed price for a symbol. OccurredAt is the tick's own
// exchange timestamp; the engine never substitutes wall-clock-of-receipt,
// because event ordering across the stream and the poller depends on it
// being the market's time, not ours.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	OccurredAt time.Time
	Source     TriggerSource
}
