package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed is the market-data port. Implementations must supply the tick's
// own exchange timestamp on every price.
type PriceFeed interface {
	// Subscribe opens a live price stream for the given symbols. The
	// returned channel is closed when the context is cancelled or the
	// stream terminates.
	Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error)

	// PollLatest fetches the latest price for one symbol.
	PollLatest(ctx context.Context, symbol string) (Tick, error)
}

// CloseRequest asks the exchange to flatten a position with a market order.
// IdempotencyKey is forwarded as the exchange client-order id so that a
// timeout followed by a retry cannot double-close the position.
type CloseRequest struct {
	PositionID     string
	Symbol         string
	Side           Side
	Quantity       decimal.Decimal
	IdempotencyKey string
}

// Fill is a confirmed closing execution.
type Fill struct {
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	ExchangeRef string
	FilledAt    time.Time
}

// ExecutionAdapter is the exchange-execution port. Errors must wrap either
// ErrTransient (retry is safe) or ErrTerminal (never retry).
type ExecutionAdapter interface {
	ClosePosition(ctx context.Context, req CloseRequest) (Fill, error)
}

// Sink delivers outbox payloads downstream. Delivery is at-least-once;
// consumers dedupe on eventID.
type Sink interface {
	Deliver(ctx context.Context, eventID string, payload []byte) error
}

// PriceCache stores the latest observed price per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// SignalBus fans ticks and engine signals out to interested subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter bounds tenant execution rates.
type RateLimiter interface {
	// Allow reports whether one more request fits in the sliding window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
