package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// Poller is the second trigger source: a periodic REST sweep over every
// symbol with an active position. It guarantees that a stop is eventually
// evaluated even when the stream is down or silently stale.
type Poller struct {
	feed      domain.PriceFeed
	positions domain.PositionStore
	handler   TickHandler
	logger    *slog.Logger
	interval  time.Duration
}

// NewPoller creates a Poller sweeping at the given interval.
func NewPoller(
	feed domain.PriceFeed,
	positions domain.PositionStore,
	handler TickHandler,
	interval time.Duration,
	logger *slog.Logger,
) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		feed:      feed,
		positions: positions,
		handler:   handler,
		logger:    logger.With(slog.String("component", "poller")),
		interval:  interval,
	}
}

// Run sweeps until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep polls every active symbol once. Poll failures are logged and skipped;
// the next sweep retries them.
func (p *Poller) sweep(ctx context.Context) {
	symbols, err := p.positions.ActiveSymbols(ctx)
	if err != nil {
		p.logger.Error("list active symbols", slog.String("error", err.Error()))
		return
	}

	for _, symbol := range symbols {
		tick, err := p.feed.PollLatest(ctx, symbol)
		if err != nil {
			p.logger.Warn("poll failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
			continue
		}
		tick.Source = domain.SourcePoll
		p.handler(ctx, tick)
	}
}
