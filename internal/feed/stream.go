// Package feed contains the two trigger sources: the live stream runner and
// the safety-net poller. Both push ticks through the same handler; the
// evaluation service arbitrates duplicates downstream.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// TickHandler consumes one price tick.
type TickHandler func(ctx context.Context, tick domain.Tick)

// StreamFeed subscribes to the live price stream for every symbol with an
// active position and invokes the handler on each tick. It reconnects with
// backoff on disconnect and resubscribes when the active symbol set changes.
type StreamFeed struct {
	feed      domain.PriceFeed
	positions domain.PositionStore
	handler   TickHandler
	cache     domain.PriceCache // optional
	bus       domain.SignalBus  // optional
	logger    *slog.Logger

	reconnectDelay time.Duration
	refreshEvery   time.Duration
}

// NewStreamFeed creates a StreamFeed. cache and bus may be nil.
func NewStreamFeed(
	feed domain.PriceFeed,
	positions domain.PositionStore,
	handler TickHandler,
	cache domain.PriceCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *StreamFeed {
	return &StreamFeed{
		feed:           feed,
		positions:      positions,
		handler:        handler,
		cache:          cache,
		bus:            bus,
		logger:         logger.With(slog.String("component", "stream_feed")),
		reconnectDelay: 2 * time.Second,
		refreshEvery:   30 * time.Second,
	}
}

// Run connects and consumes ticks until ctx is cancelled. Every disconnect
// or symbol-set change tears the subscription down and builds a new one; the
// poller covers the gap in between.
func (f *StreamFeed) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		symbols, err := f.positions.ActiveSymbols(ctx)
		if err != nil {
			f.logger.Error("list active symbols", slog.String("error", err.Error()))
			if err := sleepCtx(ctx, f.reconnectDelay); err != nil {
				return err
			}
			continue
		}
		if len(symbols) == 0 {
			if err := sleepCtx(ctx, f.refreshEvery); err != nil {
				return err
			}
			continue
		}

		if err := f.consume(ctx, symbols); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("stream disconnected, reconnecting", slog.String("error", err.Error()))
			if err := sleepCtx(ctx, f.reconnectDelay); err != nil {
				return err
			}
		}
	}
}

// consume runs one subscription until it drops or the symbol set changes.
func (f *StreamFeed) consume(ctx context.Context, symbols []string) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticks, err := f.feed.Subscribe(subCtx, symbols)
	if err != nil {
		return err
	}
	f.logger.Info("stream subscribed", slog.Int("symbols", len(symbols)))

	refresh := time.NewTicker(f.refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			current, err := f.positions.ActiveSymbols(ctx)
			if err == nil && !sameSymbols(symbols, current) {
				f.logger.Info("active symbols changed, resubscribing")
				return nil
			}
		case tick, ok := <-ticks:
			if !ok {
				return domain.ErrWSDisconnect
			}
			f.dispatch(ctx, tick)
		}
	}
}

func (f *StreamFeed) dispatch(ctx context.Context, tick domain.Tick) {
	if f.cache != nil {
		if err := f.cache.SetPrice(ctx, tick.Symbol, tick.Price, tick.OccurredAt); err != nil {
			f.logger.Error("cache price", slog.String("symbol", tick.Symbol), slog.String("error", err.Error()))
		}
	}
	if f.bus != nil {
		if payload, err := json.Marshal(map[string]string{
			"symbol": tick.Symbol,
			"price":  tick.Price.String(),
			"ts":     tick.OccurredAt.Format(time.RFC3339Nano),
		}); err == nil {
			_ = f.bus.Publish(ctx, "ticks:"+tick.Symbol, payload)
		}
	}
	f.handler(ctx, tick)
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
