package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/store/memory"
)

// fakeFeed scripts PollLatest prices per symbol and streams a fixed tick
// sequence from Subscribe.
type fakeFeed struct {
	mu      sync.Mutex
	prices  map[string]string
	failing map[string]bool
	stream  []domain.Tick
}

func (f *fakeFeed) Subscribe(ctx context.Context, symbols []string) (<-chan domain.Tick, error) {
	out := make(chan domain.Tick)
	go func() {
		for _, tick := range f.stream {
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
		// Keep the stream open until the context ends so the feed does
		// not treat the end of the script as a disconnect.
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (f *fakeFeed) PollLatest(ctx context.Context, symbol string) (domain.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[symbol] {
		return domain.Tick{}, fmt.Errorf("poll %s: %w", symbol, domain.ErrTransient)
	}
	return domain.Tick{
		Symbol:     symbol,
		Price:      decimal.RequireFromString(f.prices[symbol]),
		OccurredAt: time.Now().UTC(),
	}, nil
}

// tickCollector is a thread-safe TickHandler.
type tickCollector struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (c *tickCollector) handle(ctx context.Context, tick domain.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = append(c.ticks, tick)
}

func (c *tickCollector) snapshot() []domain.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Tick(nil), c.ticks...)
}

func (c *tickCollector) waitFor(t *testing.T, n int) []domain.Tick {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ticks := c.snapshot(); len(ticks) >= n {
			return ticks
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d ticks, got %d", n, len(c.snapshot()))
	return nil
}

func seedPosition(t *testing.T, store *memory.PositionStore, id, symbol string, status domain.PositionStatus) {
	t.Helper()
	pos := domain.PositionStopState{
		PositionID:  id,
		ClientID:    "tenant-1",
		Symbol:      symbol,
		Side:        domain.SideLong,
		EntryPrice:  decimal.RequireFromString("50000"),
		InitialStop: decimal.RequireFromString("49000"),
		CurrentStop: decimal.RequireFromString("49000"),
		Quantity:    decimal.RequireFromString("0.5"),
		Status:      domain.PositionActive,
		OpenedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), pos))
	if status != domain.PositionActive {
		require.NoError(t, store.TransitionStatus(context.Background(), id, domain.PositionActive, status))
	}
}

func TestPollerSweepsActiveSymbols(t *testing.T) {
	store := memory.NewPositionStore()
	seedPosition(t, store, "pos-1", "BTCUSDT", domain.PositionActive)
	seedPosition(t, store, "pos-2", "ETHUSDT", domain.PositionActive)
	seedPosition(t, store, "pos-3", "XRPUSDT", domain.PositionClosing)

	src := &fakeFeed{
		prices:  map[string]string{"BTCUSDT": "51000", "ETHUSDT": "3000"},
		failing: map[string]bool{"ETHUSDT": true},
	}
	collector := &tickCollector{}

	poller := NewPoller(src, store, collector.handle, 5*time.Millisecond, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = poller.Run(ctx)
	}()

	ticks := collector.waitFor(t, 2)
	cancel()
	<-done

	for _, tick := range ticks {
		assert.Equal(t, "BTCUSDT", tick.Symbol, "failed and inactive symbols must be skipped")
		assert.Equal(t, domain.SourcePoll, tick.Source)
		assert.True(t, decimal.RequireFromString("51000").Equal(tick.Price))
	}
}

func TestStreamFeedDispatchesTicks(t *testing.T) {
	store := memory.NewPositionStore()
	seedPosition(t, store, "pos-1", "BTCUSDT", domain.PositionActive)

	ts := time.Now().UTC()
	src := &fakeFeed{
		stream: []domain.Tick{
			{Symbol: "BTCUSDT", Price: decimal.RequireFromString("50500"), OccurredAt: ts, Source: domain.SourceStream},
			{Symbol: "BTCUSDT", Price: decimal.RequireFromString("50600"), OccurredAt: ts.Add(time.Second), Source: domain.SourceStream},
		},
	}
	collector := &tickCollector{}

	stream := NewStreamFeed(src, store, collector.handle, nil, nil, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Run(ctx)
	}()

	ticks := collector.waitFor(t, 2)
	cancel()
	<-done

	assert.Equal(t, domain.SourceStream, ticks[0].Source)
	assert.True(t, decimal.RequireFromString("50500").Equal(ticks[0].Price))
	assert.True(t, decimal.RequireFromString("50600").Equal(ticks[1].Price))
}
