package breaker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.BreakerStore, *fakeClock) {
	t.Helper()
	store := memory.NewBreakerStore()
	tenants := memory.NewTenantConfigStore()
	tenants.Put(domain.TenantConfig{
		ClientID:               "tenant-1",
		TradingEnabled:         true,
		MaxConsecutiveFailures: 3,
		CooldownSeconds:        300,
		MaxExecutionsPerMinute: 10,
	})
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(store, tenants, slog.New(slog.DiscardHandler)).WithClock(clock.Now)
	return svc, store, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		opened, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
		require.NoError(t, err)
		assert.False(t, opened)
		require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
	}

	opened, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, opened)

	err = svc.Allow(ctx, "tenant-1", "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	status, err := store.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, status.State)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, 5*time.Minute, status.Cooldown)
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
		require.NoError(t, err)
	}
	require.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)

	clock.Advance(5*time.Minute + time.Second)

	// Past the cooldown the next attempt is the half-open trial.
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
	status, err := store.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerHalfOpen, status.State)

	require.NoError(t, svc.RecordSuccess(ctx, "tenant-1", "BTCUSDT"))
	status, err = store.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, status.State)
	assert.Zero(t, status.ConsecutiveFailures)
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
}

func TestFailedTrialDoublesCooldown(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
		require.NoError(t, err)
	}
	clock.Advance(5*time.Minute + time.Second)
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))

	opened, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, opened)

	status, err := store.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, status.State)
	assert.Equal(t, 10*time.Minute, status.Cooldown)

	// Still open inside the doubled cooldown.
	clock.Advance(6 * time.Minute)
	assert.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)

	clock.Advance(5 * time.Minute)
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
		require.NoError(t, err)
	}
	clock.Advance(5*time.Minute + time.Second)

	// First caller after the cooldown claims the trial; concurrent due
	// retries on the same pair stay blocked until its outcome lands.
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
	assert.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)
	assert.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)

	status, err := store.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerHalfOpen, status.State)

	require.NoError(t, svc.RecordSuccess(ctx, "tenant-1", "BTCUSDT"))
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
}

func TestStalledTrialIsReclaimedAfterDeadline(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
		require.NoError(t, err)
	}
	clock.Advance(5*time.Minute + time.Second)
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))

	// The claimer records no outcome (crashed mid-attempt). Inside the
	// trial window the pair stays blocked; past it a replacement trial is
	// admitted, again exactly one.
	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)

	clock.Advance(trialTimeout)
	require.NoError(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"))
	assert.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)
}

func TestCooldownGrowthIsCapped(t *testing.T) {
	assert.Equal(t, 5*time.Minute, nextCooldown(0, 5*time.Minute))
	assert.Equal(t, 10*time.Minute, nextCooldown(5*time.Minute, 5*time.Minute))
	assert.Equal(t, time.Hour, nextCooldown(40*time.Minute, 5*time.Minute))
	assert.Equal(t, time.Hour, nextCooldown(time.Hour, 5*time.Minute))
}

func TestUnknownPairIsAllowed(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.Allow(context.Background(), "tenant-1", "ETHUSDT"))
}

func TestBreakersAreIndependentPerSymbol(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, "tenant-1", "BTCUSDT")
		require.NoError(t, err)
	}

	assert.ErrorIs(t, svc.Allow(ctx, "tenant-1", "BTCUSDT"), domain.ErrCircuitOpen)
	assert.NoError(t, svc.Allow(ctx, "tenant-1", "ETHUSDT"))
	assert.NoError(t, svc.Allow(ctx, "tenant-2", "BTCUSDT"))
}
