package service

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

type positionFixture struct {
	svc       *PositionService
	positions *memory.PositionStore
	events    *memory.EventStore
	outbox    *memory.OutboxStore
	tenants   *memory.TenantConfigStore
}

func newPositionFixture(t *testing.T) *positionFixture {
	t.Helper()
	outbox := memory.NewOutboxStore()
	f := &positionFixture{
		positions: memory.NewPositionStore(),
		events:    memory.NewEventStore(outbox),
		outbox:    outbox,
		tenants:   memory.NewTenantConfigStore(),
	}
	f.tenants.Put(domain.TenantConfig{
		ClientID:               "tenant-1",
		TradingEnabled:         true,
		MaxConsecutiveFailures: 3,
		CooldownSeconds:        300,
		MaxExecutionsPerMinute: 10,
	})
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.svc = NewPositionService(
		f.positions, f.events, memory.NewExecutionStore(), f.tenants,
		slog.New(slog.DiscardHandler),
	).WithClock(func() time.Time { return clock })
	return f
}

func validOpen() OpenRequest {
	return OpenRequest{
		PositionID:  "pos-1",
		ClientID:    "tenant-1",
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		EntryPrice:  dec("50000"),
		InitialStop: dec("49000"),
		Quantity:    dec("0.5"),
	}
}

func TestOpenAdmitsPosition(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()

	pos, err := f.svc.Open(ctx, validOpen())
	require.NoError(t, err)
	assert.Equal(t, "pos-1", pos.PositionID)
	assert.Equal(t, domain.PositionActive, pos.Status)
	assert.True(t, pos.CurrentStop.Equal(dec("49000")))

	stored, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, stored.Status)
}

func TestOpenGeneratesIDWhenMissing(t *testing.T) {
	f := newPositionFixture(t)

	req := validOpen()
	req.PositionID = ""
	pos, err := f.svc.Open(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, pos.PositionID)
}

func TestOpenValidatesRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OpenRequest)
	}{
		{"missing client", func(r *OpenRequest) { r.ClientID = "" }},
		{"missing symbol", func(r *OpenRequest) { r.Symbol = "" }},
		{"bad side", func(r *OpenRequest) { r.Side = "SIDEWAYS" }},
		{"zero entry", func(r *OpenRequest) { r.EntryPrice = dec("0") }},
		{"zero quantity", func(r *OpenRequest) { r.Quantity = dec("0") }},
		{"stop equals entry", func(r *OpenRequest) { r.InitialStop = r.EntryPrice }},
		{"long stop above entry", func(r *OpenRequest) { r.InitialStop = dec("51000") }},
		{"short stop below entry", func(r *OpenRequest) {
			r.Side = domain.SideShort
			r.InitialStop = dec("49000")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPositionFixture(t)
			req := validOpen()
			tt.mutate(&req)
			_, err := f.svc.Open(context.Background(), req)
			assert.Error(t, err)
		})
	}
}

func TestKillSwitchBlocksOnlyNewPositions(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()

	existing, err := f.svc.Open(ctx, validOpen())
	require.NoError(t, err)

	f.tenants.Put(domain.TenantConfig{
		ClientID:               "tenant-1",
		TradingEnabled:         false,
		MaxConsecutiveFailures: 3,
		CooldownSeconds:        300,
		MaxExecutionsPerMinute: 10,
	})

	req := validOpen()
	req.PositionID = "pos-2"
	_, err = f.svc.Open(ctx, req)
	assert.ErrorIs(t, err, domain.ErrTradingDisabled)

	// The already-admitted position keeps its protection.
	pos, err := f.positions.GetByID(ctx, existing.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionActive, pos.Status)
}

func TestOpenAllowsUnknownTenant(t *testing.T) {
	f := newPositionFixture(t)

	req := validOpen()
	req.ClientID = "tenant-new"
	_, err := f.svc.Open(context.Background(), req)
	assert.NoError(t, err)
}

func TestInvalidateEmitsTerminalEventAndOutboxRow(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, validOpen())
	require.NoError(t, err)

	require.NoError(t, f.svc.Invalidate(ctx, "pos-1", "closed externally"))

	pos, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)
	require.NotNil(t, pos.ClosedAt)

	last, err := f.events.LastByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventInvalidated, last.Type)
	assert.Equal(t, domain.SourceManual, last.Source)
	assert.True(t, last.Terminal)
	assert.Equal(t, "closed externally", last.Payload["reason"])

	pending, err := f.outbox.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stop.invalidated", pending[0].RoutingKey)
}

func TestInvalidateLosesToTrigger(t *testing.T) {
	f := newPositionFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, validOpen())
	require.NoError(t, err)

	// A trigger path already took the position out of ACTIVE.
	require.NoError(t, f.positions.TransitionStatus(ctx, "pos-1", domain.PositionActive, domain.PositionClosing))

	err = f.svc.Invalidate(ctx, "pos-1", "manual")
	assert.ErrorIs(t, err, domain.ErrConflict)

	// No INVALIDATED event and no outbox row for the lost race.
	events, err := f.events.ListByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	pending, err := f.outbox.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInvalidateUnknownPosition(t *testing.T) {
	f := newPositionFixture(t)
	err := f.svc.Invalidate(context.Background(), "missing", "manual")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
