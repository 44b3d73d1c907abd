package service

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

	"github.com/avdcosta/stopguard/internal/breaker"
	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/stop"
	"github.com/avdcosta/stopguard/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeAdapter scripts exchange responses. With no scripted responses every
// call fills at the requested stop price.
type fakeAdapter struct {
	mu        sync.Mutex
	calls     int
	keys      []string
	responses []func(domain.CloseRequest) (domain.Fill, error)
	fillAt    decimal.Decimal
}

func (a *fakeAdapter) ClosePosition(ctx context.Context, req domain.CloseRequest) (domain.Fill, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.keys = append(a.keys, req.IdempotencyKey)

	if len(a.responses) > 0 {
		next := a.responses[0]
		a.responses = a.responses[1:]
		return next(req)
	}
	return domain.Fill{
		ExitPrice:   a.fillAt,
		Quantity:    req.Quantity,
		ExchangeRef: fmt.Sprintf("ord-%d", a.calls),
		FilledAt:    time.Now().UTC(),
	}, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) idempotencyKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

func (a *fakeAdapter) failTransient(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.responses = append(a.responses, func(domain.CloseRequest) (domain.Fill, error) {
			return domain.Fill{}, fmt.Errorf("exchange 503: %w", domain.ErrTransient)
		})
	}
}

func (a *fakeAdapter) failTerminal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, func(domain.CloseRequest) (domain.Fill, error) {
		return domain.Fill{}, fmt.Errorf("position already closed: %w", domain.ErrTerminal)
	})
}

// flakyEventStore passes through to the memory store but fails scripted
// appends by event type, simulating the process dying between the exchange
// call and the log write.
type flakyEventStore struct {
	*memory.EventStore
	mu       sync.Mutex
	failures map[domain.EventType]int
}

func (s *flakyEventStore) failNext(t domain.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[domain.EventType]int)
	}
	s.failures[t]++
}

func (s *flakyEventStore) Append(ctx context.Context, ev domain.StopEvent, outbox *domain.OutboxMessage) (domain.StopEvent, error) {
	s.mu.Lock()
	if s.failures[ev.Type] > 0 {
		s.failures[ev.Type]--
		s.mu.Unlock()
		return domain.StopEvent{}, fmt.Errorf("event store unavailable")
	}
	s.mu.Unlock()
	return s.EventStore.Append(ctx, ev, outbox)
}

type engine struct {
	svc       *EvaluationService
	positions *memory.PositionStore
	events    *flakyEventStore
	execs     *memory.ExecutionStore
	outbox    *memory.OutboxStore
	breakers  *memory.BreakerStore
	adapter   *fakeAdapter
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	outbox := memory.NewOutboxStore()
	e := &engine{
		positions: memory.NewPositionStore(),
		events:    &flakyEventStore{EventStore: memory.NewEventStore(outbox)},
		execs:     memory.NewExecutionStore(),
		outbox:    outbox,
		breakers:  memory.NewBreakerStore(),
		adapter:   &fakeAdapter{fillAt: dec("51990")},
		clock:     &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	logger := slog.New(slog.DiscardHandler)
	tenants := memory.NewTenantConfigStore()
	tenants.Put(domain.TenantConfig{
		ClientID:               "tenant-1",
		TradingEnabled:         true,
		MaxConsecutiveFailures: 3,
		CooldownSeconds:        300,
		MaxExecutionsPerMinute: 100,
	})

	brk := breaker.New(e.breakers, tenants, logger).WithClock(e.clock.Now)
	e.svc = NewEvaluationService(EvaluationConfig{
		Positions: e.positions,
		Events:    e.events,
		Execs:     e.execs,
		Tenants:   tenants,
		Breaker:   brk,
		Adapter:   e.adapter,
		Calc:      stop.NewCalculator(stop.DefaultFeeConfig()),
		Logger:    logger,
	}).WithClock(e.clock.Now)
	return e
}

func (e *engine) openPosition(t *testing.T, id string) domain.PositionStopState {
	t.Helper()
	pos := domain.PositionStopState{
		PositionID:  id,
		ClientID:    "tenant-1",
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		EntryPrice:  dec("50000"),
		InitialStop: dec("49000"),
		CurrentStop: dec("49000"),
		Quantity:    dec("0.5"),
		Status:      domain.PositionActive,
		OpenedAt:    e.clock.Now(),
	}
	require.NoError(t, e.positions.Create(context.Background(), pos))
	return pos
}

func tick(price string, source domain.TriggerSource) domain.Tick {
	return domain.Tick{
		Symbol:     "BTCUSDT",
		Price:      dec(price),
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:     source,
	}
}

func TestTickAdvancesStopWithoutTrigger(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")

	require.NoError(t, e.svc.HandleTick(ctx, tick("53000", domain.SourceStream)))

	pos, err := e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.True(t, pos.CurrentStop.Equal(dec("52000")), "stop %s", pos.CurrentStop)
	assert.Equal(t, domain.PositionActive, pos.Status)
	assert.Zero(t, e.adapter.callCount())
}

func TestBreachTriggersExecution(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")

	require.NoError(t, e.svc.HandleTick(ctx, tick("53000", domain.SourceStream)))
	require.NoError(t, e.svc.HandleTick(ctx, tick("51900", domain.SourceStream)))

	assert.Equal(t, 1, e.adapter.callCount())

	pos, err := e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)

	exec, err := e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFilled, exec.Status)
	require.NotNil(t, exec.ExitPrice)
	assert.True(t, exec.ExitPrice.Equal(dec("51990")))
	require.NotNil(t, exec.SlippagePct)
	assert.Equal(t, stop.ExecutionToken("pos-1"), exec.ExecutionToken)

	events, err := e.events.ListByPosition(ctx, "pos-1")
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Equal(t, []domain.EventType{
		domain.EventTriggered, domain.EventExecuting, domain.EventExecuted,
	}, types)

	// EXECUTED lands in the outbox atomically with the event.
	pending, err := e.outbox.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stop.executed", pending[0].RoutingKey)
}

func TestConcurrentSourcesExecuteOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("pos-%d", round)
		e.openPosition(t, id)

		streamTick := tick("48900", domain.SourceStream)
		pollTick := tick("48895", domain.SourcePoll)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = e.svc.HandleTick(ctx, streamTick)
		}()
		go func() {
			defer wg.Done()
			_ = e.svc.HandleTick(ctx, pollTick)
		}()
		wg.Wait()

		events, err := e.events.ListByPosition(ctx, id)
		require.NoError(t, err)
		triggered := 0
		for _, ev := range events {
			if ev.Type == domain.EventTriggered {
				triggered++
			}
		}
		assert.Equal(t, 1, triggered, "position %s", id)

		pos, err := e.positions.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionClosed, pos.Status)
	}

	// One adapter call per position, regardless of the race outcomes.
	assert.Equal(t, 20, e.adapter.callCount())
}

func TestDuplicateTickAfterExecutionIsNoOp(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")

	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))
	require.Equal(t, 1, e.adapter.callCount())

	// The same breach observed again by the poller changes nothing: the
	// position left ACTIVE and is not evaluated.
	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourcePoll)))
	assert.Equal(t, 1, e.adapter.callCount())
}

func TestTransientFailureRetriesAndFills(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")
	e.adapter.failTransient(1)

	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))

	exec, err := e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPending, exec.Status)
	assert.Equal(t, 0, exec.RetryCount)
	require.NotNil(t, exec.NextRetryAt)

	pos, err := e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, pos.Status)

	// Before the backoff elapses the sweep does nothing.
	require.NoError(t, e.svc.SweepRetries(ctx))
	assert.Equal(t, 1, e.adapter.callCount())

	e.clock.Advance(6 * time.Second)
	require.NoError(t, e.svc.SweepRetries(ctx))
	assert.Equal(t, 2, e.adapter.callCount())

	exec, err = e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFilled, exec.Status)
	assert.Equal(t, 1, exec.RetryCount)

	pos, err = e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)
}

func TestTerminalFailureParksExecution(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")
	e.adapter.failTerminal()

	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))

	exec, err := e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.LastError, "already closed")

	// The position stays CLOSING for operator review, out of monitoring.
	pos, err := e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, pos.Status)

	require.NoError(t, e.svc.HandleTick(ctx, tick("48800", domain.SourcePoll)))
	assert.Equal(t, 1, e.adapter.callCount())

	pending, err := e.outbox.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stop.failed", pending[0].RoutingKey)
}

func TestRetriesExhaustedBecomeTerminal(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")
	e.adapter.failTransient(10)

	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))

	for i := 0; i < 10; i++ {
		e.clock.Advance(time.Hour)
		require.NoError(t, e.svc.SweepRetries(ctx))
	}

	exec, err := e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.LastError, "retries exhausted")
	// Initial attempt plus retries, bounded by the attempt budget.
	assert.LessOrEqual(t, e.adapter.callCount(), 5)
}

func TestBreakerBlocksAfterConsecutiveFailures(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// Three positions fail terminally back to back.
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("pos-%d", i)
		e.openPosition(t, id)
		e.adapter.failTerminal()
		require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))
	}

	status, err := e.breakers.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, status.State)

	// A fourth breach is admitted into the log but not executed: the
	// denial is recorded as a retryable failure for after the cooldown.
	e.openPosition(t, "pos-4")
	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))
	assert.Equal(t, 3, e.adapter.callCount())

	exec, err := e.execs.GetByPosition(ctx, "pos-4")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPending, exec.Status)
	require.NotNil(t, exec.NextRetryAt)

	// After the cooldown the half-open trial succeeds and closes the
	// breaker.
	e.clock.Advance(6 * time.Minute)
	require.NoError(t, e.svc.SweepRetries(ctx))
	assert.Equal(t, 4, e.adapter.callCount())

	exec, err = e.execs.GetByPosition(ctx, "pos-4")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFilled, exec.Status)

	status, err = e.breakers.Get(ctx, "tenant-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, status.State)
}

func TestReplayMatchesProjection(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.openPosition(t, "pos-1")
	e.adapter.failTransient(1)
	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))
	e.clock.Advance(6 * time.Second)
	require.NoError(t, e.svc.SweepRetries(ctx))

	e.openPosition(t, "pos-2")
	e.adapter.failTerminal()
	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourcePoll)))

	replay := NewReplayService(e.events, e.execs, slog.New(slog.DiscardHandler))
	diverged, err := replay.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, diverged)

	events, err := e.events.ListAll(ctx)
	require.NoError(t, err)
	derived := Project(events)
	require.Len(t, derived, 2)
	assert.Equal(t, domain.ExecutionFilled, derived[stop.ExecutionToken("pos-1")].Status)
	assert.Equal(t, domain.ExecutionFailed, derived[stop.ExecutionToken("pos-2")].Status)
}

func TestFailedTerminalAppendLeavesFillOffTheRecordUntilRetried(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.openPosition(t, "pos-1")

	// The exchange fills but the EXECUTED append dies. The projection and
	// position must not be finalized off the log: no FILLED row, no
	// outbox entry, and the execution stays inside the retry schedule.
	e.events.failNext(domain.EventExecuted)
	require.NoError(t, e.svc.HandleTick(ctx, tick("48900", domain.SourceStream)))
	assert.Equal(t, 1, e.adapter.callCount())

	exec, err := e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPending, exec.Status)
	require.NotNil(t, exec.NextRetryAt)

	pos, err := e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, pos.Status)

	pending, err := e.outbox.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The sweep re-drives the attempt; the idempotent close re-lands the
	// same fill and this time the append, outbox row, and projection all
	// go through.
	e.clock.Advance(6 * time.Second)
	require.NoError(t, e.svc.SweepRetries(ctx))
	assert.Equal(t, 2, e.adapter.callCount())

	keys := e.adapter.idempotencyKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])

	exec, err = e.execs.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFilled, exec.Status)

	pos, err = e.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, pos.Status)

	pending, err = e.outbox.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stop.executed", pending[0].RoutingKey)
}

func TestRepairFinishesProjectionBehindTerminalLog(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	token := stop.ExecutionToken("pos-9")
	now := e.clock.Now()

	// Snapshot of a crash between the EXECUTED append and the projection
	// update: the log is terminal, the row still PENDING.
	require.NoError(t, e.execs.Create(ctx, domain.StopExecution{
		ExecutionID:    "exec-9",
		ExecutionToken: token,
		PositionID:     "pos-9",
		ClientID:       "tenant-1",
		Symbol:         "BTCUSDT",
		Status:         domain.ExecutionPending,
		Source:         domain.SourceStream,
		TriggerPrice:   dec("48900"),
		StopPrice:      dec("49000"),
		Quantity:       dec("0.5"),
		TriggeredAt:    now,
	}))
	_, err := e.events.Append(ctx, domain.StopEvent{
		EventID:        "ev-1",
		PositionID:     "pos-9",
		ClientID:       "tenant-1",
		Symbol:         "BTCUSDT",
		Type:           domain.EventTriggered,
		Source:         domain.SourceStream,
		OccurredAt:     now,
		ExecutionToken: token,
		TriggerPrice:   dec("48900"),
		StopPrice:      dec("49000"),
		Payload:        map[string]any{"quantity": "0.5"},
	}, nil)
	require.NoError(t, err)
	_, err = e.events.Append(ctx, domain.StopEvent{
		EventID:      "ev-2",
		PositionID:   "pos-9",
		ClientID:     "tenant-1",
		Symbol:       "BTCUSDT",
		Type:         domain.EventExecuted,
		Source:       domain.SourceStream,
		OccurredAt:   now,
		TriggerPrice: dec("48900"),
		StopPrice:    dec("49000"),
		Terminal:     true,
		Payload: map[string]any{
			"execution_token": token,
			"exit_price":      "48890",
			"exchange_ref":    "ord-9",
		},
	}, nil)
	require.NoError(t, err)

	replay := NewReplayService(e.events, e.execs, slog.New(slog.DiscardHandler))
	unrepaired, err := replay.Repair(ctx)
	require.NoError(t, err)
	assert.Empty(t, unrepaired)

	exec, err := e.execs.GetByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFilled, exec.Status)
	require.NotNil(t, exec.ExitPrice)
	assert.True(t, exec.ExitPrice.Equal(dec("48890")))
	assert.Equal(t, "ord-9", exec.ExchangeRef)

	diverged, err := replay.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, diverged)
}

func eventTypes(events []domain.StopEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}
