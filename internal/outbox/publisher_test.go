package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/service"
	"github.com/avdcosta/stopguard/internal/store/memory"
)

type fakeSink struct {
	mu        sync.Mutex
	delivered []string
	failFirst int
}

func (s *fakeSink) Deliver(ctx context.Context, eventID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst > 0 {
		s.failFirst--
		return fmt.Errorf("broker unavailable")
	}
	s.delivered = append(s.delivered, eventID)
	return nil
}

func (s *fakeSink) deliveredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func appendEvent(t *testing.T, events *memory.EventStore, positionID string) domain.StopEvent {
	t.Helper()
	ev := domain.StopEvent{
		EventID:    uuid.NewString(),
		PositionID: positionID,
		ClientID:   "tenant-1",
		Symbol:     "BTCUSDT",
		Type:       domain.EventExecuted,
		Source:     domain.SourceStream,
		OccurredAt: time.Now().UTC(),
		Terminal:   true,
	}
	msg, err := service.NewOutboxMessage(ev, "stop.executed")
	require.NoError(t, err)
	_, err = events.Append(context.Background(), ev, &msg)
	require.NoError(t, err)
	return ev
}

func TestDrainDeliversInOrder(t *testing.T) {
	store := memory.NewOutboxStore()
	events := memory.NewEventStore(store)
	sink := &fakeSink{}
	pub := NewPublisher(Config{Store: store, Sink: sink, Logger: slog.New(slog.DiscardHandler)})

	ev1 := appendEvent(t, events, "pos-1")
	ev2 := appendEvent(t, events, "pos-2")

	require.NoError(t, pub.Drain(context.Background()))

	assert.Equal(t, []string{ev1.EventID, ev2.EventID}, sink.deliveredIDs())

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Published)
	assert.EqualValues(t, 0, stats.Unpublished)
}

func TestFailedDeliveryIsRetriedNotDropped(t *testing.T) {
	store := memory.NewOutboxStore()
	events := memory.NewEventStore(store)
	sink := &fakeSink{failFirst: 1}
	pub := NewPublisher(Config{Store: store, Sink: sink, Logger: slog.New(slog.DiscardHandler)})

	ev := appendEvent(t, events, "pos-1")
	ctx := context.Background()

	require.NoError(t, pub.Drain(ctx))
	assert.Empty(t, sink.deliveredIDs())

	rows, err := store.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].RetryCount)
	assert.Contains(t, rows[0].LastError, "broker unavailable")

	// Next pass succeeds.
	require.NoError(t, pub.Drain(ctx))
	assert.Equal(t, []string{ev.EventID}, sink.deliveredIDs())
}

func TestRedeliveryAfterCrashBetweenDeliverAndMark(t *testing.T) {
	store := memory.NewOutboxStore()
	events := memory.NewEventStore(store)
	sink := &fakeSink{}
	pub := NewPublisher(Config{Store: store, Sink: sink, Logger: slog.New(slog.DiscardHandler)})

	ev := appendEvent(t, events, "pos-1")
	ctx := context.Background()

	// Simulate a crash after delivery but before MarkPublished: deliver
	// directly, leave the row unpublished, then run the loop.
	rows, err := store.ListUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, sink.Deliver(ctx, rows[0].EventID, rows[0].Payload))

	require.NoError(t, pub.Drain(ctx))

	// The event went out twice; at-least-once is the contract and
	// consumers dedupe on event_id.
	assert.Equal(t, []string{ev.EventID, ev.EventID}, sink.deliveredIDs())

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Unpublished)
}
