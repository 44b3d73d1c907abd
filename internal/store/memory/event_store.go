package memory

import (
	"context"
	"sync"

	"github.com/avdcosta/stopguard/internal/domain"
)

// EventStore is an in-memory domain.EventStore backed by an append-only
// slice. Sequence assignment and the TRIGGERED-token uniqueness check happen
// under one mutex, mirroring the single transaction the postgres store uses.
type EventStore struct {
	mu     sync.RWMutex
	events []domain.StopEvent
	tokens map[string]struct{}
	seq    int64

	outbox *OutboxStore
}

var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates an event store. The outbox store receives rows
// appended atomically with their events; it may be nil when no outbox is
// wired (pure calculator tests).
func NewEventStore(outbox *OutboxStore) *EventStore {
	return &EventStore{tokens: make(map[string]struct{}), outbox: outbox}
}

func (s *EventStore) Append(ctx context.Context, ev domain.StopEvent, outbox *domain.OutboxMessage) (domain.StopEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Type == domain.EventTriggered && ev.ExecutionToken != "" {
		if _, ok := s.tokens[ev.ExecutionToken]; ok {
			return domain.StopEvent{}, domain.ErrConflict
		}
		s.tokens[ev.ExecutionToken] = struct{}{}
	}

	s.seq++
	ev.EventSeq = s.seq
	s.events = append(s.events, ev)

	if outbox != nil && s.outbox != nil {
		s.outbox.insert(*outbox)
	}
	return ev, nil
}

func (s *EventStore) ListByPosition(ctx context.Context, positionID string) ([]domain.StopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StopEvent
	for _, ev := range s.events {
		if ev.PositionID == positionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) ListByClient(ctx context.Context, clientID string, opts domain.ListOpts) ([]domain.StopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StopEvent
	for _, ev := range s.events {
		if ev.ClientID != clientID {
			continue
		}
		if opts.Since != nil && ev.OccurredAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ev.OccurredAt.After(*opts.Until) {
			continue
		}
		out = append(out, ev)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *EventStore) LastByPosition(ctx context.Context, positionID string) (domain.StopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].PositionID == positionID {
			return s.events[i], nil
		}
	}
	return domain.StopEvent{}, domain.ErrNotFound
}

func (s *EventStore) ListAll(ctx context.Context) ([]domain.StopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StopEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}
