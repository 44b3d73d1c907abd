package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// OutboxStore is an in-memory domain.OutboxStore. Rows are inserted through
// EventStore.Append only, matching the transactional-outbox contract.
type OutboxStore struct {
	mu   sync.RWMutex
	rows map[string]domain.OutboxMessage
}

var _ domain.OutboxStore = (*OutboxStore)(nil)

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{rows: make(map[string]domain.OutboxMessage)}
}

func (s *OutboxStore) insert(msg domain.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.rows[msg.OutboxID] = msg
}

func (s *OutboxStore) ListUnpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OutboxMessage
	for _, row := range s.rows {
		if !row.Published {
			out = append(out, row)
		}
	}
	sortOutbox(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, outboxID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[outboxID]
	if !ok {
		return domain.ErrNotFound
	}
	row.Published = true
	row.PublishedAt = &at
	row.LastError = ""
	s.rows[outboxID] = row
	return nil
}

func (s *OutboxStore) RecordFailure(ctx context.Context, outboxID string, deliveryErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[outboxID]
	if !ok {
		return domain.ErrNotFound
	}
	row.RetryCount++
	row.LastError = deliveryErr
	s.rows[outboxID] = row
	return nil
}

func (s *OutboxStore) Stats(ctx context.Context) (domain.OutboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats domain.OutboxStats
	now := time.Now().UTC()
	for _, row := range s.rows {
		if row.Published {
			stats.Published++
			continue
		}
		stats.Unpublished++
		if age := now.Sub(row.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats, nil
}

func (s *OutboxStore) ListPublishedBefore(ctx context.Context, before time.Time) ([]domain.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OutboxMessage
	for _, row := range s.rows {
		if row.Published && row.PublishedAt != nil && row.PublishedAt.Before(before) {
			out = append(out, row)
		}
	}
	sortOutbox(out)
	return out, nil
}

func sortOutbox(rows []domain.OutboxMessage) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].OutboxID < rows[j].OutboxID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
