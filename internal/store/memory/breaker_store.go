package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// BreakerStore is an in-memory domain.BreakerStore with generation fencing.
type BreakerStore struct {
	mu   sync.RWMutex
	rows map[breakerKey]domain.BreakerStatus
}

type breakerKey struct {
	clientID string
	symbol   string
}

var _ domain.BreakerStore = (*BreakerStore)(nil)

func NewBreakerStore() *BreakerStore {
	return &BreakerStore{rows: make(map[breakerKey]domain.BreakerStatus)}
}

func (s *BreakerStore) Get(ctx context.Context, clientID, symbol string) (domain.BreakerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[breakerKey{clientID, symbol}]
	if !ok {
		return domain.BreakerStatus{}, domain.ErrNotFound
	}
	return row, nil
}

func (s *BreakerStore) Upsert(ctx context.Context, status domain.BreakerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := breakerKey{status.ClientID, status.Symbol}
	current, ok := s.rows[key]
	if !ok {
		if status.Generation != 0 {
			return domain.ErrStaleState
		}
	} else if current.Generation != status.Generation {
		return domain.ErrStaleState
	}
	status.Generation++
	status.UpdatedAt = time.Now().UTC()
	s.rows[key] = status
	return nil
}

func (s *BreakerStore) List(ctx context.Context) ([]domain.BreakerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BreakerStatus, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID == out[j].ClientID {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}
