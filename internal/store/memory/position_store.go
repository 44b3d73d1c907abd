// Package memory provides in-memory store implementations with the same
// concurrency semantics as the postgres stores: compare-and-set mutations,
// execution-token uniqueness, and generation fencing. It backs unit tests
// and the dry-run mode, where no database is attached.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.PositionStopState
}

var _ domain.PositionStore = (*PositionStore)(nil)

func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.PositionStopState)}
}

func (s *PositionStore) Create(ctx context.Context, pos domain.PositionStopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.PositionID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[pos.PositionID] = pos
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, positionID string) (domain.PositionStopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return domain.PositionStopState{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *PositionStore) ListActive(ctx context.Context) ([]domain.PositionStopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PositionStopState
	for _, pos := range s.positions {
		if pos.Status == domain.PositionActive {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *PositionStore) ListActiveBySymbol(ctx context.Context, symbol string) ([]domain.PositionStopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PositionStopState
	for _, pos := range s.positions {
		if pos.Status == domain.PositionActive && pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *PositionStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, pos := range s.positions {
		if pos.Status == domain.PositionActive {
			seen[pos.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *PositionStore) CompareAndSetStop(ctx context.Context, positionID string, expected, next decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrNotFound
	}
	if !pos.CurrentStop.Equal(expected) {
		return domain.ErrStaleState
	}
	pos.CurrentStop = next
	s.positions[positionID] = pos
	return nil
}

func (s *PositionStore) TransitionStatus(ctx context.Context, positionID string, from, to domain.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrNotFound
	}
	if pos.Status != from {
		return domain.ErrStaleState
	}
	pos.Status = to
	s.positions[positionID] = pos
	return nil
}

func (s *PositionStore) MarkClosed(ctx context.Context, positionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return domain.ErrNotFound
	}
	pos.Status = domain.PositionClosed
	pos.ClosedAt = &closedAt
	s.positions[positionID] = pos
	return nil
}

func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.PositionStopState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PositionStopState
	for _, pos := range s.positions {
		if pos.Status == domain.PositionClosed && pos.ClosedAt != nil && pos.ClosedAt.Before(before) {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out, nil
}

func sortPositions(positions []domain.PositionStopState) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAt.Equal(positions[j].OpenedAt) {
			return positions[i].PositionID < positions[j].PositionID
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
}
