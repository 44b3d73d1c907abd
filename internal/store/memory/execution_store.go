package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// ExecutionStore is an in-memory domain.ExecutionStore keyed by execution
// token.
type ExecutionStore struct {
	mu    sync.RWMutex
	rows  map[string]domain.StopExecution
	byPos map[string]string
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		rows:  make(map[string]domain.StopExecution),
		byPos: make(map[string]string),
	}
}

func (s *ExecutionStore) Create(ctx context.Context, exec domain.StopExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[exec.ExecutionToken]; ok {
		return domain.ErrAlreadyExists
	}
	s.rows[exec.ExecutionToken] = exec
	s.byPos[exec.PositionID] = exec.ExecutionToken
	return nil
}

func (s *ExecutionStore) GetByToken(ctx context.Context, token string) (domain.StopExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.rows[token]
	if !ok {
		return domain.StopExecution{}, domain.ErrNotFound
	}
	return exec, nil
}

func (s *ExecutionStore) GetByPosition(ctx context.Context, positionID string) (domain.StopExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.byPos[positionID]
	if !ok {
		return domain.StopExecution{}, domain.ErrNotFound
	}
	return s.rows[token], nil
}

func (s *ExecutionStore) ListByStatus(ctx context.Context, clientID string, status domain.ExecutionStatus, opts domain.ListOpts) ([]domain.StopExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StopExecution
	for _, exec := range s.rows {
		if exec.ClientID == clientID && exec.Status == status {
			out = append(out, exec)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *ExecutionStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.StopExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StopExecution
	for _, exec := range s.rows {
		if exec.Status == domain.ExecutionPending && exec.NextRetryAt != nil && exec.RetryDue(now) {
			out = append(out, exec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ExecutionStore) ClaimRetry(ctx context.Context, token string, expectedRetryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[token]
	if !ok {
		return domain.ErrNotFound
	}
	if exec.Status != domain.ExecutionPending || exec.RetryCount != expectedRetryCount {
		return domain.ErrStaleState
	}
	exec.RetryCount++
	exec.UpdatedAt = time.Now().UTC()
	s.rows[token] = exec
	return nil
}

func (s *ExecutionStore) MarkFilled(ctx context.Context, token string, exitPrice decimal.Decimal, slippagePct *decimal.Decimal, exchangeRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[token]
	if !ok {
		return domain.ErrNotFound
	}
	exec.Status = domain.ExecutionFilled
	exec.ExitPrice = &exitPrice
	exec.SlippagePct = slippagePct
	exec.ExchangeRef = exchangeRef
	exec.ExecutedAt = &at
	exec.NextRetryAt = nil
	exec.LastError = ""
	exec.UpdatedAt = at
	s.rows[token] = exec
	return nil
}

func (s *ExecutionStore) MarkFailed(ctx context.Context, token string, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[token]
	if !ok {
		return domain.ErrNotFound
	}
	exec.Status = domain.ExecutionFailed
	exec.LastError = lastError
	exec.FailedAt = &at
	exec.NextRetryAt = nil
	exec.UpdatedAt = at
	s.rows[token] = exec
	return nil
}

func (s *ExecutionStore) ScheduleRetry(ctx context.Context, token string, lastError string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[token]
	if !ok {
		return domain.ErrNotFound
	}
	exec.Status = domain.ExecutionPending
	exec.LastError = lastError
	exec.NextRetryAt = &nextRetryAt
	exec.UpdatedAt = time.Now().UTC()
	s.rows[token] = exec
	return nil
}
