package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `execution_id, execution_token, position_id, client_id, symbol,
	status, source, trigger_price, stop_price, quantity,
	exit_price, slippage_pct, exchange_ref, retry_count, next_retry_at,
	last_error, triggered_at, executed_at, failed_at, created_at, updated_at`

func scanExecutionRow(row pgx.Row) (domain.StopExecution, error) {
	var e domain.StopExecution
	var status, source string

	err := row.Scan(
		&e.ExecutionID, &e.ExecutionToken, &e.PositionID, &e.ClientID, &e.Symbol,
		&status, &source, &e.TriggerPrice, &e.StopPrice, &e.Quantity,
		&e.ExitPrice, &e.SlippagePct, &e.ExchangeRef, &e.RetryCount, &e.NextRetryAt,
		&e.LastError, &e.TriggeredAt, &e.ExecutedAt, &e.FailedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.StopExecution{}, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.Source = domain.TriggerSource(source)
	return e, nil
}

// Create inserts the projection row for a new execution.
func (s *ExecutionStore) Create(ctx context.Context, e domain.StopExecution) error {
	const query = `
		INSERT INTO stop_executions (
			execution_id, execution_token, position_id, client_id, symbol,
			status, source, trigger_price, stop_price, quantity,
			retry_count, last_error, triggered_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		e.ExecutionID, e.ExecutionToken, e.PositionID, e.ClientID, e.Symbol,
		string(e.Status), string(e.Source), e.TriggerPrice, e.StopPrice, e.Quantity,
		e.RetryCount, e.LastError, e.TriggeredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create execution %s: %w", e.ExecutionToken, err)
	}
	return nil
}

// GetByToken returns the execution with the given token.
func (s *ExecutionStore) GetByToken(ctx context.Context, token string) (domain.StopExecution, error) {
	query := `SELECT ` + executionSelectCols + ` FROM stop_executions WHERE execution_token = $1`

	e, err := scanExecutionRow(s.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StopExecution{}, domain.ErrNotFound
		}
		return domain.StopExecution{}, fmt.Errorf("postgres: get execution %s: %w", token, err)
	}
	return e, nil
}

// GetByPosition returns the execution belonging to a position.
func (s *ExecutionStore) GetByPosition(ctx context.Context, positionID string) (domain.StopExecution, error) {
	query := `SELECT ` + executionSelectCols + ` FROM stop_executions WHERE position_id = $1`

	e, err := scanExecutionRow(s.pool.QueryRow(ctx, query, positionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StopExecution{}, domain.ErrNotFound
		}
		return domain.StopExecution{}, fmt.Errorf("postgres: get execution for position %s: %w", positionID, err)
	}
	return e, nil
}

// ListByStatus returns a tenant's executions in the given status.
func (s *ExecutionStore) ListByStatus(ctx context.Context, clientID string, status domain.ExecutionStatus, opts domain.ListOpts) ([]domain.StopExecution, error) {
	query := `SELECT ` + executionSelectCols + `
		FROM stop_executions WHERE client_id = $1 AND status = $2 ORDER BY triggered_at DESC`
	args := []any{clientID, string(status)}
	argIdx := 3

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []domain.StopExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListDueRetries returns pending executions whose retry window has opened.
func (s *ExecutionStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.StopExecution, error) {
	query := `SELECT ` + executionSelectCols + `
		FROM stop_executions
		WHERE status = 'PENDING' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due retries: %w", err)
	}
	defer rows.Close()

	var out []domain.StopExecution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimRetry atomically claims the next attempt for a pending execution.
func (s *ExecutionStore) ClaimRetry(ctx context.Context, token string, expectedRetryCount int) error {
	const query = `
		UPDATE stop_executions SET
			retry_count = retry_count + 1,
			updated_at  = NOW()
		WHERE execution_token = $1 AND status = 'PENDING' AND retry_count = $2`

	tag, err := s.pool.Exec(ctx, query, token, expectedRetryCount)
	if err != nil {
		return fmt.Errorf("postgres: claim retry %s: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleState
	}
	return nil
}

// MarkFilled finalizes the projection as FILLED.
func (s *ExecutionStore) MarkFilled(ctx context.Context, token string, exitPrice decimal.Decimal, slippagePct *decimal.Decimal, exchangeRef string, at time.Time) error {
	const query = `
		UPDATE stop_executions SET
			status        = 'FILLED',
			exit_price    = $2,
			slippage_pct  = $3,
			exchange_ref  = $4,
			executed_at   = $5,
			next_retry_at = NULL,
			last_error    = '',
			updated_at    = NOW()
		WHERE execution_token = $1`

	tag, err := s.pool.Exec(ctx, query, token, exitPrice, slippagePct, exchangeRef, at)
	if err != nil {
		return fmt.Errorf("postgres: mark execution %s filled: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed finalizes the projection as FAILED.
func (s *ExecutionStore) MarkFailed(ctx context.Context, token string, lastError string, at time.Time) error {
	const query = `
		UPDATE stop_executions SET
			status        = 'FAILED',
			last_error    = $2,
			failed_at     = $3,
			next_retry_at = NULL,
			updated_at    = NOW()
		WHERE execution_token = $1`

	tag, err := s.pool.Exec(ctx, query, token, lastError, at)
	if err != nil {
		return fmt.Errorf("postgres: mark execution %s failed: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ScheduleRetry records a transient failure and the next retry window.
func (s *ExecutionStore) ScheduleRetry(ctx context.Context, token string, lastError string, nextRetryAt time.Time) error {
	const query = `
		UPDATE stop_executions SET
			status        = 'PENDING',
			last_error    = $2,
			next_retry_at = $3,
			updated_at    = NOW()
		WHERE execution_token = $1`

	tag, err := s.pool.Exec(ctx, query, token, lastError, nextRetryAt)
	if err != nil {
		return fmt.Errorf("postgres: schedule retry %s: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
