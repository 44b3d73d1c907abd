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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `position_id, client_id, symbol, side,
	entry_price, initial_stop, current_stop, quantity,
	status, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.PositionStopState, error) {
	var p domain.PositionStopState
	var side, status string

	err := row.Scan(
		&p.PositionID, &p.ClientID, &p.Symbol, &side,
		&p.EntryPrice, &p.InitialStop, &p.CurrentStop, &p.Quantity,
		&status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.PositionStopState{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.PositionStopState, error) {
	var positions []domain.PositionStopState
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new monitored position.
func (s *PositionStore) Create(ctx context.Context, p domain.PositionStopState) error {
	const query = `
		INSERT INTO stop_positions (
			position_id, client_id, symbol, side,
			entry_price, initial_stop, current_stop, quantity,
			status, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.PositionID, p.ClientID, p.Symbol, string(p.Side),
		p.EntryPrice, p.InitialStop, p.CurrentStop, p.Quantity,
		string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.PositionID, err)
	}
	return nil
}

// GetByID returns one position or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, positionID string) (domain.PositionStopState, error) {
	query := `SELECT ` + positionSelectCols + ` FROM stop_positions WHERE position_id = $1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, positionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionStopState{}, domain.ErrNotFound
		}
		return domain.PositionStopState{}, fmt.Errorf("postgres: get position %s: %w", positionID, err)
	}
	return p, nil
}

// ListActive returns all positions under monitoring.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.PositionStopState, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM stop_positions WHERE status = 'ACTIVE' ORDER BY opened_at, position_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// ListActiveBySymbol returns active positions for one symbol.
func (s *PositionStore) ListActiveBySymbol(ctx context.Context, symbol string) ([]domain.PositionStopState, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM stop_positions WHERE status = 'ACTIVE' AND symbol = $1 ORDER BY opened_at, position_id`

	rows, err := s.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// ActiveSymbols returns the distinct symbols with at least one active
// position, for feed subscription and the poller sweep.
func (s *PositionStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT symbol FROM stop_positions WHERE status = 'ACTIVE' ORDER BY symbol`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("postgres: scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// CompareAndSetStop advances the stop only when it still equals expected.
func (s *PositionStore) CompareAndSetStop(ctx context.Context, positionID string, expected, next decimal.Decimal) error {
	const query = `
		UPDATE stop_positions SET
			current_stop = $3,
			updated_at   = NOW()
		WHERE position_id = $1 AND current_stop = $2`

	tag, err := s.pool.Exec(ctx, query, positionID, expected, next)
	if err != nil {
		return fmt.Errorf("postgres: cas stop for %s: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM stop_positions WHERE position_id = $1)", positionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: cas stop for %s: %w", positionID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleState
	}
	return nil
}

// TransitionStatus moves status from -> to atomically.
func (s *PositionStore) TransitionStatus(ctx context.Context, positionID string, from, to domain.PositionStatus) error {
	const query = `
		UPDATE stop_positions SET
			status     = $3,
			updated_at = NOW()
		WHERE position_id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, positionID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition position %s %s->%s: %w", positionID, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleState
	}
	return nil
}

// MarkClosed finalizes a position.
func (s *PositionStore) MarkClosed(ctx context.Context, positionID string, closedAt time.Time) error {
	const query = `
		UPDATE stop_positions SET
			status     = 'CLOSED',
			closed_at  = $2,
			updated_at = NOW()
		WHERE position_id = $1`

	tag, err := s.pool.Exec(ctx, query, positionID, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns closed positions older than the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.PositionStopState, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM stop_positions
		WHERE status = 'CLOSED' AND closed_at < $1
		ORDER BY closed_at, position_id`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositionRows(rows)
}
