package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdcosta/stopguard/internal/domain"
)

// BreakerStore implements domain.BreakerStore using PostgreSQL. Writes are
// fenced by the generation counter so concurrent failure recordings from
// both trigger paths cannot lose updates.
type BreakerStore struct {
	pool *pgxpool.Pool
}

var _ domain.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore creates a BreakerStore backed by the given pool.
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

const breakerSelectCols = `client_id, symbol, state, consecutive_failures,
	opened_at, cooldown_until, cooldown_seconds, generation, updated_at`

func scanBreakerRow(row pgx.Row) (domain.BreakerStatus, error) {
	var b domain.BreakerStatus
	var state string
	var cooldownSeconds int

	err := row.Scan(
		&b.ClientID, &b.Symbol, &state, &b.ConsecutiveFailures,
		&b.OpenedAt, &b.CooldownUntil, &cooldownSeconds, &b.Generation, &b.UpdatedAt,
	)
	if err != nil {
		return domain.BreakerStatus{}, err
	}
	b.State = domain.BreakerState(state)
	b.Cooldown = time.Duration(cooldownSeconds) * time.Second
	return b, nil
}

// Get returns the breaker row for (client, symbol) or domain.ErrNotFound.
func (s *BreakerStore) Get(ctx context.Context, clientID, symbol string) (domain.BreakerStatus, error) {
	query := `SELECT ` + breakerSelectCols + ` FROM breaker_state WHERE client_id = $1 AND symbol = $2`

	b, err := scanBreakerRow(s.pool.QueryRow(ctx, query, clientID, symbol))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BreakerStatus{}, domain.ErrNotFound
		}
		return domain.BreakerStatus{}, fmt.Errorf("postgres: get breaker %s/%s: %w", clientID, symbol, err)
	}
	return b, nil
}

// Upsert writes the row guarded by the generation fencing counter.
func (s *BreakerStore) Upsert(ctx context.Context, b domain.BreakerStatus) error {
	cooldownSeconds := int(b.Cooldown / time.Second)

	if b.Generation == 0 {
		// First write for this pair. ON CONFLICT DO NOTHING keeps the
		// loser of a concurrent create on the stale path.
		const insert = `
			INSERT INTO breaker_state (
				client_id, symbol, state, consecutive_failures,
				opened_at, cooldown_until, cooldown_seconds, generation, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW())
			ON CONFLICT (client_id, symbol) DO NOTHING`

		tag, err := s.pool.Exec(ctx, insert,
			b.ClientID, b.Symbol, string(b.State), b.ConsecutiveFailures,
			b.OpenedAt, b.CooldownUntil, cooldownSeconds,
		)
		if err != nil {
			return fmt.Errorf("postgres: create breaker %s/%s: %w", b.ClientID, b.Symbol, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrStaleState
		}
		return nil
	}

	const update = `
		UPDATE breaker_state SET
			state                = $3,
			consecutive_failures = $4,
			opened_at            = $5,
			cooldown_until       = $6,
			cooldown_seconds     = $7,
			generation           = generation + 1,
			updated_at           = NOW()
		WHERE client_id = $1 AND symbol = $2 AND generation = $8`

	tag, err := s.pool.Exec(ctx, update,
		b.ClientID, b.Symbol, string(b.State), b.ConsecutiveFailures,
		b.OpenedAt, b.CooldownUntil, cooldownSeconds, b.Generation,
	)
	if err != nil {
		return fmt.Errorf("postgres: update breaker %s/%s: %w", b.ClientID, b.Symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleState
	}
	return nil
}

// List returns all breaker rows ordered by client then symbol.
func (s *BreakerStore) List(ctx context.Context) ([]domain.BreakerStatus, error) {
	query := `SELECT ` + breakerSelectCols + ` FROM breaker_state ORDER BY client_id, symbol`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list breakers: %w", err)
	}
	defer rows.Close()

	var out []domain.BreakerStatus
	for rows.Next() {
		b, err := scanBreakerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
