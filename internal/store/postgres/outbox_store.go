package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdcosta/stopguard/internal/domain"
)

// OutboxStore implements domain.OutboxStore using PostgreSQL. Rows are
// inserted by EventStore.Append inside the event transaction; this store
// serves the publisher loop, the stats endpoint, and the archiver.
type OutboxStore struct {
	pool *pgxpool.Pool
}

var _ domain.OutboxStore = (*OutboxStore)(nil)

// NewOutboxStore creates an OutboxStore backed by the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const outboxSelectCols = `outbox_id, event_id, routing_key, payload,
	published, published_at, retry_count, last_error, created_at`

func scanOutboxRows(rows pgx.Rows) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		var payload []byte
		if err := rows.Scan(
			&m.OutboxID, &m.EventID, &m.RoutingKey, &payload,
			&m.Published, &m.PublishedAt, &m.RetryCount, &m.LastError, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUnpublished returns undelivered rows in insertion order.
func (s *OutboxStore) ListUnpublished(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	query := `SELECT ` + outboxSelectCols + `
		FROM outbox WHERE published = FALSE ORDER BY created_at, outbox_id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unpublished outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// MarkPublished flags a row as delivered.
func (s *OutboxStore) MarkPublished(ctx context.Context, outboxID string, at time.Time) error {
	const query = `
		UPDATE outbox SET
			published    = TRUE,
			published_at = $2,
			last_error   = ''
		WHERE outbox_id = $1`

	tag, err := s.pool.Exec(ctx, query, outboxID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark outbox %s published: %w", outboxID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordFailure increments the retry counter and stores the delivery error.
func (s *OutboxStore) RecordFailure(ctx context.Context, outboxID string, deliveryErr string) error {
	const query = `
		UPDATE outbox SET
			retry_count = retry_count + 1,
			last_error  = $2
		WHERE outbox_id = $1`

	tag, err := s.pool.Exec(ctx, query, outboxID, deliveryErr)
	if err != nil {
		return fmt.Errorf("postgres: record outbox failure %s: %w", outboxID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Stats summarizes publisher progress.
func (s *OutboxStore) Stats(ctx context.Context) (domain.OutboxStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE NOT published),
			COUNT(*) FILTER (WHERE published),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at) FILTER (WHERE NOT published)), 0)
		FROM outbox`

	var stats domain.OutboxStats
	var oldestSeconds float64
	err := s.pool.QueryRow(ctx, query).Scan(&stats.Unpublished, &stats.Published, &oldestSeconds)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("postgres: outbox stats: %w", err)
	}
	stats.OldestAge = time.Duration(oldestSeconds * float64(time.Second))
	return stats, nil
}

// ListPublishedBefore returns delivered rows older than the cutoff, for the
// archiver.
func (s *OutboxStore) ListPublishedBefore(ctx context.Context, before time.Time) ([]domain.OutboxMessage, error) {
	query := `SELECT ` + outboxSelectCols + `
		FROM outbox
		WHERE published = TRUE AND published_at < $1
		ORDER BY published_at, outbox_id`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list published outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}
