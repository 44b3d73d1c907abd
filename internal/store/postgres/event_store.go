package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdcosta/stopguard/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
//
// Append runs in a single transaction covering the event insert, sequence
// assignment, and the optional outbox insert. The partial unique index on
// execution_token turns the race between concurrent trigger sources into a
// unique violation, surfaced as domain.ErrConflict.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventSelectCols = `event_seq, event_id, position_id, client_id, symbol,
	event_type, source, occurred_at, COALESCE(execution_token, ''),
	trigger_price, stop_price, terminal, payload`

func scanEventRow(row pgx.Row) (domain.StopEvent, error) {
	var ev domain.StopEvent
	var evType, source string
	var payload []byte

	err := row.Scan(
		&ev.EventSeq, &ev.EventID, &ev.PositionID, &ev.ClientID, &ev.Symbol,
		&evType, &source, &ev.OccurredAt, &ev.ExecutionToken,
		&ev.TriggerPrice, &ev.StopPrice, &ev.Terminal, &payload,
	)
	if err != nil {
		return domain.StopEvent{}, err
	}
	ev.Type = domain.EventType(evType)
	ev.Source = domain.TriggerSource(source)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return domain.StopEvent{}, fmt.Errorf("decode payload for %s: %w", ev.EventID, err)
		}
	}
	return ev, nil
}

func scanEventRows(rows pgx.Rows) ([]domain.StopEvent, error) {
	var events []domain.StopEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Append inserts the event, assigns its sequence, and writes the outbox row
// in the same transaction when one is supplied.
func (s *EventStore) Append(ctx context.Context, ev domain.StopEvent, outbox *domain.OutboxMessage) (domain.StopEvent, error) {
	payload := []byte("{}")
	if ev.Payload != nil {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return domain.StopEvent{}, fmt.Errorf("postgres: marshal event payload: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.StopEvent{}, fmt.Errorf("postgres: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var token any
	if ev.ExecutionToken != "" {
		token = ev.ExecutionToken
	}

	const insertEvent = `
		INSERT INTO stop_events (
			event_id, position_id, client_id, symbol,
			event_type, source, occurred_at, execution_token,
			trigger_price, stop_price, terminal, payload
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12
		) RETURNING event_seq`

	err = tx.QueryRow(ctx, insertEvent,
		ev.EventID, ev.PositionID, ev.ClientID, ev.Symbol,
		string(ev.Type), string(ev.Source), ev.OccurredAt, token,
		ev.TriggerPrice, ev.StopPrice, ev.Terminal, payload,
	).Scan(&ev.EventSeq)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.StopEvent{}, domain.ErrConflict
		}
		return domain.StopEvent{}, fmt.Errorf("postgres: append event %s: %w", ev.EventID, err)
	}

	if outbox != nil {
		const insertOutbox = `
			INSERT INTO outbox (outbox_id, event_id, routing_key, payload)
			VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, insertOutbox,
			outbox.OutboxID, outbox.EventID, outbox.RoutingKey, []byte(outbox.Payload),
		); err != nil {
			return domain.StopEvent{}, fmt.Errorf("postgres: append outbox for %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.StopEvent{}, fmt.Errorf("postgres: commit append %s: %w", ev.EventID, err)
	}
	return ev, nil
}

// ListByPosition returns all events for a position in sequence order.
func (s *EventStore) ListByPosition(ctx context.Context, positionID string) ([]domain.StopEvent, error) {
	query := `SELECT ` + eventSelectCols + `
		FROM stop_events WHERE position_id = $1 ORDER BY event_seq`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for position %s: %w", positionID, err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// ListByClient returns a tenant's events in sequence order with optional
// time filtering and pagination.
func (s *EventStore) ListByClient(ctx context.Context, clientID string, opts domain.ListOpts) ([]domain.StopEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM stop_events WHERE client_id = $1`
	args := []any{clientID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY event_seq"

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
		return nil, fmt.Errorf("postgres: list events for client %s: %w", clientID, err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// LastByPosition returns the most recent event for a position.
func (s *EventStore) LastByPosition(ctx context.Context, positionID string) (domain.StopEvent, error) {
	query := `SELECT ` + eventSelectCols + `
		FROM stop_events WHERE position_id = $1 ORDER BY event_seq DESC LIMIT 1`

	ev, err := scanEventRow(s.pool.QueryRow(ctx, query, positionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StopEvent{}, domain.ErrNotFound
		}
		return domain.StopEvent{}, fmt.Errorf("postgres: last event for %s: %w", positionID, err)
	}
	return ev, nil
}

// ListAll returns the full log in sequence order, for replay.
func (s *EventStore) ListAll(ctx context.Context) ([]domain.StopEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM stop_events ORDER BY event_seq`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all events: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}
