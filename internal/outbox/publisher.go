// Package outbox implements the publisher half of the transactional outbox:
// a loop that drains unpublished rows to the downstream sink with
// at-least-once delivery.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// Notifier is the operator alert port (see internal/notify).
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Publisher drains the outbox to a sink. A crash between delivery and
// MarkPublished redelivers the row on the next pass; consumers dedupe on
// event_id. Rows are never dropped: a row that keeps failing stays in the
// outbox and trips the stuck alert instead.
type Publisher struct {
	store    domain.OutboxStore
	sink     domain.Sink
	notifier Notifier // optional
	logger   *slog.Logger

	interval       time.Duration
	batchSize      int
	stuckThreshold time.Duration
	now            func() time.Time

	lastStuckAlert time.Time
}

// Config wires a Publisher.
type Config struct {
	Store    domain.OutboxStore
	Sink     domain.Sink
	Notifier Notifier
	Logger   *slog.Logger

	Interval       time.Duration
	BatchSize      int
	StuckThreshold time.Duration
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	return &Publisher{
		store:          cfg.Store,
		sink:           cfg.Sink,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger.With(slog.String("component", "outbox_publisher")),
		interval:       cfg.Interval,
		batchSize:      cfg.BatchSize,
		stuckThreshold: cfg.StuckThreshold,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for tests.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Run drains the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.logger.Error("outbox drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Drain runs one pass: deliver every unpublished row in insertion order.
func (p *Publisher) Drain(ctx context.Context) error {
	rows, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("outbox: list unpublished: %w", err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.sink.Deliver(ctx, row.EventID, row.Payload); err != nil {
			p.logger.Warn("outbox delivery failed",
				slog.String("outbox_id", row.OutboxID),
				slog.String("event_id", row.EventID),
				slog.Int("retry_count", row.RetryCount),
				slog.String("error", err.Error()),
			)
			if err := p.store.RecordFailure(ctx, row.OutboxID, err.Error()); err != nil {
				return fmt.Errorf("outbox: record failure %s: %w", row.OutboxID, err)
			}
			p.checkStuck(ctx, row)
			continue
		}

		if err := p.store.MarkPublished(ctx, row.OutboxID, p.now()); err != nil {
			// Delivery succeeded but the flag write failed; the row will
			// be redelivered, which consumers tolerate.
			return fmt.Errorf("outbox: mark published %s: %w", row.OutboxID, err)
		}
		p.logger.Debug("outbox delivered",
			slog.String("event_id", row.EventID),
			slog.String("routing_key", row.RoutingKey),
		)
	}
	return nil
}

// checkStuck alerts when a row has been failing for longer than the
// threshold. Alerts are rate limited to one per threshold window.
func (p *Publisher) checkStuck(ctx context.Context, row domain.OutboxMessage) {
	now := p.now()
	if !row.Stuck(now, p.stuckThreshold) {
		return
	}
	if p.notifier == nil || now.Sub(p.lastStuckAlert) < p.stuckThreshold {
		return
	}
	p.lastStuckAlert = now

	msg := fmt.Sprintf("outbox row %s (event %s) undelivered for %s after %d attempts",
		row.OutboxID, row.EventID, now.Sub(row.CreatedAt).Round(time.Second), row.RetryCount+1)
	if err := p.notifier.Notify(ctx, "outbox_stuck", "Outbox delivery stuck", msg); err != nil {
		p.logger.Error("stuck alert failed", slog.String("error", err.Error()))
	}
}
