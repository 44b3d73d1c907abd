package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// ReplayService rebuilds the execution projection from the event log. The
// log is the source of truth; the stop_executions table is derived state and
// can be reconstructed or verified at any time.
type ReplayService struct {
	events domain.EventStore
	execs  domain.ExecutionStore
	logger *slog.Logger
}

// NewReplayService creates a ReplayService.
func NewReplayService(events domain.EventStore, execs domain.ExecutionStore, logger *slog.Logger) *ReplayService {
	return &ReplayService{
		events: events,
		execs:  execs,
		logger: logger.With("component", "replay"),
	}
}

// Project folds an event sequence into execution projections keyed by
// execution token. Events must already be in log order; replaying the same
// log always yields the same projections.
func Project(events []domain.StopEvent) map[string]domain.StopExecution {
	out := make(map[string]domain.StopExecution)

	for _, ev := range events {
		token := ev.ExecutionToken
		if token == "" {
			token, _ = ev.Payload["execution_token"].(string)
		}
		if token == "" {
			continue
		}

		switch ev.Type {
		case domain.EventTriggered:
			exec := domain.StopExecution{
				ExecutionToken: token,
				PositionID:     ev.PositionID,
				ClientID:       ev.ClientID,
				Symbol:         ev.Symbol,
				Status:         domain.ExecutionPending,
				Source:         ev.Source,
				TriggerPrice:   ev.TriggerPrice,
				StopPrice:      ev.StopPrice,
				TriggeredAt:    ev.OccurredAt,
			}
			if q, ok := ev.Payload["quantity"].(string); ok {
				if quantity, err := decimal.NewFromString(q); err == nil {
					exec.Quantity = quantity
				}
			}
			out[token] = exec

		case domain.EventExecuting:
			exec, ok := out[token]
			if !ok {
				continue
			}
			if attempt := payloadInt(ev.Payload, "attempt"); attempt > 0 {
				exec.RetryCount = attempt
			}
			out[token] = exec

		case domain.EventExecuted:
			exec, ok := out[token]
			if !ok {
				continue
			}
			exec.Status = domain.ExecutionFilled
			occurredAt := ev.OccurredAt
			exec.ExecutedAt = &occurredAt
			exec.NextRetryAt = nil
			exec.LastError = ""
			if p, ok := ev.Payload["exit_price"].(string); ok {
				if price, err := decimal.NewFromString(p); err == nil {
					exec.ExitPrice = &price
				}
			}
			if p, ok := ev.Payload["slippage_pct"].(string); ok {
				if pct, err := decimal.NewFromString(p); err == nil {
					exec.SlippagePct = &pct
				}
			}
			if ref, ok := ev.Payload["exchange_ref"].(string); ok {
				exec.ExchangeRef = ref
			}
			out[token] = exec

		case domain.EventFailed:
			exec, ok := out[token]
			if !ok {
				continue
			}
			if reason, ok := ev.Payload["reason"].(string); ok {
				exec.LastError = reason
			}
			if ev.Terminal {
				exec.Status = domain.ExecutionFailed
				occurredAt := ev.OccurredAt
				exec.FailedAt = &occurredAt
				exec.NextRetryAt = nil
			} else {
				exec.Status = domain.ExecutionPending
				if at, ok := ev.Payload["next_retry_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, at); err == nil {
						exec.NextRetryAt = &t
					}
				}
			}
			out[token] = exec
		}
	}
	return out
}

// payloadInt reads an integer payload field. JSON decoding turns numbers
// into float64, so both representations are accepted.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Verify replays the full log and compares the derived projections against
// the stored ones, reporting tokens whose terminal status diverges. A
// non-empty result means the projection was corrupted outside the engine.
func (s *ReplayService) Verify(ctx context.Context) ([]string, error) {
	events, err := s.events.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: list events: %w", err)
	}
	derived := Project(events)

	var diverged []string
	for token, want := range derived {
		stored, err := s.execs.GetByToken(ctx, token)
		if err != nil {
			diverged = append(diverged, token)
			continue
		}
		if stored.Status != want.Status {
			diverged = append(diverged, token)
		}
	}

	s.logger.Info("replay verification finished",
		"events", len(events),
		"executions", len(derived),
		"diverged", len(diverged),
	)
	return diverged, nil
}

// Repair verifies and then reconciles diverged projections to the log. Only
// one direction is repaired automatically: a PENDING projection whose log
// already carries a terminal event, which is what a crash between the
// terminal append and the projection update leaves behind. Anything else is
// reported for operator attention.
func (s *ReplayService) Repair(ctx context.Context) ([]string, error) {
	events, err := s.events.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: list events: %w", err)
	}
	derived := Project(events)

	var unrepaired []string
	for token, want := range derived {
		stored, err := s.execs.GetByToken(ctx, token)
		if err != nil {
			unrepaired = append(unrepaired, token)
			continue
		}
		if stored.Status == want.Status {
			continue
		}
		if stored.Status != domain.ExecutionPending || !want.Terminal() {
			unrepaired = append(unrepaired, token)
			continue
		}

		switch want.Status {
		case domain.ExecutionFilled:
			var exitPrice decimal.Decimal
			if want.ExitPrice != nil {
				exitPrice = *want.ExitPrice
			}
			err = s.execs.MarkFilled(ctx, token, exitPrice, want.SlippagePct, want.ExchangeRef, *want.ExecutedAt)
		case domain.ExecutionFailed:
			err = s.execs.MarkFailed(ctx, token, want.LastError, *want.FailedAt)
		}
		if err != nil {
			return unrepaired, fmt.Errorf("replay: repair %s: %w", token, err)
		}
		s.logger.Warn("projection repaired from event log",
			"execution_token", token,
			"status", string(want.Status),
		)
	}
	return unrepaired, nil
}
