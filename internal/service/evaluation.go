// Package service contains the engine's use cases: tick evaluation and stop
// execution, position lifecycle, the retry sweep, and event-log replay.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/breaker"
	"github.com/avdcosta/stopguard/internal/domain"
	"github.com/avdcosta/stopguard/internal/stop"
)

// Notifier is the operator alert port, implemented by internal/notify.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BackoffConfig bounds the retry schedule for transient execution failures.
// Attempt n (zero-based) waits Base * Factor^n; after MaxAttempts total
// attempts the execution fails terminally.
type BackoffConfig struct {
	Base        time.Duration
	Factor      int
	MaxAttempts int
}

// DefaultBackoff retries at 5s, 10s, 20s, 40s after the initial attempt.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 5 * time.Second, Factor: 2, MaxAttempts: 5}
}

// Delay returns the wait before the given zero-based attempt number.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= time.Duration(b.Factor)
	}
	return d
}

// EvaluationService drives the stop engine: it consumes price ticks,
// recomputes trailing stops, detects breaches, and runs the exactly-once
// execution pipeline.
//
// Two trigger sources feed HandleTick concurrently (the stream and the
// poller). No in-process locking arbitrates them; the event log's
// execution-token uniqueness and the stores' compare-and-set operations do.
// Either source crashing at any point leaves state that the other source, or
// the retry sweep, can finish from.
type EvaluationService struct {
	positions domain.PositionStore
	events    domain.EventStore
	execs     domain.ExecutionStore
	tenants   domain.TenantConfigStore
	breaker   *breaker.Service
	adapter   domain.ExecutionAdapter
	limiter   domain.RateLimiter
	notifier  Notifier
	calc      *stop.Calculator
	logger    *slog.Logger

	backoff     BackoffConfig
	execTimeout time.Duration
	now         func() time.Time
}

// EvaluationConfig wires an EvaluationService.
type EvaluationConfig struct {
	Positions domain.PositionStore
	Events    domain.EventStore
	Execs     domain.ExecutionStore
	Tenants   domain.TenantConfigStore
	Breaker   *breaker.Service
	Adapter   domain.ExecutionAdapter
	Limiter   domain.RateLimiter // optional
	Notifier  Notifier           // optional
	Calc      *stop.Calculator
	Logger    *slog.Logger

	Backoff     BackoffConfig
	ExecTimeout time.Duration
}

// NewEvaluationService creates the engine service.
func NewEvaluationService(cfg EvaluationConfig) *EvaluationService {
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	return &EvaluationService{
		positions:   cfg.Positions,
		events:      cfg.Events,
		execs:       cfg.Execs,
		tenants:     cfg.Tenants,
		breaker:     cfg.Breaker,
		adapter:     cfg.Adapter,
		limiter:     cfg.Limiter,
		notifier:    cfg.Notifier,
		calc:        cfg.Calc,
		logger:      cfg.Logger.With("component", "evaluation"),
		backoff:     cfg.Backoff,
		execTimeout: cfg.ExecTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for tests.
func (s *EvaluationService) WithClock(now func() time.Time) *EvaluationService {
	s.now = now
	return s
}

// HandleTick evaluates every active position on the tick's symbol. Errors on
// individual positions are logged and do not stop the sweep; the next tick
// or the poller will revisit them.
func (s *EvaluationService) HandleTick(ctx context.Context, tick domain.Tick) error {
	positions, err := s.positions.ListActiveBySymbol(ctx, tick.Symbol)
	if err != nil {
		return fmt.Errorf("evaluate tick %s: %w", tick.Symbol, err)
	}

	for _, pos := range positions {
		if err := s.EvaluatePosition(ctx, pos, tick); err != nil {
			s.logger.Error("position evaluation failed",
				"position_id", pos.PositionID,
				"symbol", tick.Symbol,
				"error", err.Error(),
			)
		}
	}
	return nil
}

// EvaluatePosition recomputes one position's trailing stop against the tick
// and triggers execution when the stop is breached.
func (s *EvaluationService) EvaluatePosition(ctx context.Context, pos domain.PositionStopState, tick domain.Tick) error {
	pos, err := s.advanceStop(ctx, pos, tick.Price)
	if err != nil {
		return err
	}
	if pos.Status != domain.PositionActive {
		return nil
	}
	if !pos.StopBreached(tick.Price) {
		return nil
	}
	return s.trigger(ctx, pos, tick)
}

// advanceStop applies the trailing calculation through the store's
// compare-and-set. A lost race reloads the position and recomputes: the
// other writer either advanced the stop further (monotonic either way) or
// took the position out of ACTIVE.
func (s *EvaluationService) advanceStop(ctx context.Context, pos domain.PositionStopState, price decimal.Decimal) (domain.PositionStopState, error) {
	for {
		adj := s.calc.Recompute(pos, price)
		if !adj.Moved() {
			return pos, nil
		}

		err := s.positions.CompareAndSetStop(ctx, pos.PositionID, adj.OldStop, adj.NewStop)
		if err == nil {
			s.logger.Info("stop advanced",
				"position_id", pos.PositionID,
				"symbol", pos.Symbol,
				"old_stop", adj.OldStop.String(),
				"new_stop", adj.NewStop.String(),
				"reason", string(adj.Reason),
				"spans", adj.SpansCrossed,
			)
			pos.CurrentStop = adj.NewStop
			return pos, nil
		}
		if !errors.Is(err, domain.ErrStaleState) {
			return pos, fmt.Errorf("advance stop %s: %w", pos.PositionID, err)
		}

		pos, err = s.positions.GetByID(ctx, pos.PositionID)
		if err != nil {
			return pos, fmt.Errorf("reload position %s: %w", pos.PositionID, err)
		}
		if pos.Status != domain.PositionActive {
			return pos, nil
		}
	}
}

// trigger runs the exactly-once arbitration for a breached stop. The append
// of the TRIGGERED event is the race: exactly one writer gets it in, every
// other concurrent writer observes ErrConflict and backs off.
func (s *EvaluationService) trigger(ctx context.Context, pos domain.PositionStopState, tick domain.Tick) error {
	token := stop.ExecutionToken(pos.PositionID)
	now := s.now()

	ev := domain.StopEvent{
		EventID:        uuid.NewString(),
		PositionID:     pos.PositionID,
		ClientID:       pos.ClientID,
		Symbol:         pos.Symbol,
		Type:           domain.EventTriggered,
		Source:         tick.Source,
		OccurredAt:     tick.OccurredAt,
		ExecutionToken: token,
		TriggerPrice:   tick.Price,
		StopPrice:      pos.CurrentStop,
		Payload: map[string]any{
			"side":     string(pos.Side),
			"quantity": pos.Quantity.String(),
		},
	}

	_, err := s.events.Append(ctx, ev, nil)
	won := err == nil
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("trigger %s: %w", pos.PositionID, err)
	}

	if won {
		s.logger.Info("stop triggered",
			"position_id", pos.PositionID,
			"symbol", pos.Symbol,
			"source", string(tick.Source),
			"trigger_price", tick.Price.String(),
			"stop_price", pos.CurrentStop.String(),
		)
		return s.ownExecution(ctx, pos, tick, token, now)
	}

	// Lost the append race. Normally the winner carries on and there is
	// nothing to do; the exceptions are crash recovery (the winner died
	// before creating the projection row) and a due retry.
	exec, err := s.execs.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return s.ownExecution(ctx, pos, tick, token, now)
	}
	if err != nil {
		return fmt.Errorf("trigger %s: load execution: %w", pos.PositionID, err)
	}
	if !exec.RetryDue(s.now()) {
		return nil
	}
	if err := s.execs.ClaimRetry(ctx, token, exec.RetryCount); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return nil
		}
		return fmt.Errorf("trigger %s: claim retry: %w", pos.PositionID, err)
	}
	return s.executeAttempt(ctx, pos, exec, exec.RetryCount+1, tick.Source)
}

// ownExecution creates the projection row, takes the position out of ACTIVE,
// and runs the first attempt. Every step is idempotent so a crashed
// predecessor's work can be resumed.
func (s *EvaluationService) ownExecution(ctx context.Context, pos domain.PositionStopState, tick domain.Tick, token string, now time.Time) error {
	exec := domain.StopExecution{
		ExecutionID:    uuid.NewString(),
		ExecutionToken: token,
		PositionID:     pos.PositionID,
		ClientID:       pos.ClientID,
		Symbol:         pos.Symbol,
		Status:         domain.ExecutionPending,
		Source:         tick.Source,
		TriggerPrice:   tick.Price,
		StopPrice:      pos.CurrentStop,
		Quantity:       pos.Quantity,
		TriggeredAt:    now,
	}
	if err := s.execs.Create(ctx, exec); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("create execution %s: %w", token, err)
		}
		// Another worker recovered first.
		return nil
	}

	if err := s.positions.TransitionStatus(ctx, pos.PositionID, domain.PositionActive, domain.PositionClosing); err != nil {
		if !errors.Is(err, domain.ErrStaleState) {
			return fmt.Errorf("close position %s: %w", pos.PositionID, err)
		}
	}

	return s.executeAttempt(ctx, pos, exec, 0, tick.Source)
}

// executeAttempt runs one closing attempt against the exchange and records
// the outcome. attempt is zero-based and already claimed by the caller.
func (s *EvaluationService) executeAttempt(ctx context.Context, pos domain.PositionStopState, exec domain.StopExecution, attempt int, source domain.TriggerSource) error {
	if allowed, reason := s.attemptAdmitted(ctx, exec); !allowed {
		return s.recordTransientFailure(ctx, pos, exec, attempt, source, reason, false)
	}

	executing := domain.StopEvent{
		EventID:      uuid.NewString(),
		PositionID:   pos.PositionID,
		ClientID:     pos.ClientID,
		Symbol:       pos.Symbol,
		Type:         domain.EventExecuting,
		Source:       source,
		OccurredAt:   s.now(),
		TriggerPrice: exec.TriggerPrice,
		StopPrice:    exec.StopPrice,
		Payload: map[string]any{
			"execution_token": exec.ExecutionToken,
			"attempt":         attempt,
		},
	}
	if _, err := s.events.Append(ctx, executing, nil); err != nil {
		return fmt.Errorf("append executing %s: %w", exec.ExecutionToken, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	fill, err := s.adapter.ClosePosition(callCtx, domain.CloseRequest{
		PositionID:     pos.PositionID,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Quantity:       exec.Quantity,
		IdempotencyKey: exec.ExecutionToken,
	})
	cancel()

	switch {
	case err == nil:
		return s.recordFill(ctx, pos, exec, source, fill)
	case errors.Is(err, domain.ErrTerminal):
		return s.recordTerminalFailure(ctx, pos, exec, source, err.Error())
	default:
		return s.recordTransientFailure(ctx, pos, exec, attempt, source, err.Error(), true)
	}
}

// attemptAdmitted applies the tenant rate limit and the circuit breaker
// before an exchange call. A denial is handled as a transient failure so the
// attempt lands in the retry schedule instead of being lost.
func (s *EvaluationService) attemptAdmitted(ctx context.Context, exec domain.StopExecution) (bool, string) {
	if s.limiter != nil {
		cfg := s.tenantConfig(ctx, exec.ClientID)
		allowed, err := s.limiter.Allow(ctx, "exec:"+exec.ClientID, cfg.MaxExecutionsPerMinute, time.Minute)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "client_id", exec.ClientID, "error", err.Error())
		} else if !allowed {
			return false, "tenant execution rate limit reached"
		}
	}

	if err := s.breaker.Allow(ctx, exec.ClientID, exec.Symbol); err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			return false, err.Error()
		}
		s.logger.Error("breaker check failed", "client_id", exec.ClientID, "error", err.Error())
	}
	return true, ""
}

func (s *EvaluationService) tenantConfig(ctx context.Context, clientID string) domain.TenantConfig {
	cfg, err := s.tenants.Get(ctx, clientID)
	if err != nil {
		return domain.DefaultTenantConfig(clientID)
	}
	return cfg
}

// recordFill finalizes a successful close. The EXECUTED event and its outbox
// row go in first, in one atomic append: once the exchange has filled, the
// log and the downstream notification must survive any crash. The projection
// and position updates follow; a crash between the two leaves a PENDING
// execution against a terminal log, which replay repairs at restart.
func (s *EvaluationService) recordFill(ctx context.Context, pos domain.PositionStopState, exec domain.StopExecution, source domain.TriggerSource, fill domain.Fill) error {
	now := s.now()
	slippage := domain.Slippage(exec.StopPrice, fill.ExitPrice)

	payload := map[string]any{
		"execution_token": exec.ExecutionToken,
		"exit_price":      fill.ExitPrice.String(),
		"quantity":        fill.Quantity.String(),
		"exchange_ref":    fill.ExchangeRef,
	}
	if slippage != nil {
		payload["slippage_pct"] = slippage.String()
	}
	ev := domain.StopEvent{
		EventID:      uuid.NewString(),
		PositionID:   pos.PositionID,
		ClientID:     pos.ClientID,
		Symbol:       pos.Symbol,
		Type:         domain.EventExecuted,
		Source:       source,
		OccurredAt:   now,
		TriggerPrice: exec.TriggerPrice,
		StopPrice:    exec.StopPrice,
		Terminal:     true,
		Payload:      payload,
	}
	if err := s.appendWithOutbox(ctx, ev, "stop.executed"); err != nil {
		// The fill is real but not durable in the log yet. Park the
		// execution for the sweep: the close call is idempotent, so the
		// retry re-lands the same fill and re-attempts the append.
		s.scheduleRepair(ctx, exec, err)
		return err
	}

	if err := s.execs.MarkFilled(ctx, exec.ExecutionToken, fill.ExitPrice, slippage, fill.ExchangeRef, now); err != nil {
		return fmt.Errorf("mark filled %s: %w", exec.ExecutionToken, err)
	}
	if err := s.positions.MarkClosed(ctx, pos.PositionID, now); err != nil {
		return fmt.Errorf("mark position closed %s: %w", pos.PositionID, err)
	}

	if err := s.breaker.RecordSuccess(ctx, pos.ClientID, pos.Symbol); err != nil {
		s.logger.Error("breaker reset failed", "client_id", pos.ClientID, "error", err.Error())
	}

	s.logger.Info("stop executed",
		"position_id", pos.PositionID,
		"symbol", pos.Symbol,
		"exit_price", fill.ExitPrice.String(),
		"exchange_ref", fill.ExchangeRef,
	)
	s.alert(ctx, "stop_executed", "Stop executed",
		fmt.Sprintf("position %s (%s %s) closed at %s", pos.PositionID, pos.Symbol, pos.Side, fill.ExitPrice))
	return nil
}

// recordTransientFailure schedules a retry, or escalates to a terminal
// failure when the attempt budget is spent. countTowardsBreaker is false for
// local denials (rate limit, open breaker) that never reached the exchange.
func (s *EvaluationService) recordTransientFailure(ctx context.Context, pos domain.PositionStopState, exec domain.StopExecution, attempt int, source domain.TriggerSource, reason string, countTowardsBreaker bool) error {
	if countTowardsBreaker {
		opened, err := s.breaker.RecordFailure(ctx, pos.ClientID, pos.Symbol)
		if err != nil {
			s.logger.Error("breaker record failed", "client_id", pos.ClientID, "error", err.Error())
		} else if opened {
			s.alert(ctx, "breaker_opened", "Circuit breaker opened",
				fmt.Sprintf("%s/%s opened after repeated execution failures", pos.ClientID, pos.Symbol))
		}
	}

	if attempt+1 >= s.backoff.MaxAttempts {
		return s.recordTerminalFailure(ctx, pos, exec, source,
			fmt.Sprintf("retries exhausted after %d attempts: %s", attempt+1, reason))
	}

	nextRetryAt := s.now().Add(s.backoff.Delay(attempt))
	if err := s.execs.ScheduleRetry(ctx, exec.ExecutionToken, reason, nextRetryAt); err != nil {
		return fmt.Errorf("schedule retry %s: %w", exec.ExecutionToken, err)
	}

	ev := domain.StopEvent{
		EventID:      uuid.NewString(),
		PositionID:   pos.PositionID,
		ClientID:     pos.ClientID,
		Symbol:       pos.Symbol,
		Type:         domain.EventFailed,
		Source:       source,
		OccurredAt:   s.now(),
		TriggerPrice: exec.TriggerPrice,
		StopPrice:    exec.StopPrice,
		Payload: map[string]any{
			"execution_token": exec.ExecutionToken,
			"attempt":         attempt,
			"reason":          reason,
			"next_retry_at":   nextRetryAt.Format(time.RFC3339),
		},
	}
	if _, err := s.events.Append(ctx, ev, nil); err != nil {
		return fmt.Errorf("append failed event %s: %w", exec.ExecutionToken, err)
	}

	s.logger.Warn("stop execution failed, retry scheduled",
		"position_id", pos.PositionID,
		"symbol", pos.Symbol,
		"attempt", attempt,
		"next_retry_at", nextRetryAt.Format(time.RFC3339),
		"reason", reason,
	)
	return nil
}

// recordTerminalFailure parks the execution for operator review. The
// position stays CLOSING: it is out of automatic monitoring but visibly not
// closed. The terminal FAILED event and its outbox row are appended before
// the projection is marked, so a crash in between cannot leave a FAILED
// execution with no log entry and no notification.
func (s *EvaluationService) recordTerminalFailure(ctx context.Context, pos domain.PositionStopState, exec domain.StopExecution, source domain.TriggerSource, reason string) error {
	now := s.now()

	ev := domain.StopEvent{
		EventID:      uuid.NewString(),
		PositionID:   pos.PositionID,
		ClientID:     pos.ClientID,
		Symbol:       pos.Symbol,
		Type:         domain.EventFailed,
		Source:       source,
		OccurredAt:   now,
		TriggerPrice: exec.TriggerPrice,
		StopPrice:    exec.StopPrice,
		Terminal:     true,
		Payload: map[string]any{
			"execution_token": exec.ExecutionToken,
			"reason":          reason,
		},
	}
	if err := s.appendWithOutbox(ctx, ev, "stop.failed"); err != nil {
		s.scheduleRepair(ctx, exec, err)
		return err
	}

	if err := s.execs.MarkFailed(ctx, exec.ExecutionToken, reason, now); err != nil {
		return fmt.Errorf("mark failed %s: %w", exec.ExecutionToken, err)
	}

	if _, err := s.breaker.RecordFailure(ctx, pos.ClientID, pos.Symbol); err != nil {
		s.logger.Error("breaker record failed", "client_id", pos.ClientID, "error", err.Error())
	}

	s.logger.Error("stop execution failed terminally",
		"position_id", pos.PositionID,
		"symbol", pos.Symbol,
		"reason", reason,
	)
	s.alert(ctx, "stop_failed_terminal", "Stop execution failed",
		fmt.Sprintf("position %s (%s) requires manual intervention: %s", pos.PositionID, pos.Symbol, reason))
	return nil
}

// scheduleRepair keeps a terminal outcome whose log append failed inside the
// retry schedule, so the sweep re-drives the attempt instead of stranding a
// PENDING execution forever. Best effort: the original append error is what
// the caller reports.
func (s *EvaluationService) scheduleRepair(ctx context.Context, exec domain.StopExecution, cause error) {
	at := s.now().Add(s.backoff.Base)
	if err := s.execs.ScheduleRetry(ctx, exec.ExecutionToken, cause.Error(), at); err != nil {
		s.logger.Error("schedule repair failed",
			"execution_token", exec.ExecutionToken,
			"error", err.Error(),
		)
	}
}

// appendWithOutbox writes a terminal lifecycle event together with its
// outbox row in one atomic append.
func (s *EvaluationService) appendWithOutbox(ctx context.Context, ev domain.StopEvent, routingKey string) error {
	msg, err := NewOutboxMessage(ev, routingKey)
	if err != nil {
		return err
	}
	if _, err := s.events.Append(ctx, ev, &msg); err != nil {
		return fmt.Errorf("append %s event %s: %w", ev.Type, ev.PositionID, err)
	}
	return nil
}

func (s *EvaluationService) alert(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.Error("notify failed", "event", event, "error", err.Error())
	}
}

// RunRetrySweep periodically retries pending executions whose backoff has
// elapsed. Multiple instances can run it concurrently; ClaimRetry arbitrates.
func (s *EvaluationService) RunRetrySweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepRetries(ctx); err != nil {
				s.logger.Error("retry sweep failed", "error", err.Error())
			}
		}
	}
}

// SweepRetries runs one pass over due retries.
func (s *EvaluationService) SweepRetries(ctx context.Context) error {
	due, err := s.execs.ListDueRetries(ctx, s.now(), 100)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}

	for _, exec := range due {
		pos, err := s.positions.GetByID(ctx, exec.PositionID)
		if err != nil {
			s.logger.Error("retry sweep: load position", "position_id", exec.PositionID, "error", err.Error())
			continue
		}
		if err := s.execs.ClaimRetry(ctx, exec.ExecutionToken, exec.RetryCount); err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				continue
			}
			return fmt.Errorf("claim retry %s: %w", exec.ExecutionToken, err)
		}
		if err := s.executeAttempt(ctx, pos, exec, exec.RetryCount+1, exec.Source); err != nil {
			s.logger.Error("retry attempt failed", "position_id", exec.PositionID, "error", err.Error())
		}
	}
	return nil
}
