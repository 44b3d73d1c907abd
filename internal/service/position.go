package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/avdcosta/stopguard/internal/domain"
)

// PositionService manages the lifecycle of monitored positions: admission,
// the read model, and manual invalidation.
type PositionService struct {
	positions domain.PositionStore
	events    domain.EventStore
	execs     domain.ExecutionStore
	tenants   domain.TenantConfigStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewPositionService creates a PositionService.
func NewPositionService(
	positions domain.PositionStore,
	events domain.EventStore,
	execs domain.ExecutionStore,
	tenants domain.TenantConfigStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		events:    events,
		execs:     execs,
		tenants:   tenants,
		logger:    logger.With("component", "positions"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for tests.
func (s *PositionService) WithClock(now func() time.Time) *PositionService {
	s.now = now
	return s
}

// OpenRequest is the admission payload for a new monitored position.
type OpenRequest struct {
	PositionID  string
	ClientID    string
	Symbol      string
	Side        domain.Side
	EntryPrice  decimal.Decimal
	InitialStop decimal.Decimal
	Quantity    decimal.Decimal
}

func (r OpenRequest) validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != domain.SideLong && r.Side != domain.SideShort {
		return fmt.Errorf("side must be LONG or SHORT")
	}
	if r.EntryPrice.Sign() <= 0 {
		return fmt.Errorf("entry_price must be positive")
	}
	if r.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if r.InitialStop.Equal(r.EntryPrice) {
		return fmt.Errorf("initial_stop must differ from entry_price")
	}
	if r.Side == domain.SideLong && r.InitialStop.GreaterThan(r.EntryPrice) {
		return fmt.Errorf("initial_stop must be below entry_price for LONG")
	}
	if r.Side == domain.SideShort && r.InitialStop.LessThan(r.EntryPrice) {
		return fmt.Errorf("initial_stop must be above entry_price for SHORT")
	}
	return nil
}

// Open admits a position into monitoring. The tenant kill switch blocks new
// positions only: already-monitored positions keep their protection.
func (s *PositionService) Open(ctx context.Context, req OpenRequest) (domain.PositionStopState, error) {
	if err := req.validate(); err != nil {
		return domain.PositionStopState{}, fmt.Errorf("open position: %w", err)
	}

	cfg, err := s.tenants.Get(ctx, req.ClientID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.PositionStopState{}, fmt.Errorf("open position: tenant config: %w", err)
	}
	if err == nil && !cfg.TradingEnabled {
		return domain.PositionStopState{}, fmt.Errorf("open position for %s: %w", req.ClientID, domain.ErrTradingDisabled)
	}

	pos := domain.PositionStopState{
		PositionID:  req.PositionID,
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		EntryPrice:  req.EntryPrice,
		InitialStop: req.InitialStop,
		CurrentStop: req.InitialStop,
		Quantity:    req.Quantity,
		Status:      domain.PositionActive,
		OpenedAt:    s.now(),
	}
	if pos.PositionID == "" {
		pos.PositionID = uuid.NewString()
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.PositionStopState{}, fmt.Errorf("open position %s: %w", pos.PositionID, err)
	}

	s.logger.Info("position admitted",
		"position_id", pos.PositionID,
		"client_id", pos.ClientID,
		"symbol", pos.Symbol,
		"side", string(pos.Side),
		"entry_price", pos.EntryPrice.String(),
		"initial_stop", pos.InitialStop.String(),
	)
	return pos, nil
}

// StatusView is the per-position read model: current stop state plus the
// latest event and, when triggered, the execution projection. A position
// whose latest attempt failed retryably stays CLOSING while the backoff
// runs; it never returns to ACTIVE once a trigger has won, and the pending
// execution's NextRetryAt shows when the next attempt is due.
type StatusView struct {
	Position  domain.PositionStopState
	LastEvent *domain.StopEvent
	Execution *domain.StopExecution
}

// Status assembles the read model for one position.
func (s *PositionService) Status(ctx context.Context, positionID string) (StatusView, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return StatusView{}, fmt.Errorf("position status %s: %w", positionID, err)
	}
	view := StatusView{Position: pos}

	last, err := s.events.LastByPosition(ctx, positionID)
	if err == nil {
		view.LastEvent = &last
	} else if !errors.Is(err, domain.ErrNotFound) {
		return StatusView{}, fmt.Errorf("position status %s: %w", positionID, err)
	}

	exec, err := s.execs.GetByPosition(ctx, positionID)
	if err == nil {
		view.Execution = &exec
	} else if !errors.Is(err, domain.ErrNotFound) {
		return StatusView{}, fmt.Errorf("position status %s: %w", positionID, err)
	}

	return view, nil
}

// ListActive returns all positions under monitoring.
func (s *PositionService) ListActive(ctx context.Context) ([]domain.PositionStopState, error) {
	return s.positions.ListActive(ctx)
}

// Events returns a position's full event history in log order.
func (s *PositionService) Events(ctx context.Context, positionID string) ([]domain.StopEvent, error) {
	return s.events.ListByPosition(ctx, positionID)
}

// Invalidate removes an active position from monitoring without executing
// it: the position was closed externally or the stop is no longer wanted. It
// races fairly against the trigger paths; once a trigger has won the
// position is no longer ACTIVE and invalidation fails with ErrConflict.
func (s *PositionService) Invalidate(ctx context.Context, positionID, reason string) error {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", positionID, err)
	}

	if err := s.positions.TransitionStatus(ctx, positionID, domain.PositionActive, domain.PositionClosing); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return fmt.Errorf("invalidate %s: position no longer active: %w", positionID, domain.ErrConflict)
		}
		return fmt.Errorf("invalidate %s: %w", positionID, err)
	}

	now := s.now()
	ev := domain.StopEvent{
		EventID:      uuid.NewString(),
		PositionID:   pos.PositionID,
		ClientID:     pos.ClientID,
		Symbol:       pos.Symbol,
		Type:         domain.EventInvalidated,
		Source:       domain.SourceManual,
		OccurredAt:   now,
		TriggerPrice: decimal.Zero,
		StopPrice:    pos.CurrentStop,
		Terminal:     true,
		Payload:      map[string]any{"reason": reason},
	}
	msg, err := NewOutboxMessage(ev, "stop.invalidated")
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", positionID, err)
	}
	if _, err := s.events.Append(ctx, ev, &msg); err != nil {
		return fmt.Errorf("invalidate %s: %w", positionID, err)
	}

	if err := s.positions.MarkClosed(ctx, positionID, now); err != nil {
		return fmt.Errorf("invalidate %s: %w", positionID, err)
	}

	s.logger.Info("position invalidated", "position_id", positionID, "reason", reason)
	return nil
}
