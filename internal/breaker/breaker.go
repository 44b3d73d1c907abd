// Package breaker implements the per-(client, symbol) execution circuit
// breaker over durable store state.
//
// State machine: CLOSED -> OPEN after N consecutive failures, OPEN ->
// HALF_OPEN once the cooldown elapses, HALF_OPEN -> CLOSED on a successful
// trial and back to OPEN on a failed one. Each re-open doubles the cooldown
// up to a cap. All transitions go through the store's generation-fenced
// upsert, so two engine instances (or the two trigger paths) cannot lose
// updates; a lost race is retried against the fresh row.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// maxCooldown caps the exponential cooldown growth.
const maxCooldown = time.Hour

// casAttempts bounds retries of generation-fenced writes.
const casAttempts = 3

// trialTimeout bounds a half-open trial. If the claimer records no outcome
// within this window (it crashed mid-attempt), the next caller may claim a
// replacement trial.
const trialTimeout = 30 * time.Second

// Service arbitrates execution attempts per (client, symbol).
type Service struct {
	store   domain.BreakerStore
	tenants domain.TenantConfigStore
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a breaker Service.
func New(store domain.BreakerStore, tenants domain.TenantConfigStore, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		tenants: tenants,
		logger:  logger.With("component", "breaker"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) tenantConfig(ctx context.Context, clientID string) domain.TenantConfig {
	cfg, err := s.tenants.Get(ctx, clientID)
	if err != nil {
		return domain.DefaultTenantConfig(clientID)
	}
	return cfg
}

// Allow reports whether an execution attempt for (clientID, symbol) may call
// the exchange right now. It returns domain.ErrCircuitOpen while the breaker
// is open and inside its cooldown. After the cooldown exactly one caller
// claims the HALF_OPEN trial through the generation-fenced upsert; everyone
// else keeps getting ErrCircuitOpen until the trial's outcome is recorded or
// its deadline passes. While HALF_OPEN, CooldownUntil holds that deadline.
func (s *Service) Allow(ctx context.Context, clientID, symbol string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		status, err := s.store.Get(ctx, clientID, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// No row yet means the breaker has never tripped.
				return nil
			}
			return fmt.Errorf("breaker: allow %s/%s: %w", clientID, symbol, err)
		}

		now := s.now()
		switch status.State {
		case domain.BreakerClosed:
			return nil
		case domain.BreakerHalfOpen:
			if status.CooldownUntil != nil && now.Before(*status.CooldownUntil) {
				return fmt.Errorf("breaker: %s/%s half-open trial in flight: %w",
					clientID, symbol, domain.ErrCircuitOpen)
			}
			// The claimer never recorded an outcome; claim a
			// replacement trial.
			if err := s.claimTrial(ctx, status, now); err != nil {
				if errors.Is(err, domain.ErrStaleState) {
					continue
				}
				return err
			}
			s.logger.Warn("breaker trial reclaimed", "client_id", clientID, "symbol", symbol)
			return nil
		case domain.BreakerOpen:
			if !status.AttemptAllowed(now) {
				return fmt.Errorf("breaker: %s/%s cooling down until %s: %w",
					clientID, symbol, status.CooldownUntil.Format(time.RFC3339), domain.ErrCircuitOpen)
			}
			// Cooldown elapsed; claim the half-open trial.
			status.State = domain.BreakerHalfOpen
			if err := s.claimTrial(ctx, status, now); err != nil {
				if errors.Is(err, domain.ErrStaleState) {
					continue
				}
				return err
			}
			s.logger.Info("breaker half-open", "client_id", clientID, "symbol", symbol)
			return nil
		default:
			return fmt.Errorf("breaker: %s/%s in unknown state %q", clientID, symbol, status.State)
		}
	}
	return fmt.Errorf("breaker: allow %s/%s: %w", clientID, symbol, domain.ErrStaleState)
}

// claimTrial stamps the trial deadline and writes the HALF_OPEN row. The
// fenced upsert makes the claim exclusive: a losing writer sees ErrStaleState.
func (s *Service) claimTrial(ctx context.Context, status domain.BreakerStatus, now time.Time) error {
	deadline := now.Add(trialTimeout)
	status.CooldownUntil = &deadline
	if err := s.store.Upsert(ctx, status); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return err
		}
		return fmt.Errorf("breaker: half-open %s/%s: %w", status.ClientID, status.Symbol, err)
	}
	return nil
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (s *Service) RecordSuccess(ctx context.Context, clientID, symbol string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		status, err := s.store.Get(ctx, clientID, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("breaker: record success %s/%s: %w", clientID, symbol, err)
		}
		if status.State == domain.BreakerClosed && status.ConsecutiveFailures == 0 {
			return nil
		}

		wasHalfOpen := status.State == domain.BreakerHalfOpen
		status.State = domain.BreakerClosed
		status.ConsecutiveFailures = 0
		status.OpenedAt = nil
		status.CooldownUntil = nil
		status.Cooldown = 0

		if err := s.store.Upsert(ctx, status); err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				continue
			}
			return fmt.Errorf("breaker: record success %s/%s: %w", clientID, symbol, err)
		}
		if wasHalfOpen {
			s.logger.Info("breaker closed", "client_id", clientID, "symbol", symbol)
		}
		return nil
	}
	return fmt.Errorf("breaker: record success %s/%s: %w", clientID, symbol, domain.ErrStaleState)
}

// RecordFailure counts a failed execution attempt. The breaker opens when
// the tenant's consecutive-failure threshold is reached, and re-opens with a
// doubled cooldown when a half-open trial fails.
//
// Opened reports whether this failure tripped the breaker, so the caller can
// alert exactly once per opening.
func (s *Service) RecordFailure(ctx context.Context, clientID, symbol string) (opened bool, err error) {
	cfg := s.tenantConfig(ctx, clientID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		status, err := s.store.Get(ctx, clientID, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				status = domain.BreakerStatus{
					ClientID: clientID,
					Symbol:   symbol,
					State:    domain.BreakerClosed,
				}
			} else {
				return false, fmt.Errorf("breaker: record failure %s/%s: %w", clientID, symbol, err)
			}
		}

		now := s.now()
		opened = false

		switch status.State {
		case domain.BreakerHalfOpen:
			// Failed trial: re-open with doubled cooldown.
			status.State = domain.BreakerOpen
			status.Cooldown = nextCooldown(status.Cooldown, cfg.Cooldown())
			opened = true
		default:
			status.ConsecutiveFailures++
			if status.State == domain.BreakerClosed && status.ConsecutiveFailures >= cfg.MaxConsecutiveFailures {
				status.State = domain.BreakerOpen
				status.Cooldown = cfg.Cooldown()
				opened = true
			}
		}

		if opened {
			openedAt := now
			until := now.Add(status.Cooldown)
			status.OpenedAt = &openedAt
			status.CooldownUntil = &until
		}

		if err := s.store.Upsert(ctx, status); err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				continue
			}
			return false, fmt.Errorf("breaker: record failure %s/%s: %w", clientID, symbol, err)
		}
		if opened {
			s.logger.Warn("breaker opened",
				"client_id", clientID,
				"symbol", symbol,
				"consecutive_failures", status.ConsecutiveFailures,
				"cooldown", status.Cooldown.String(),
			)
		}
		return opened, nil
	}
	return false, fmt.Errorf("breaker: record failure %s/%s: %w", clientID, symbol, domain.ErrStaleState)
}

// List returns all breaker rows for the read model.
func (s *Service) List(ctx context.Context) ([]domain.BreakerStatus, error) {
	return s.store.List(ctx)
}

// nextCooldown doubles the previous cooldown, seeded with the tenant's base
// and capped at maxCooldown.
func nextCooldown(previous, base time.Duration) time.Duration {
	if previous <= 0 {
		return base
	}
	next := previous * 2
	if next > maxCooldown {
		return maxCooldown
	}
	return next
}
