package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdcosta/stopguard/internal/domain"
)

// TenantConfigStore implements domain.TenantConfigStore using PostgreSQL.
// The table is written by an external risk-management service; this store
// only reads it.
type TenantConfigStore struct {
	pool *pgxpool.Pool
}

var _ domain.TenantConfigStore = (*TenantConfigStore)(nil)

// NewTenantConfigStore creates a TenantConfigStore backed by the given pool.
func NewTenantConfigStore(pool *pgxpool.Pool) *TenantConfigStore {
	return &TenantConfigStore{pool: pool}
}

// Get returns the tenant's risk configuration or domain.ErrNotFound.
func (s *TenantConfigStore) Get(ctx context.Context, clientID string) (domain.TenantConfig, error) {
	const query = `
		SELECT client_id, trading_enabled, max_consecutive_failures,
			cooldown_seconds, max_executions_per_minute,
			max_slippage_pct, max_monthly_drawdown_pct, updated_at
		FROM tenant_config WHERE client_id = $1`

	var cfg domain.TenantConfig
	err := s.pool.QueryRow(ctx, query, clientID).Scan(
		&cfg.ClientID, &cfg.TradingEnabled, &cfg.MaxConsecutiveFailures,
		&cfg.CooldownSeconds, &cfg.MaxExecutionsPerMinute,
		&cfg.MaxSlippagePct, &cfg.MaxMonthlyDrawdownPct, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TenantConfig{}, domain.ErrNotFound
		}
		return domain.TenantConfig{}, fmt.Errorf("postgres: get tenant config %s: %w", clientID, err)
	}
	return cfg, nil
}
