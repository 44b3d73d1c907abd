package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TenantConfig is the per-client risk configuration, owned by an external
// collaborator and consumed read-only here. It parameterizes the circuit
// breaker and gates the opening of new positions. It never blocks a stop
// execution that has already triggered.
type TenantConfig struct {
	ClientID               string
	TradingEnabled         bool
	MaxConsecutiveFailures int
	CooldownSeconds        int
	MaxExecutionsPerMinute int
	MaxSlippagePct         decimal.Decimal
	MaxMonthlyDrawdownPct  decimal.Decimal
	UpdatedAt              time.Time
}

// Cooldown returns the breaker cooldown as a duration.
func (t TenantConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownSeconds) * time.Second
}

// Validate rejects out-of-range values at the boundary so the evaluation
// path never has to re-check them.
func (t TenantConfig) Validate() error {
	if t.ClientID == "" {
		return fmt.Errorf("tenant config: client_id is required")
	}
	if t.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("tenant config %s: max_consecutive_failures must be positive", t.ClientID)
	}
	if t.CooldownSeconds <= 0 {
		return fmt.Errorf("tenant config %s: cooldown_seconds must be positive", t.ClientID)
	}
	if t.MaxExecutionsPerMinute <= 0 {
		return fmt.Errorf("tenant config %s: max_executions_per_minute must be positive", t.ClientID)
	}
	if t.MaxSlippagePct.Sign() < 0 {
		return fmt.Errorf("tenant config %s: max_slippage_pct must not be negative", t.ClientID)
	}
	return nil
}

// DefaultTenantConfig returns the guardrails applied when a client has no
// explicit configuration.
func DefaultTenantConfig(clientID string) TenantConfig {
	return TenantConfig{
		ClientID:               clientID,
		TradingEnabled:         true,
		MaxConsecutiveFailures: 3,
		CooldownSeconds:        300,
		MaxExecutionsPerMinute: 10,
		MaxSlippagePct:         decimal.NewFromInt(5),
		MaxMonthlyDrawdownPct:  decimal.NewFromInt(10),
	}
}
