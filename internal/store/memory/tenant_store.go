package memory

import (
	"context"
	"sync"

	"github.com/avdcosta/stopguard/internal/domain"
)

// TenantConfigStore is an in-memory domain.TenantConfigStore seeded by tests
// or by static configuration in dry-run mode.
type TenantConfigStore struct {
	mu   sync.RWMutex
	rows map[string]domain.TenantConfig
}

var _ domain.TenantConfigStore = (*TenantConfigStore)(nil)

func NewTenantConfigStore() *TenantConfigStore {
	return &TenantConfigStore{rows: make(map[string]domain.TenantConfig)}
}

// Put seeds or replaces a tenant's configuration.
func (s *TenantConfigStore) Put(cfg domain.TenantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[cfg.ClientID] = cfg
}

func (s *TenantConfigStore) Get(ctx context.Context, clientID string) (domain.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.rows[clientID]
	if !ok {
		return domain.TenantConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}
