package memory

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

func (s *Store) ListProviders(_ context.Context, tenant domain.TenantID, ids []string) ([]domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Provider
	if len(ids) == 0 {
		for _, p := range s.providers {
			if p.TenantID == tenant {
				out = append(out, p)
			}
		}
		return out, nil
	}
	for _, id := range ids {
		if p, ok := s.providers[key(tenant, id)]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) GetProvider(_ context.Context, tenant domain.TenantID, id string) (*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[key(tenant, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// updateProvider changes health fields only; UpdatedAt tracks configuration
// and is left alone.
func (s *Store) updateProvider(tenant domain.TenantID, id string, fn func(*domain.Provider)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenant, id)
	p, ok := s.providers[k]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&p)
	s.providers[k] = p
	return nil
}

func (s *Store) RecordProviderSuccess(_ context.Context, tenant domain.TenantID, id string, at time.Time) error {
	return s.updateProvider(tenant, id, func(p *domain.Provider) {
		p.LastError = ""
		p.LastSentAt = &at
	})
}

func (s *Store) RecordProviderFailure(_ context.Context, tenant domain.TenantID, id, msg string) error {
	return s.updateProvider(tenant, id, func(p *domain.Provider) { p.LastError = msg })
}

func (s *Store) SetProviderVerified(_ context.Context, tenant domain.TenantID, id string, verified bool, lastError string) error {
	return s.updateProvider(tenant, id, func(p *domain.Provider) {
		p.Verified = verified
		p.LastError = lastError
	})
}
