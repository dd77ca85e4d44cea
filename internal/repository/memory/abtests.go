package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

func copyTest(t *domain.ABTest) *domain.ABTest {
	cp := *t
	cp.Variants = append([]domain.Variant(nil), t.Variants...)
	return &cp
}

func (s *Store) GetTest(_ context.Context, tenant domain.TenantID, id string) (*domain.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[key(tenant, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyTest(t), nil
}

func (s *Store) ListRunningTests(_ context.Context) ([]domain.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ABTest
	for _, t := range s.tests {
		if t.Status == domain.ABTestRunning {
			out = append(out, *copyTest(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StartTest moves a draft test to running. A running test is left as is;
// a completed one returns domain.ErrConflict.
func (s *Store) StartTest(_ context.Context, tenant domain.TenantID, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	switch t.Status {
	case domain.ABTestRunning:
		return nil
	case domain.ABTestCompleted:
		return domain.ErrConflict
	}
	t.Status = domain.ABTestRunning
	t.StartedAt = &now
	return nil
}

func (s *Store) DeclareWinner(_ context.Context, tenant domain.TenantID, id, winner string, significant bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.ABTestRunning {
		return domain.ErrConflict
	}
	t.Status = domain.ABTestCompleted
	t.Winner = winner
	t.IsSignificant = significant
	t.CompletedAt = &now
	return nil
}

func (s *Store) IncrementVariant(_ context.Context, tenant domain.TenantID, id, variant string, metric domain.VariantMetric, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range t.Variants {
		if t.Variants[i].Name == variant {
			t.Variants[i].Add(metric, n)
			return nil
		}
	}
	return domain.ErrNotFound
}
