package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

func (s *Store) GetDrip(_ context.Context, tenant domain.TenantID, id string) (*domain.DripDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drips[key(tenant, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) UpdateDripStatus(_ context.Context, tenant domain.TenantID, id string, status domain.DripStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drips[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, tenant domain.TenantID, id string) (*domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[key(tenant, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) EnrollmentsFor(_ context.Context, tenant domain.TenantID, dripID, recipientID string) ([]domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if e.TenantID == tenant && e.DripID == dripID && e.RecipientID == recipientID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrolledAt.Before(out[j].EnrolledAt) })
	return out, nil
}

func (s *Store) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(e.TenantID, e.ID)
	if _, ok := s.enrollments[k]; ok {
		return domain.ErrConflict
	}
	if !e.State.IsTerminal() {
		for _, other := range s.enrollments {
			if other.TenantID == e.TenantID && other.DripID == e.DripID &&
				other.RecipientID == e.RecipientID && !other.State.IsTerminal() {
				return fmt.Errorf("live enrollment %s: %w", other.ID, domain.ErrConflict)
			}
		}
	}
	e.Version = 1
	cp := *e
	s.enrollments[k] = &cp
	return nil
}

func (s *Store) CountEnrollmentsByState(_ context.Context, tenant domain.TenantID, dripID string) (map[domain.EnrollmentState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.EnrollmentState]int)
	for _, e := range s.enrollments {
		if e.TenantID == tenant && e.DripID == dripID {
			out[e.State]++
		}
	}
	return out, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if e.State != domain.EnrollmentActive || e.NextSendAt.After(now) {
			continue
		}
		if e.ClaimedUntil != nil && e.ClaimedUntil.After(now) {
			continue
		}
		d, ok := s.drips[key(e.TenantID, e.DripID)]
		if !ok || d.Status != domain.DripActive {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextSendAt.Equal(out[j].NextSendAt) {
			return out[i].NextSendAt.Before(out[j].NextSendAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimEnrollment(_ context.Context, e *domain.Enrollment, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.enrollments[key(e.TenantID, e.ID)]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != e.Version {
		return domain.ErrConflict
	}
	cur.ClaimedUntil = &until
	cur.Version++
	*e = *cur
	return nil
}

func (s *Store) SaveEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(e.TenantID, e.ID)
	cur, ok := s.enrollments[k]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != e.Version {
		return domain.ErrConflict
	}
	e.Version++
	cp := *e
	s.enrollments[k] = &cp
	return nil
}
