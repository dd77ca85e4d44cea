package memory

import (
	"context"
	"sort"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

func (s *Store) tenantRecipients(tenant domain.TenantID) []domain.Recipient {
	history := s.history(tenant)
	out := make([]domain.Recipient, 0)
	for _, r := range s.recipients {
		if r.TenantID == tenant {
			r.Engagement = domain.SummarizeEngagement(history[r.ID])
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// history groups the tenant's delivery records by recipient. Caller holds
// the lock.
func (s *Store) history(tenant domain.TenantID) map[string][]domain.DeliveryRecord {
	out := make(map[string][]domain.DeliveryRecord)
	for _, rec := range s.records {
		if rec.TenantID == tenant {
			out[rec.RecipientID] = append(out[rec.RecipientID], *rec)
		}
	}
	return out
}

func (s *Store) CountRecipients(_ context.Context, tenant domain.TenantID, q *segmentation.Compiled) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return q.Count(s.tenantRecipients(tenant)), nil
}

func (s *Store) FindRecipients(_ context.Context, tenant domain.TenantID, q *segmentation.Compiled, page segmentation.Page) ([]domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Recipient
	for _, r := range s.tenantRecipients(tenant) {
		if r.ID <= page.AfterID || !q.Match(&r) {
			continue
		}
		out = append(out, r)
		if page.Limit > 0 && len(out) == page.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetRecipients(_ context.Context, tenant domain.TenantID, ids []string) ([]domain.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.history(tenant)
	out := make([]domain.Recipient, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.recipients[key(tenant, id)]; ok {
			r.Engagement = domain.SummarizeEngagement(history[r.ID])
			out = append(out, r)
		}
	}
	return out, nil
}

// SetUnsubscribed flags every recipient of tenant with the given email.
func (s *Store) SetUnsubscribed(_ context.Context, tenant domain.TenantID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.recipients {
		if r.TenantID == tenant && equalFoldEmail(r.Email, email) {
			r.Unsubscribed = true
			s.recipients[k] = r
		}
	}
	return nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (*domain.ContentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ref, nil
}
