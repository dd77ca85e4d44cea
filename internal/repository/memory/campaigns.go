package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

func (s *Store) GetCampaign(_ context.Context, tenant domain.TenantID, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[key(tenant, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCampaigns(_ context.Context, tenant domain.TenantID, status domain.CampaignStatus, limit, offset int) ([]domain.Campaign, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.Campaign
	for _, c := range s.campaigns {
		if c.TenantID == tenant && (status == "" || c.Status == status) {
			all = append(all, *c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *Store) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(c.TenantID, c.ID)
	if _, ok := s.campaigns[k]; ok {
		return domain.ErrConflict
	}
	cp := *c
	s.campaigns[k] = &cp
	return nil
}

// TransitionCampaign moves a campaign from `from` to `to`, stamping at:
// scheduled sets ScheduledAt, sending sets StartedAt once, completed and
// cancelled set CompletedAt, draft clears ScheduledAt. It returns
// domain.ErrConflict when the campaign is no longer in `from`.
func (s *Store) TransitionCampaign(_ context.Context, tenant domain.TenantID, id string, from, to domain.CampaignStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != from {
		return domain.ErrConflict
	}
	c.Status = to
	switch to {
	case domain.CampaignScheduled:
		c.ScheduledAt = &at
	case domain.CampaignDraft:
		c.ScheduledAt = nil
	case domain.CampaignSending:
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
	case domain.CampaignCompleted, domain.CampaignCancelled:
		c.CompletedAt = &at
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) AddCampaignProgress(_ context.Context, tenant domain.TenantID, id string, total, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	c.TotalRecipients += total
	c.SentCount += sent
	c.FailedCount += failed
	return nil
}

func (s *Store) IncrementCampaignCounter(_ context.Context, tenant domain.TenantID, id string, counter domain.CampaignCounter, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	c.Apply(counter, n)
	return nil
}

// ListDueCampaigns returns scheduled campaigns of every tenant whose
// ScheduledAt is at or before now.
func (s *Store) ListDueCampaigns(_ context.Context, now time.Time) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

func (s *Store) GetSegment(_ context.Context, tenant domain.TenantID, id string) (*domain.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[key(tenant, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &seg, nil
}
