package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

func equalFoldEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (s *Store) CreateRecord(_ context.Context, rec *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.TenantID, rec.ID)
	if _, ok := s.records[k]; ok {
		return domain.ErrConflict
	}
	cp := *rec
	s.records[k] = &cp
	return nil
}

func (s *Store) CountRecordsByStatus(_ context.Context, tenant domain.TenantID, providerID string) (map[domain.DeliveryStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.DeliveryStatus]int)
	for _, r := range s.records {
		if r.TenantID == tenant && r.ProviderID == providerID {
			out[r.Status]++
		}
	}
	return out, nil
}

func (s *Store) ProviderEngagement(_ context.Context, tenant domain.TenantID, since time.Time) ([]domain.ProviderEngagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := make(map[string]*domain.ProviderEngagement)
	for _, r := range s.records {
		if r.TenantID != tenant || r.ProviderID == "" || r.QueuedAt.Before(since) {
			continue
		}
		pe, ok := byID[r.ProviderID]
		if !ok {
			pe = &domain.ProviderEngagement{ProviderID: r.ProviderID, ProviderType: r.ProviderType}
			byID[r.ProviderID] = pe
		}
		count := func(n *int, at *time.Time) {
			if at != nil {
				*n++
			}
		}
		count(&pe.Sent, r.SentAt)
		count(&pe.Delivered, r.DeliveredAt)
		count(&pe.Opened, r.OpenedAt)
		count(&pe.Clicked, r.ClickedAt)
		count(&pe.Bounced, r.BouncedAt)
		count(&pe.Failed, r.FailedAt)
	}
	out := make([]domain.ProviderEngagement, 0, len(byID))
	for _, pe := range byID {
		out = append(out, *pe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *Store) FindRecordByMessageID(_ context.Context, tenant domain.TenantID, messageID string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.TenantID == tenant && messageID != "" && r.ProviderMessageID == messageID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

// FindLatestOpenRecord returns the most recently queued non-terminal record
// sent to email.
func (s *Store) FindLatestOpenRecord(_ context.Context, tenant domain.TenantID, email string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.DeliveryRecord
	for _, r := range s.records {
		if r.TenantID != tenant || !equalFoldEmail(r.Email, email) || r.Status.IsTerminal() {
			continue
		}
		if best == nil || r.QueuedAt.After(best.QueuedAt) || (r.QueuedAt.Equal(best.QueuedAt) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// UpdateRecord runs fn on the record under the store lock. An error from fn
// leaves the record unchanged.
func (s *Store) UpdateRecord(_ context.Context, tenant domain.TenantID, id string, fn func(*domain.DeliveryRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key(tenant, id)]
	if !ok {
		return domain.ErrNotFound
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return err
	}
	*r = cp
	return nil
}

// Records returns the tenant's records ordered by ID.
func (s *Store) Records(tenant domain.TenantID) []domain.DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeliveryRecord
	for _, r := range s.records {
		if r.TenantID == tenant {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordedRecipients returns the IDs of recipients that already have a
// record for the campaign.
func (s *Store) RecordedRecipients(_ context.Context, tenant domain.TenantID, campaignID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, r := range s.records {
		if r.TenantID == tenant && r.CampaignID == campaignID && r.RecipientID != "" {
			out[r.RecipientID] = struct{}{}
		}
	}
	return out, nil
}
