package campaign

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ErrNothingToCompare is returned by Compare without campaign IDs.
var ErrNothingToCompare = errors.New("no campaigns to compare")

// Overview is one campaign's delivery funnel.
type Overview struct {
	CampaignID   string                `json:"campaign_id"`
	Name         string                `json:"name"`
	Status       domain.CampaignStatus `json:"status"`
	Recipients   int                   `json:"total_recipients"`
	Sent         int                   `json:"sent"`
	Failed       int                   `json:"failed"`
	Delivered    int                   `json:"delivered"`
	Opened       int                   `json:"opened"`
	Clicked      int                   `json:"clicked"`
	Bounced      int                   `json:"bounced"`
	Spam         int                   `json:"spam"`
	Unsubscribed int                   `json:"unsubscribed"`
	Rates        domain.Rates          `json:"rates"`
}

func overviewOf(c *domain.Campaign) Overview {
	return Overview{
		CampaignID:   c.ID,
		Name:         c.Name,
		Status:       c.Status,
		Recipients:   c.TotalRecipients,
		Sent:         c.SentCount,
		Failed:       c.FailedCount,
		Delivered:    c.DeliveredCount,
		Opened:       c.OpenedCount,
		Clicked:      c.ClickedCount,
		Bounced:      c.BouncedCount,
		Spam:         c.SpamCount,
		Unsubscribed: c.UnsubscribedCount,
		Rates:        c.Rates(),
	}
}

// Overview reads the campaign's counters and derives its rates.
func (s *Service) Overview(ctx context.Context, tenant domain.TenantID, id string) (*Overview, error) {
	c, err := s.repo.GetCampaign(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	o := overviewOf(c)
	return &o, nil
}

// Comparison lines campaigns up side by side. Average is the mean of each
// campaign's rates, not the rate of the pooled counts. Best names the
// campaign with the highest open and click rate; ties keep the earlier one.
type Comparison struct {
	Campaigns []Overview   `json:"campaigns"`
	Average   domain.Rates `json:"average"`
	BestOpen  string       `json:"best_open_rate,omitempty"`
	BestClick string       `json:"best_click_rate,omitempty"`
}

// Compare loads every campaign in ids, in order. An unknown ID fails the
// whole comparison.
func (s *Service) Compare(ctx context.Context, tenant domain.TenantID, ids []string) (*Comparison, error) {
	if len(ids) == 0 {
		return nil, ErrNothingToCompare
	}
	cmp := &Comparison{Campaigns: make([]Overview, 0, len(ids))}
	var sum domain.Rates
	var bestOpen, bestClick float64
	for _, id := range ids {
		c, err := s.repo.GetCampaign(ctx, tenant, id)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %w", id, err)
		}
		o := overviewOf(c)
		cmp.Campaigns = append(cmp.Campaigns, o)

		r := o.Rates
		sum.Delivery += r.Delivery
		sum.Open += r.Open
		sum.Click += r.Click
		sum.ClickToOpen += r.ClickToOpen
		sum.Bounce += r.Bounce
		sum.Unsubscribe += r.Unsubscribe
		sum.Spam += r.Spam
		if r.Open > bestOpen {
			bestOpen, cmp.BestOpen = r.Open, c.ID
		}
		if r.Click > bestClick {
			bestClick, cmp.BestClick = r.Click, c.ID
		}
	}

	n := float64(len(ids))
	avg := func(v float64) float64 { return math.Round(v/n*100) / 100 }
	cmp.Average = domain.Rates{
		Delivery:    avg(sum.Delivery),
		Open:        avg(sum.Open),
		Click:       avg(sum.Click),
		ClickToOpen: avg(sum.ClickToOpen),
		Bounce:      avg(sum.Bounce),
		Unsubscribe: avg(sum.Unsubscribe),
		Spam:        avg(sum.Spam),
	}
	return cmp, nil
}
