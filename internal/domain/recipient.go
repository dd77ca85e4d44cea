package domain

import (
	"sort"
	"time"
)

// RecipientKind distinguishes CRM contacts from leads. Both are addressable
// by campaigns and drips through the same Recipient view.
type RecipientKind string

const (
	RecipientContact RecipientKind = "contact"
	RecipientLead    RecipientKind = "lead"
)

// Lead statuses used by the CRM. Contacts leave Status empty.
const (
	LeadNew         = "new"
	LeadContacted   = "contacted"
	LeadQualified   = "qualified"
	LeadUnqualified = "unqualified"
)

// Deal stages that close a deal. Every other stage is open.
const (
	DealClosedWon  = "closed_won"
	DealClosedLost = "closed_lost"
)

// Recipient is the unified view of a contact or lead with the engagement
// and deal facts that segment rules can reference. Identity within a tenant
// is the email address.
type Recipient struct {
	ID           string         `json:"id" db:"id"`
	TenantID     TenantID       `json:"tenant_id" db:"tenant_id"`
	Kind         RecipientKind  `json:"kind" db:"kind"`
	Email        string         `json:"email" db:"email"`
	FirstName    string         `json:"first_name" db:"first_name"`
	LastName     string         `json:"last_name" db:"last_name"`
	Company      string         `json:"company" db:"company"`
	Phone        string         `json:"phone" db:"phone"`
	Status       string         `json:"status" db:"status"`
	Source       string         `json:"source" db:"source"`
	Unsubscribed bool           `json:"unsubscribed" db:"unsubscribed"`
	CustomFields map[string]any `json:"custom_fields" db:"custom_fields"`
	Engagement   Engagement     `json:"engagement"`
	Deals        []Deal         `json:"deals,omitempty"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Engagement summarizes how a recipient interacted with past sends. It is
// derived from delivery records, never stored. RecentCampaigns is ordered
// most recent first.
type Engagement struct {
	Score           float64              `json:"engagement_score"`
	LastOpenedAt    *time.Time           `json:"last_opened_at"`
	LastClickedAt   *time.Time           `json:"last_clicked_at"`
	RecentCampaigns []CampaignEngagement `json:"recent_campaigns,omitempty"`
}

// CampaignEngagement is the recipient's outcome for one campaign.
type CampaignEngagement struct {
	CampaignID string    `json:"campaign_id"`
	SentAt     time.Time `json:"sent_at"`
	Opened     bool      `json:"opened"`
	Clicked    bool      `json:"clicked"`
}

// Deal is a sales opportunity attached to a recipient.
type Deal struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Stage     string     `json:"stage" db:"stage"`
	Amount    float64    `json:"amount" db:"amount"`
	ClosedAt  *time.Time `json:"closed_at" db:"closed_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// IsOpen returns true while the deal has not been won or lost.
func (d Deal) IsOpen() bool {
	return d.Stage != DealClosedWon && d.Stage != DealClosedLost
}

// IsWon returns true if the deal closed successfully.
func (d Deal) IsWon() bool {
	return d.Stage == DealClosedWon
}

// FullName joins first and last name.
func (r *Recipient) FullName() string {
	switch {
	case r.FirstName == "":
		return r.LastName
	case r.LastName == "":
		return r.FirstName
	}
	return r.FirstName + " " + r.LastName
}

// Attributes returns the template context for this recipient.
func (r *Recipient) Attributes() map[string]any {
	custom := make(map[string]any, len(r.CustomFields))
	for k, v := range r.CustomFields {
		custom[k] = v
	}
	return map[string]any{
		"id":            r.ID,
		"email":         r.Email,
		"first_name":    r.FirstName,
		"last_name":     r.LastName,
		"full_name":     r.FullName(),
		"company":       r.Company,
		"phone":         r.Phone,
		"status":        r.Status,
		"source":        r.Source,
		"custom_fields": custom,
	}
}

// ScoreRecencyWindow is how many of the latest sends feed the recency part
// of the engagement score.
const ScoreRecencyWindow = 5

// EngagementScore rates send history from 0 to 100: 40% open rate, 40%
// click rate and 20% open rate over the latest ScoreRecencyWindow sends,
// rounded down.
func EngagementScore(total, opened, clicked, recentOpened int) float64 {
	if total <= 0 {
		return 0
	}
	recent := min(total, ScoreRecencyWindow)
	score := (40*opened*recent + 40*clicked*recent + 20*recentOpened*total) / (total * recent)
	return float64(min(score, 100))
}

// SummarizeEngagement derives a recipient's engagement from their delivery
// records.
func SummarizeEngagement(records []DeliveryRecord) Engagement {
	var e Engagement
	if len(records) == 0 {
		return e
	}
	sorted := make([]DeliveryRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].QueuedAt.Equal(sorted[j].QueuedAt) {
			return sorted[i].QueuedAt.After(sorted[j].QueuedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	var opened, clicked, recentOpened int
	for i, r := range sorted {
		if r.OpenedAt != nil {
			opened++
			if i < ScoreRecencyWindow {
				recentOpened++
			}
		}
		if r.ClickedAt != nil {
			clicked++
			e.LastClickedAt = latest(e.LastClickedAt, r.ClickedAt)
		}
		last := r.LastOpenedAt
		if last == nil {
			last = r.OpenedAt
		}
		e.LastOpenedAt = latest(e.LastOpenedAt, last)

		if r.CampaignID != "" && r.SentAt != nil {
			e.RecentCampaigns = append(e.RecentCampaigns, CampaignEngagement{
				CampaignID: r.CampaignID,
				SentAt:     *r.SentAt,
				Opened:     r.OpenedAt != nil,
				Clicked:    r.ClickedAt != nil,
			})
		}
	}
	sort.SliceStable(e.RecentCampaigns, func(i, j int) bool {
		return e.RecentCampaigns[i].SentAt.After(e.RecentCampaigns[j].SentAt)
	})
	e.Score = EngagementScore(len(sorted), opened, clicked, recentOpened)
	return e
}

func latest(a, b *time.Time) *time.Time {
	if b == nil || (a != nil && !b.After(*a)) {
		return a
	}
	t := *b
	return &t
}
