package domain

import (
	"math"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignSending, CampaignDraft, CampaignCancelled},
	CampaignSending:   {CampaignCompleted, CampaignPaused, CampaignCancelled},
	CampaignPaused:    {CampaignSending, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from one status to another.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ContentRef points at the content of one message: either inline
// subject/HTML/text templates or a stored template, optionally augmented by
// an RSS/Atom feed.
type ContentRef struct {
	TemplateID string `json:"template_id,omitempty" db:"template_id"`
	Subject    string `json:"subject" db:"subject"`
	HTML       string `json:"html" db:"html_content"`
	Text       string `json:"text,omitempty" db:"text_content"`
	FeedURL    string `json:"feed_url,omitempty" db:"feed_url"`
}

// RenderedContent is ContentRef after template substitution.
type RenderedContent struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Campaign represents a one-shot email campaign with its content and delivery config.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	TenantID    TenantID       `json:"tenant_id" db:"tenant_id"`
	Name        string         `json:"name" db:"name"`
	SegmentID   string         `json:"segment_id" db:"segment_id"`
	Content     ContentRef     `json:"content"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	ReplyTo     string         `json:"reply_to" db:"reply_to"`
	ProviderIDs []string       `json:"provider_ids" db:"provider_ids"`
	Strategy    Strategy       `json:"strategy" db:"strategy"`
	ABTestID    string         `json:"ab_test_id,omitempty" db:"ab_test_id"`
	Status      CampaignStatus `json:"status" db:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at" db:"scheduled_at"`

	// Stats (read-only, maintained by the send loop and webhook normalizer)
	TotalRecipients   int `json:"total_recipients" db:"total_recipients"`
	SentCount         int `json:"sent_count" db:"sent_count"`
	FailedCount       int `json:"failed_count" db:"failed_count"`
	DeliveredCount    int `json:"delivered_count" db:"delivered_count"`
	OpenedCount       int `json:"opened_count" db:"opened_count"`
	ClickedCount      int `json:"clicked_count" db:"clicked_count"`
	BouncedCount      int `json:"bounced_count" db:"bounced_count"`
	SpamCount         int `json:"spam_count" db:"spam_count"`
	UnsubscribedCount int `json:"unsubscribed_count" db:"unsubscribed_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// CampaignCounter names one aggregate column on Campaign.
type CampaignCounter string

const (
	CounterSent         CampaignCounter = "sent_count"
	CounterFailed       CampaignCounter = "failed_count"
	CounterDelivered    CampaignCounter = "delivered_count"
	CounterOpened       CampaignCounter = "opened_count"
	CounterClicked      CampaignCounter = "clicked_count"
	CounterBounced      CampaignCounter = "bounced_count"
	CounterSpam         CampaignCounter = "spam_count"
	CounterUnsubscribed CampaignCounter = "unsubscribed_count"
)

// Apply adds n to the named counter on c.
func (c *Campaign) Apply(counter CampaignCounter, n int) {
	switch counter {
	case CounterSent:
		c.SentCount += n
	case CounterFailed:
		c.FailedCount += n
	case CounterDelivered:
		c.DeliveredCount += n
	case CounterOpened:
		c.OpenedCount += n
	case CounterClicked:
		c.ClickedCount += n
	case CounterBounced:
		c.BouncedCount += n
	case CounterSpam:
		c.SpamCount += n
	case CounterUnsubscribed:
		c.UnsubscribedCount += n
	}
}

// Rates are percentages rounded to two decimals. Every rate is taken over
// sends except ClickToOpen, which is clicks over opens.
type Rates struct {
	Delivery    float64 `json:"delivery_rate"`
	Open        float64 `json:"open_rate"`
	Click       float64 `json:"click_rate"`
	ClickToOpen float64 `json:"click_to_open_rate"`
	Bounce      float64 `json:"bounce_rate"`
	Unsubscribe float64 `json:"unsubscribe_rate"`
	Spam        float64 `json:"spam_complaint_rate"`
}

// Percent returns part as a percentage of whole, or 0 when whole is 0.
func Percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(whole)) / 100
}

// Rates derives engagement rates from the campaign counters.
func (c *Campaign) Rates() Rates {
	return Rates{
		Delivery:    Percent(c.DeliveredCount, c.SentCount),
		Open:        Percent(c.OpenedCount, c.SentCount),
		Click:       Percent(c.ClickedCount, c.SentCount),
		ClickToOpen: Percent(c.ClickedCount, c.OpenedCount),
		Bounce:      Percent(c.BouncedCount, c.SentCount),
		Unsubscribe: Percent(c.UnsubscribedCount, c.SentCount),
		Spam:        Percent(c.SpamCount, c.SentCount),
	}
}

// SegmentKind enumerates how a segment's membership is determined.
type SegmentKind string

const (
	SegmentStatic     SegmentKind = "static"
	SegmentDynamic    SegmentKind = "dynamic"
	SegmentBehavioral SegmentKind = "behavioral"
)

// Segment is a named audience. Static segments pin their members; dynamic
// and behavioral segments are evaluated from Filter at send time.
type Segment struct {
	ID                 string      `json:"id" db:"id"`
	TenantID           TenantID    `json:"tenant_id" db:"tenant_id"`
	Name               string      `json:"name" db:"name"`
	Kind               SegmentKind `json:"kind" db:"kind"`
	Filter             FilterNode  `json:"-"`
	StaticRecipientIDs []string    `json:"static_recipient_ids,omitempty" db:"static_recipient_ids"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}
