package domain

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the lifecycle state of one sent message.
type DeliveryStatus string

const (
	StatusQueued       DeliveryStatus = "queued"
	StatusSent         DeliveryStatus = "sent"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusOpened       DeliveryStatus = "opened"
	StatusClicked      DeliveryStatus = "clicked"
	StatusBounced      DeliveryStatus = "bounced"
	StatusFailed       DeliveryStatus = "failed"
	StatusSpam         DeliveryStatus = "spam"
	StatusUnsubscribed DeliveryStatus = "unsubscribed"
)

// Rank orders the forward statuses queued < sent < delivered < opened <
// clicked. Terminal statuses rank -1.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusOpened:
		return 3
	case StatusClicked:
		return 4
	}
	return -1
}

// IsTerminal returns true for bounced, failed, spam and unsubscribed.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case StatusBounced, StatusFailed, StatusSpam, StatusUnsubscribed:
		return true
	}
	return false
}

// DeliveryRecord tracks a single message sent to a single recipient.
// Campaign sends set CampaignID; drip sends set DripID, EnrollmentID and
// StepNumber.
type DeliveryRecord struct {
	ID                string         `json:"id" db:"id"`
	TenantID          TenantID       `json:"tenant_id" db:"tenant_id"`
	CampaignID        string         `json:"campaign_id,omitempty" db:"campaign_id"`
	DripID            string         `json:"drip_id,omitempty" db:"drip_id"`
	EnrollmentID      string         `json:"enrollment_id,omitempty" db:"enrollment_id"`
	StepNumber        int            `json:"step_number,omitempty" db:"step_number"`
	ABTestID          string         `json:"ab_test_id,omitempty" db:"ab_test_id"`
	Variant           string         `json:"variant,omitempty" db:"variant"`
	RecipientID       string         `json:"recipient_id" db:"recipient_id"`
	Email             string         `json:"email" db:"email"`
	ProviderID        string         `json:"provider_id,omitempty" db:"provider_id"`
	ProviderType      ProviderType   `json:"provider_type,omitempty" db:"provider_type"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Status            DeliveryStatus `json:"status" db:"status"`
	Error             string         `json:"error,omitempty" db:"error"`
	OpensCount        int            `json:"opens_count" db:"opens_count"`
	ClicksCount       int            `json:"clicks_count" db:"clicks_count"`

	QueuedAt       time.Time  `json:"queued_at" db:"queued_at"`
	SentAt         *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at" db:"delivered_at"`
	OpenedAt       *time.Time `json:"opened_at" db:"opened_at"`
	LastOpenedAt   *time.Time `json:"last_opened_at" db:"last_opened_at"`
	ClickedAt      *time.Time `json:"clicked_at" db:"clicked_at"`
	BouncedAt      *time.Time `json:"bounced_at" db:"bounced_at"`
	FailedAt       *time.Time `json:"failed_at" db:"failed_at"`
	ComplainedAt   *time.Time `json:"complained_at" db:"complained_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
}

// EventType is a canonical delivery event. Provider-specific types that
// have no canonical mapping keep their native name.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventFailed       EventType = "failed"
	EventSpam         EventType = "spam"
	EventUnsubscribed EventType = "unsubscribed"
	// EventDeferred is a temporary delay; the provider keeps retrying.
	EventDeferred     EventType = "deferred"
)

// Canonical reports whether t is one of the canonical event types.
func (t EventType) Canonical() bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventFailed, EventSpam, EventUnsubscribed, EventDeferred:
		return true
	}
	return false
}

// Status returns the delivery status an event moves a record to. A
// deferral only proves the message left the queue.
func (t EventType) Status() DeliveryStatus {
	if t == EventDeferred {
		return StatusSent
	}
	return DeliveryStatus(t)
}

// WebhookEvent is a provider callback normalized to the canonical vocabulary.
type WebhookEvent struct {
	Type              EventType       `json:"type"`
	NativeType        string          `json:"native_type"`
	Provider          ProviderType    `json:"provider"`
	RecipientEmail    string          `json:"recipient_email"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ProviderEventID   string          `json:"provider_event_id,omitempty"`
	URL               string          `json:"url,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// ProviderEngagement totals the delivery records one provider sent in a
// period. Each count is of records that reached the milestone.
type ProviderEngagement struct {
	ProviderID   string       `json:"provider_id"`
	ProviderType ProviderType `json:"provider_type"`
	Sent         int          `json:"sent"`
	Delivered    int          `json:"delivered"`
	Opened       int          `json:"opened"`
	Clicked      int          `json:"clicked"`
	Bounced      int          `json:"bounced"`
	Failed       int          `json:"failed"`
}

// Rates derives the provider's rates over its sends.
func (p ProviderEngagement) Rates() Rates {
	return Rates{
		Delivery:    Percent(p.Delivered, p.Sent),
		Open:        Percent(p.Opened, p.Sent),
		Click:       Percent(p.Clicked, p.Sent),
		ClickToOpen: Percent(p.Clicked, p.Opened),
		Bounce:      Percent(p.Bounced, p.Sent),
	}
}
