package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Outcome is what Apply did with one event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeRecordNotFound Outcome = "record_not_found"
	OutcomeIgnored        Outcome = "ignored"
)

// Store is the delivery-record side of event application.
type Store interface {
	FindRecordByMessageID(ctx context.Context, tenant domain.TenantID, messageID string) (*domain.DeliveryRecord, error)
	// FindLatestOpenRecord returns the most recently queued non-terminal
	// record sent to email.
	FindLatestOpenRecord(ctx context.Context, tenant domain.TenantID, email string) (*domain.DeliveryRecord, error)
	// UpdateRecord runs fn with exclusive access to the record and persists
	// the result unless fn returns an error. fn may run more than once.
	UpdateRecord(ctx context.Context, tenant domain.TenantID, id string, fn func(*domain.DeliveryRecord) error) error
	IncrementCampaignCounter(ctx context.Context, tenant domain.TenantID, campaignID string, counter domain.CampaignCounter, n int) error
}

// Unsubscriber flags a recipient after an unsubscribe or spam complaint.
type Unsubscriber interface {
	SetUnsubscribed(ctx context.Context, tenant domain.TenantID, email string) error
}

// ABRecorder receives first opens and clicks of A/B variant sends.
// *abtest.Service satisfies it.
type ABRecorder interface {
	Record(ctx context.Context, tenant domain.TenantID, testID, variant string, metric domain.VariantMetric, n int64) error
}

// Applier applies canonical events to delivery records.
type Applier struct {
	store        Store
	dedupe       Deduper
	ab           ABRecorder
	unsubscriber Unsubscriber
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

func WithABRecorder(r ABRecorder) ApplierOption { return func(a *Applier) { a.ab = r } }

func WithUnsubscriber(u Unsubscriber) ApplierOption { return func(a *Applier) { a.unsubscriber = u } }

// NewApplier creates an Applier. A nil deduper keeps claims in memory.
func NewApplier(store Store, dedupe Deduper, opts ...ApplierOption) *Applier {
	if dedupe == nil {
		dedupe = NewMemoryDeduper(DefaultDedupeTTL)
	}
	a := &Applier{store: store, dedupe: dedupe}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DedupeKey identifies one provider callback. Events without a provider
// event ID are fingerprinted from their content.
func DedupeKey(tenant domain.TenantID, ev domain.WebhookEvent) string {
	if ev.ProviderEventID != "" {
		return fmt.Sprintf("%s:%s:%s", tenant, ev.Provider, ev.ProviderEventID)
	}
	h := sha256.New()
	for _, part := range []string{
		string(ev.Provider),
		ev.ProviderMessageID,
		strings.ToLower(strings.TrimSpace(ev.RecipientEmail)),
		ev.NativeType,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%s:fp:%s", tenant, ev.Provider, hex.EncodeToString(h.Sum(nil)))
}

// Apply records ev against its delivery record exactly once.
func (a *Applier) Apply(ctx context.Context, tenant domain.TenantID, ev domain.WebhookEvent) (Outcome, error) {
	if !ev.Type.Canonical() {
		return OutcomeIgnored, nil
	}

	key := DedupeKey(tenant, ev)
	first, err := a.dedupe.Claim(ctx, key)
	if err != nil {
		logger.Warn("webhook: dedupe unavailable, applying anyway", "tenant", tenant, "key", key, "error", err)
		first = true
	}
	if !first {
		return OutcomeDuplicate, nil
	}

	rec, err := a.locate(ctx, tenant, ev)
	if errors.Is(err, domain.ErrNotFound) {
		// The record may not be written yet; let a provider retry through.
		a.release(ctx, key)
		return OutcomeRecordNotFound, nil
	}
	if err != nil {
		a.release(ctx, key)
		return "", err
	}

	var milestones []domain.EventType
	err = a.store.UpdateRecord(ctx, tenant, rec.ID, func(r *domain.DeliveryRecord) error {
		milestones = Transition(r, ev)
		*rec = *r
		return nil
	})
	if err != nil {
		a.release(ctx, key)
		return "", fmt.Errorf("update record %s: %w", rec.ID, err)
	}

	a.aggregate(ctx, tenant, rec, milestones)
	if ev.Type == domain.EventUnsubscribed || ev.Type == domain.EventSpam {
		a.unsubscribe(ctx, tenant, rec.Email)
	}
	return OutcomeApplied, nil
}

func (a *Applier) locate(ctx context.Context, tenant domain.TenantID, ev domain.WebhookEvent) (*domain.DeliveryRecord, error) {
	if ev.ProviderMessageID != "" {
		return a.store.FindRecordByMessageID(ctx, tenant, ev.ProviderMessageID)
	}
	if ev.RecipientEmail == "" {
		return nil, domain.ErrNotFound
	}
	return a.store.FindLatestOpenRecord(ctx, tenant, ev.RecipientEmail)
}

func (a *Applier) release(ctx context.Context, key string) {
	if err := a.dedupe.Release(ctx, key); err != nil {
		logger.Warn("webhook: release dedupe key", "key", key, "error", err)
	}
}

var milestoneCounters = map[domain.EventType]domain.CampaignCounter{
	domain.EventDelivered:    domain.CounterDelivered,
	domain.EventOpened:       domain.CounterOpened,
	domain.EventClicked:      domain.CounterClicked,
	domain.EventBounced:      domain.CounterBounced,
	domain.EventFailed:       domain.CounterFailed,
	domain.EventSpam:         domain.CounterSpam,
	domain.EventUnsubscribed: domain.CounterUnsubscribed,
}

// aggregate bumps campaign and variant counters once per milestone. Counter
// failures are logged; the record itself is already updated.
func (a *Applier) aggregate(ctx context.Context, tenant domain.TenantID, rec *domain.DeliveryRecord, milestones []domain.EventType) {
	for _, m := range milestones {
		if rec.CampaignID != "" {
			if err := a.store.IncrementCampaignCounter(ctx, tenant, rec.CampaignID, milestoneCounters[m], 1); err != nil {
				logger.Error("webhook: increment campaign counter", "tenant", tenant, "campaign_id", rec.CampaignID, "counter", milestoneCounters[m], "error", err)
			}
		}
		if a.ab == nil || rec.ABTestID == "" || rec.Variant == "" {
			continue
		}
		var metric domain.VariantMetric
		switch m {
		case domain.EventOpened:
			metric = domain.MetricOpens
		case domain.EventClicked:
			metric = domain.MetricClicks
		default:
			continue
		}
		if err := a.ab.Record(ctx, tenant, rec.ABTestID, rec.Variant, metric, 1); err != nil {
			logger.Error("webhook: record ab metric", "tenant", tenant, "test_id", rec.ABTestID, "variant", rec.Variant, "error", err)
		}
	}
}

func (a *Applier) unsubscribe(ctx context.Context, tenant domain.TenantID, email string) {
	if a.unsubscriber == nil || email == "" {
		return
	}
	if err := a.unsubscriber.SetUnsubscribed(ctx, tenant, email); err != nil {
		logger.Error("webhook: flag unsubscribed", "tenant", tenant, "email", email, "error", err)
	}
}

// Transition applies ev to r and returns the milestones it reached for the
// first time. Status only moves forward along queued, sent, delivered,
// opened, clicked or sideways into a terminal status; a terminal status
// never changes. A failure reported after delivery and a deferral are not
// milestones. Opens and clicks are always counted.
func Transition(r *domain.DeliveryRecord, ev domain.WebhookEvent) []domain.EventType {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if ev.Type == domain.EventFailed && r.Status.Rank() >= domain.StatusDelivered.Rank() {
		return nil
	}

	target := ev.Type.Status()
	switch {
	case r.Status.IsTerminal():
	case target.IsTerminal():
		r.Status = target
		if ev.Type == domain.EventBounced || ev.Type == domain.EventFailed {
			r.Error = ev.NativeType
		}
	case target.Rank() > r.Status.Rank():
		r.Status = target
	}

	switch ev.Type {
	case domain.EventOpened:
		r.OpensCount++
		if r.LastOpenedAt == nil || at.After(*r.LastOpenedAt) {
			r.LastOpenedAt = &at
		}
	case domain.EventClicked:
		r.ClicksCount++
	}

	var stamp **time.Time
	switch ev.Type {
	case domain.EventDelivered:
		stamp = &r.DeliveredAt
	case domain.EventOpened:
		stamp = &r.OpenedAt
	case domain.EventClicked:
		stamp = &r.ClickedAt
	case domain.EventBounced:
		stamp = &r.BouncedAt
	case domain.EventFailed:
		stamp = &r.FailedAt
	case domain.EventSpam:
		stamp = &r.ComplainedAt
	case domain.EventUnsubscribed:
		stamp = &r.UnsubscribedAt
	default:
		return nil
	}
	if *stamp != nil {
		return nil
	}
	*stamp = &at
	return []domain.EventType{ev.Type}
}
