// Package webhook turns provider delivery callbacks into canonical events
// and applies them idempotently to delivery records and their aggregates.
package webhook

import "github.com/ignite/campaign-engine/internal/domain"

// vocabularies maps each provider's native event names to canonical types.
var vocabularies = map[domain.ProviderType]map[string]domain.EventType{
	domain.ProviderSendGrid: {
		"delivered":   domain.EventDelivered,
		"open":        domain.EventOpened,
		"click":       domain.EventClicked,
		"bounce":      domain.EventBounced,
		"dropped":     domain.EventFailed,
		"deferred":    domain.EventDeferred,
		"spamreport":  domain.EventSpam,
		"unsubscribe": domain.EventUnsubscribed,
	},
	domain.ProviderMailgun: {
		"delivered":    domain.EventDelivered,
		"opened":       domain.EventOpened,
		"clicked":      domain.EventClicked,
		"bounced":      domain.EventBounced,
		"failed":       domain.EventFailed,
		"unsubscribed": domain.EventUnsubscribed,
		"complained":   domain.EventSpam,
	},
	domain.ProviderBrevo: {
		"delivered":     domain.EventDelivered,
		"hard_bounce":   domain.EventBounced,
		"soft_bounce":   domain.EventBounced,
		"blocked":       domain.EventFailed,
		"spam":          domain.EventSpam,
		"invalid_email": domain.EventFailed,
		"deferred":      domain.EventDeferred,
		"click":         domain.EventClicked,
		"opened":        domain.EventOpened,
		"unique_opened": domain.EventOpened,
		"unsubscribed":  domain.EventUnsubscribed,
	},
	domain.ProviderSES: {
		"Delivery":         domain.EventDelivered,
		"Open":             domain.EventOpened,
		"Click":            domain.EventClicked,
		"Bounce":           domain.EventBounced,
		"Complaint":        domain.EventSpam,
		"Reject":           domain.EventFailed,
		"RenderingFailure": domain.EventFailed,
		"DeliveryDelay":    domain.EventDeferred,
		"Subscription":     domain.EventUnsubscribed,
	},
	domain.ProviderSparkPost: {
		"delivery":           domain.EventDelivered,
		"open":               domain.EventOpened,
		"initial_open":       domain.EventOpened,
		"click":              domain.EventClicked,
		"bounce":             domain.EventBounced,
		"out_of_band":        domain.EventBounced,
		"spam_complaint":     domain.EventSpam,
		"policy_rejection":   domain.EventFailed,
		"generation_failure": domain.EventFailed,
		"list_unsubscribe":   domain.EventUnsubscribed,
		"link_unsubscribe":   domain.EventUnsubscribed,
	},
	domain.ProviderMailchimp: {
		"deferral":    domain.EventDeferred,
		"hard_bounce": domain.EventBounced,
		"soft_bounce": domain.EventBounced,
		"open":        domain.EventOpened,
		"click":       domain.EventClicked,
		"spam":        domain.EventSpam,
		"unsub":       domain.EventUnsubscribed,
		"reject":      domain.EventFailed,
	},
	domain.ProviderKlaviyo: {
		"Received Email":                    domain.EventDelivered,
		"Opened Email":                      domain.EventOpened,
		"Clicked Email":                     domain.EventClicked,
		"Bounced Email":                     domain.EventBounced,
		"Dropped Email":                     domain.EventFailed,
		"Marked Email as Spam":              domain.EventSpam,
		"Unsubscribed":                      domain.EventUnsubscribed,
		"Unsubscribed from Email Marketing": domain.EventUnsubscribed,
	},
}

// Canonical maps a native event name. Unmapped names come back unchanged
// with ok=false.
func Canonical(p domain.ProviderType, native string) (t domain.EventType, ok bool) {
	if t, ok := vocabularies[p][native]; ok {
		return t, true
	}
	return domain.EventType(native), false
}

// Supported reports whether p has a vocabulary.
func Supported(p domain.ProviderType) bool {
	_, ok := vocabularies[p]
	return ok
}
