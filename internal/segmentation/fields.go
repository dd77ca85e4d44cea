package segmentation

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Field namespaces. Plain names address recipient columns directly.
const (
	nsEngagement = "engagement."
	nsDeal       = "deal."
	nsCustom     = "custom_fields."
)

// Defaults for parameterized fields when the rule carries no value.
const (
	defaultNotOpenedCampaigns = 3
	defaultWonDealDays        = 30
)

type valueMode int

const (
	modeString valueMode = iota
	modeNumber
	modeTime
	modeBool
)

// scalar describes how one recipient attribute is read in memory and
// addressed in SQL (alias r for recipients, d for deals, dr for delivery
// records).
type scalar struct {
	mode   valueMode
	column string
	// auto fields (custom fields) infer their mode from the rule value and
	// cast the JSONB text accordingly.
	auto bool
	// blankIsNull treats "" as null, for nullable text columns.
	blankIsNull bool
	get         func(r *domain.Recipient) any
}

func stringField(column string, get func(r *domain.Recipient) string) scalar {
	return scalar{
		mode:        modeString,
		column:      column,
		blankIsNull: true,
		get:         func(r *domain.Recipient) any { return get(r) },
	}
}

func timeField(column string, get func(r *domain.Recipient) *time.Time) scalar {
	return scalar{
		mode:   modeTime,
		column: column,
		get: func(r *domain.Recipient) any {
			if t := get(r); t != nil && !t.IsZero() {
				return *t
			}
			return nil
		},
	}
}

var plainFields = map[string]scalar{
	"id":         stringField("r.id", func(r *domain.Recipient) string { return r.ID }),
	"email":      stringField("r.email", func(r *domain.Recipient) string { return r.Email }),
	"first_name": stringField("r.first_name", func(r *domain.Recipient) string { return r.FirstName }),
	"last_name":  stringField("r.last_name", func(r *domain.Recipient) string { return r.LastName }),
	"company":    stringField("r.company", func(r *domain.Recipient) string { return r.Company }),
	"phone":      stringField("r.phone", func(r *domain.Recipient) string { return r.Phone }),
	"status":     stringField("r.status", func(r *domain.Recipient) string { return r.Status }),
	"source":     stringField("r.source", func(r *domain.Recipient) string { return r.Source }),
	"kind":       stringField("r.kind", func(r *domain.Recipient) string { return string(r.Kind) }),
	"unsubscribed": {
		mode:   modeBool,
		column: "r.unsubscribed",
		get:    func(r *domain.Recipient) any { return r.Unsubscribed },
	},
	"created_at": timeField("r.created_at", func(r *domain.Recipient) *time.Time { return &r.CreatedAt }),
	"updated_at": timeField("r.updated_at", func(r *domain.Recipient) *time.Time { return &r.UpdatedAt }),
}

// Engagement facts are derived from delivery history, never stored on the
// recipient. The score mirrors domain.EngagementScore in integer arithmetic.
const (
	lastOpenedSQL = `(SELECT MAX(COALESCE(dr.last_opened_at, dr.opened_at)) FROM delivery_records dr
	WHERE dr.tenant_id = r.tenant_id AND dr.recipient_id = r.id)`
	lastClickedSQL = `(SELECT MAX(dr.clicked_at) FROM delivery_records dr
	WHERE dr.tenant_id = r.tenant_id AND dr.recipient_id = r.id)`
	engagementScoreSQL = `COALESCE((SELECT LEAST(100,
		(40 * COUNT(h.opened_at) * LEAST(COUNT(*), 5)
		+ 40 * COUNT(h.clicked_at) * LEAST(COUNT(*), 5)
		+ 20 * COUNT(h.opened_at) FILTER (WHERE h.rn <= 5) * COUNT(*))
		/ NULLIF(COUNT(*) * LEAST(COUNT(*), 5), 0))
	FROM (SELECT dr.opened_at, dr.clicked_at,
		ROW_NUMBER() OVER (ORDER BY dr.queued_at DESC, dr.id DESC) AS rn
		FROM delivery_records dr
		WHERE dr.tenant_id = r.tenant_id AND dr.recipient_id = r.id) h), 0)::numeric`
)

var engagementFields = map[string]scalar{
	"engagement_score": {
		mode:   modeNumber,
		column: engagementScoreSQL,
		get:    func(r *domain.Recipient) any { return r.Engagement.Score },
	},
	"last_opened_at":  timeField(lastOpenedSQL, func(r *domain.Recipient) *time.Time { return r.Engagement.LastOpenedAt }),
	"last_clicked_at": timeField(lastClickedSQL, func(r *domain.Recipient) *time.Time { return r.Engagement.LastClickedAt }),
}

var dealFields = map[string]scalar{
	"total_deal_value": {
		mode:   modeNumber,
		column: "COALESCE((SELECT SUM(d.amount) FROM deals d WHERE d.tenant_id = r.tenant_id AND d.recipient_id = r.id), 0)",
		get: func(r *domain.Recipient) any {
			var sum float64
			for _, d := range r.Deals {
				sum += d.Amount
			}
			return sum
		},
	},
}

// dealStage is evaluated per deal rather than per recipient.
var dealStage = scalar{mode: modeString, column: "COALESCE(d.stage, '')"}

var customKey = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func customField(key string) scalar {
	return scalar{
		auto:   true,
		column: "r.custom_fields->>'" + key + "'",
		get: func(r *domain.Recipient) any {
			if r.CustomFields == nil {
				return nil
			}
			return r.CustomFields[key]
		},
	}
}

// recentCampaigns returns the recipient's campaign history newest first.
func recentCampaigns(r *domain.Recipient) []domain.CampaignEngagement {
	out := make([]domain.CampaignEngagement, len(r.Engagement.RecentCampaigns))
	copy(out, r.Engagement.RecentCampaigns)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out
}

// lookupScalar resolves a plain or namespaced scalar field.
func lookupScalar(name string) (scalar, bool) {
	switch {
	case strings.HasPrefix(name, nsEngagement):
		f, ok := engagementFields[strings.TrimPrefix(name, nsEngagement)]
		return f, ok
	case strings.HasPrefix(name, nsDeal):
		f, ok := dealFields[strings.TrimPrefix(name, nsDeal)]
		return f, ok
	case strings.HasPrefix(name, nsCustom):
		key := strings.TrimPrefix(name, nsCustom)
		if !customKey.MatchString(key) {
			return scalar{}, false
		}
		return customField(key), true
	}
	f, ok := plainFields[name]
	return f, ok
}
