package domain

import "time"

// ABTestStatus enumerates the lifecycle of an experiment.
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "draft"
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
)

// WinMetric selects which counter defines a variant's success rate.
type WinMetric string

const (
	WinOpenRate       WinMetric = "open_rate"
	WinClickRate      WinMetric = "click_rate"
	WinConversionRate WinMetric = "conversion_rate"
)

// VariantNames are the allowed variant labels, in order.
var VariantNames = []string{"A", "B", "C", "D", "E"}

// Variant is one arm of an experiment with its counters.
type Variant struct {
	Name        string `json:"name" db:"variant"`
	Value       string `json:"value" db:"value"`
	Sent        int64  `json:"sent" db:"sent"`
	Opens       int64  `json:"opens" db:"opens"`
	Clicks      int64  `json:"clicks" db:"clicks"`
	Conversions int64  `json:"conversions" db:"conversions"`
}

// Successes returns the counter for the given metric.
func (v Variant) Successes(m WinMetric) int64 {
	switch m {
	case WinClickRate:
		return v.Clicks
	case WinConversionRate:
		return v.Conversions
	default:
		return v.Opens
	}
}

// Rate returns successes/sent, or 0 when nothing was sent.
func (v Variant) Rate(m WinMetric) float64 {
	if v.Sent == 0 {
		return 0
	}
	return float64(v.Successes(m)) / float64(v.Sent)
}

// ABTest is a multivariate experiment attached to a campaign.
// TestElement names what varies ("subject", "from_name", "content").
type ABTest struct {
	ID               string       `json:"id" db:"id"`
	TenantID         TenantID     `json:"tenant_id" db:"tenant_id"`
	CampaignID       string       `json:"campaign_id" db:"campaign_id"`
	TestElement      string       `json:"test_element" db:"test_element"`
	Variants         []Variant    `json:"variants"`
	WinMetric        WinMetric    `json:"win_metric" db:"win_metric"`
	Winner           string       `json:"winner,omitempty" db:"winner"`
	IsSignificant    bool         `json:"is_significant" db:"is_significant"`
	AutoSelectWinner bool         `json:"auto_select_winner" db:"auto_select_winner"`
	HoursToTest      int          `json:"hours_to_test" db:"hours_to_test"`
	Status           ABTestStatus `json:"status" db:"status"`
	StartedAt        *time.Time   `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at" db:"completed_at"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
}

// Variant returns the named variant.
func (t *ABTest) Variant(name string) (Variant, bool) {
	for _, v := range t.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// VariantMetric names one per-variant counter.
type VariantMetric string

const (
	MetricSent        VariantMetric = "sent"
	MetricOpens       VariantMetric = "opens"
	MetricClicks      VariantMetric = "clicks"
	MetricConversions VariantMetric = "conversions"
)

// Add increments the given counter on v by n.
func (v *Variant) Add(m VariantMetric, n int64) {
	switch m {
	case MetricSent:
		v.Sent += n
	case MetricOpens:
		v.Opens += n
	case MetricClicks:
		v.Clicks += n
	case MetricConversions:
		v.Conversions += n
	}
}
