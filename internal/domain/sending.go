package domain

import "time"

// ProviderType identifies the email service provider behind a Provider.
type ProviderType string

const (
	ProviderSES       ProviderType = "ses"
	ProviderSendGrid  ProviderType = "sendgrid"
	ProviderMailgun   ProviderType = "mailgun"
	ProviderSparkPost ProviderType = "sparkpost"
	ProviderBrevo     ProviderType = "brevo"
	ProviderMailchimp ProviderType = "mailchimp"
	ProviderKlaviyo   ProviderType = "klaviyo"
)

// ProviderTypes lists every supported provider type.
var ProviderTypes = []ProviderType{
	ProviderSES, ProviderSendGrid, ProviderMailgun, ProviderSparkPost, ProviderBrevo, ProviderMailchimp, ProviderKlaviyo,
}

// Valid reports whether t is a supported provider type.
func (t ProviderType) Valid() bool {
	for _, v := range ProviderTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Strategy selects the order in which providers are attempted.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyFailover   Strategy = "failover"
)

// Credentials holds provider API secrets. Never serialized.
type Credentials struct {
	APIKey     string `json:"-" db:"api_key"`
	APISecret  string `json:"-" db:"api_secret"`
	Domain     string `json:"domain,omitempty" db:"domain"`
	Region     string `json:"region,omitempty" db:"region"`
	WebhookKey string `json:"-" db:"webhook_key"`
	BaseURL    string `json:"base_url,omitempty" db:"base_url"`
}

// Provider is one configured sending account of a tenant.
//
// SentToday and SentThisMonth are only meaningful for the window stamped in
// CountersDay (YYYY-MM-DD) and CountersMonth (YYYY-MM); use UsageAt to read
// them for a given instant.
type Provider struct {
	ID            string       `json:"id" db:"id"`
	TenantID      TenantID     `json:"tenant_id" db:"tenant_id"`
	Type          ProviderType `json:"type" db:"provider_type"`
	Name          string       `json:"name" db:"name"`
	SenderEmail   string       `json:"sender_email" db:"sender_email"`
	SenderName    string       `json:"sender_name" db:"sender_name"`
	Credentials   Credentials  `json:"credentials"`
	Priority      int          `json:"priority" db:"priority"`
	Active        bool         `json:"is_active" db:"is_active"`
	Verified      bool         `json:"is_verified" db:"is_verified"`
	DailyLimit    int          `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit  int          `json:"monthly_limit" db:"monthly_limit"`
	SentToday     int          `json:"sent_today" db:"sent_today"`
	SentThisMonth int          `json:"sent_this_month" db:"sent_this_month"`
	CountersDay   string       `json:"counters_day" db:"counters_day"`
	CountersMonth string       `json:"counters_month" db:"counters_month"`
	LastError     string       `json:"last_error" db:"last_error"`
	LastSentAt    *time.Time   `json:"last_sent_at" db:"last_sent_at"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// DayKey and MonthKey format the quota windows containing t (UTC).
func DayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// UsageAt returns the counters valid at now. A counter stamped with an older
// window reads as zero.
func (p *Provider) UsageAt(now time.Time) (day, month int) {
	if p.CountersDay == DayKey(now) {
		day = p.SentToday
	}
	if p.CountersMonth == MonthKey(now) {
		month = p.SentThisMonth
	}
	return day, month
}

// QuotaAllows reports whether one more send fits under both limits given
// the current usage. A limit of zero means unlimited.
func QuotaAllows(limit, used int) bool {
	return limit == 0 || used < limit
}

// EmailMessage is the fully-resolved message ready for a provider adapter.
// By the time a message reaches this struct, all template substitution
// is complete.
type EmailMessage struct {
	ID        string            `json:"id"`
	TenantID  TenantID          `json:"tenant_id"`
	To        string            `json:"to"`
	ToName    string            `json:"to_name,omitempty"`
	FromName  string            `json:"from_name"`
	FromEmail string            `json:"from_email"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html"`
	Text      string            `json:"text"`
	CC        []string          `json:"cc,omitempty"`
	BCC       []string          `json:"bcc,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendResult is returned by a provider adapter after attempting delivery.
type SendResult struct {
	Success    bool      `json:"success"`
	MessageID  string    `json:"message_id"`
	StatusCode int       `json:"status_code,omitempty"`
	SentAt     time.Time `json:"sent_at"`
	Error      string    `json:"error,omitempty"`
}
