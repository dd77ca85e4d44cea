package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const (
	mailgunBaseURL   = "https://api.mailgun.net/v3"
	mailgunEUBaseURL = "https://api.eu.mailgun.net/v3"
)

// Mailgun sends through the Mailgun Messages API.
type Mailgun struct {
	apiKey     string
	webhookKey string
	domain     string
	baseURL    string
	client     httpretry.HTTPDoer
}

// NewMailgun creates a Mailgun adapter. creds.Region "eu" selects the EU
// endpoint; creds.BaseURL overrides both.
func NewMailgun(creds domain.Credentials, opts Options) *Mailgun {
	def := mailgunBaseURL
	if strings.EqualFold(creds.Region, "eu") {
		def = mailgunEUBaseURL
	}
	key := creds.WebhookKey
	if key == "" {
		key = creds.APIKey
	}
	return &Mailgun{
		apiKey:     creds.APIKey,
		webhookKey: key,
		domain:     creds.Domain,
		baseURL:    trimBase(creds.BaseURL, def),
		client:     opts.doer(),
	}
}

func (m *Mailgun) Type() domain.ProviderType { return domain.ProviderMailgun }

func (m *Mailgun) auth(req *http.Request) { req.SetBasicAuth("api", m.apiKey) }

// Send delivers a single message.
func (m *Mailgun) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if m.apiKey == "" || m.domain == "" {
		return nil, fmt.Errorf("mailgun: %w", ErrNotConfigured)
	}

	form := url.Values{}
	form.Add("from", fromHeader(msg.FromName, msg.FromEmail))
	form.Add("to", msg.To)
	form.Add("subject", msg.Subject)
	form.Add("html", msg.HTML)
	if msg.Text != "" {
		form.Add("text", msg.Text)
	}
	for _, cc := range msg.CC {
		form.Add("cc", cc)
	}
	for _, bcc := range msg.BCC {
		form.Add("bcc", bcc)
	}
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	for _, tag := range msg.Tags {
		form.Add("o:tag", tag)
	}
	for k, v := range msg.Metadata {
		form.Add("v:"+k, v)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", m.baseURL, m.domain)
	resp, err := call(ctx, m.client, http.MethodPost, endpoint, strings.NewReader(form.Encode()), func(req *http.Request) {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		m.auth(req)
	})
	if err != nil {
		return nil, fmt.Errorf("mailgun: %w", err)
	}
	if !resp.ok() {
		return &domain.SendResult{
			Success:    false,
			StatusCode: resp.status,
			Error:      fmt.Sprintf("mailgun error %d: %s", resp.status, resp.snippet()),
		}, nil
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := resp.decode(&result); err != nil {
		return nil, fmt.Errorf("mailgun: %w", err)
	}
	messageID := strings.Trim(result.ID, "<>")
	logger.Info("provider: sent", "provider", "mailgun", "to", msg.To, "message_id", messageID)

	return &domain.SendResult{Success: true, MessageID: messageID, StatusCode: resp.status, SentAt: time.Now().UTC()}, nil
}

// ValidateCredentials fetches the configured sending domain.
func (m *Mailgun) ValidateCredentials(ctx context.Context) CheckResult {
	if m.apiKey == "" || m.domain == "" {
		return fail("API key or domain not configured")
	}
	resp, err := call(ctx, m.client, http.MethodGet, m.baseURL+"/domains/"+m.domain, nil, m.auth)
	if err != nil {
		return fail("API key validation error: %v", err)
	}
	switch {
	case resp.ok():
		return pass("API key is valid")
	case resp.status == http.StatusUnauthorized:
		return fail("invalid API key")
	case resp.status == http.StatusNotFound:
		return fail("domain %q not found in Mailgun account", m.domain)
	default:
		return fail("API key validation failed with status %d", resp.status)
	}
}

// VerifySender accepts any address on the configured domain.
func (m *Mailgun) VerifySender(_ context.Context, email string) CheckResult {
	d := senderDomain(email)
	if d != "" && d == strings.ToLower(m.domain) {
		return pass("sender matches configured domain %s", m.domain)
	}
	return fail("sender domain %q does not match Mailgun domain %q", d, m.domain)
}

// GetQuotaInfo returns this month's accepted/delivered/failed totals.
func (m *Mailgun) GetQuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	q := url.Values{}
	q.Add("event", "accepted")
	q.Add("event", "delivered")
	q.Add("event", "failed")
	q.Set("duration", "1m")
	endpoint := fmt.Sprintf("%s/%s/stats/total?%s", m.baseURL, m.domain, q.Encode())
	resp, err := call(ctx, m.client, http.MethodGet, endpoint, nil, m.auth)
	if err != nil {
		return nil, fmt.Errorf("mailgun: %w", err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("mailgun: stats returned %d", resp.status)
	}
	type total struct {
		Total int64 `json:"total"`
	}
	var body struct {
		Stats []struct {
			Accepted  total `json:"accepted"`
			Delivered total `json:"delivered"`
			Failed    struct {
				Permanent total `json:"permanent"`
				Temporary total `json:"temporary"`
			} `json:"failed"`
		} `json:"stats"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, fmt.Errorf("mailgun: %w", err)
	}
	info := &QuotaInfo{Period: "month", Details: map[string]float64{}}
	for _, s := range body.Stats {
		info.Used += s.Accepted.Total
		info.Details["delivered"] += float64(s.Delivered.Total)
		info.Details["failed"] += float64(s.Failed.Permanent.Total + s.Failed.Temporary.Total)
	}
	return info, nil
}

type mgSignature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

type mgPayload struct {
	Signature mgSignature `json:"signature"`
	EventData struct {
		ID        string  `json:"id"`
		Event     string  `json:"event"`
		Recipient string  `json:"recipient"`
		Timestamp float64 `json:"timestamp"`
		URL       string  `json:"url"`
		Message   struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
	} `json:"event-data"`
}

// ParseWebhook decodes a single webhook post.
func (m *Mailgun) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	var p mgPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("mailgun: decode event: %w", err)
	}
	ed := p.EventData
	if ed.Event == "" {
		return nil, fmt.Errorf("mailgun: event-data.event missing")
	}
	sec, frac := math.Modf(ed.Timestamp)
	return []RawEvent{{
		NativeType:        ed.Event,
		RecipientEmail:    ed.Recipient,
		ProviderMessageID: strings.Trim(ed.Message.Headers.MessageID, "<>"),
		ProviderEventID:   ed.ID,
		URL:               ed.URL,
		OccurredAt:        time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Raw:               json.RawMessage(payload),
	}}, nil
}

// VerifySignature checks the hex HMAC-SHA256 of timestamp+token carried in
// the payload's signature block.
func (m *Mailgun) VerifySignature(_ context.Context, payload []byte, _ http.Header) bool {
	if m.webhookKey == "" {
		return false
	}
	var p mgPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	s := p.Signature
	if s.Timestamp == "" || s.Token == "" || s.Signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(m.webhookKey))
	mac.Write([]byte(s.Timestamp + s.Token))
	return equalSecret(s.Signature, hex.EncodeToString(mac.Sum(nil)))
}
