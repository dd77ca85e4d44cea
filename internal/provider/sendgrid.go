package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const (
	sendGridBaseURL         = "https://api.sendgrid.com/v3"
	sendGridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	sendGridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// SendGrid sends through the SendGrid v3 Mail Send API.
type SendGrid struct {
	apiKey     string
	webhookKey string
	baseURL    string
	client     httpretry.HTTPDoer
}

// NewSendGrid creates a SendGrid adapter. creds.BaseURL overrides the API root.
func NewSendGrid(creds domain.Credentials, opts Options) *SendGrid {
	return &SendGrid{
		apiKey:     creds.APIKey,
		webhookKey: creds.WebhookKey,
		baseURL:    trimBase(creds.BaseURL, sendGridBaseURL),
		client:     opts.doer(),
	}
}

func (s *SendGrid) Type() domain.ProviderType { return domain.ProviderSendGrid }

func (s *SendGrid) auth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CC         []sgAddress       `json:"cc,omitempty"`
	BCC        []sgAddress       `json:"bcc,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Headers          map[string]string   `json:"headers,omitempty"`
	Categories       []string            `json:"categories,omitempty"`
}

func sgAddresses(emails []string) []sgAddress {
	out := make([]sgAddress, 0, len(emails))
	for _, e := range emails {
		out = append(out, sgAddress{Email: e})
	}
	return out
}

// Send delivers a single message.
func (s *SendGrid) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("sendgrid: %w", ErrNotConfigured)
	}

	p := sgPersonalization{
		To:         []sgAddress{{Email: msg.To, Name: msg.ToName}},
		CC:         sgAddresses(msg.CC),
		BCC:        sgAddresses(msg.BCC),
		CustomArgs: msg.Metadata,
	}
	mail := sgMail{
		Personalizations: []sgPersonalization{p},
		From:             sgAddress{Email: msg.FromEmail, Name: msg.FromName},
		Subject:          msg.Subject,
		Headers:          msg.Headers,
		Categories:       msg.Tags,
	}
	if msg.ReplyTo != "" {
		mail.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	// SendGrid requires text/plain before text/html.
	if msg.Text != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	mail.Content = append(mail.Content, sgContent{Type: "text/html", Value: msg.HTML})

	resp, err := call(ctx, s.client, http.MethodPost, s.baseURL+"/mail/send", mail, s.auth)
	if err != nil {
		return nil, fmt.Errorf("sendgrid: %w", err)
	}
	if !resp.ok() {
		return &domain.SendResult{
			Success:    false,
			StatusCode: resp.status,
			Error:      fmt.Sprintf("sendgrid error %d: %s", resp.status, resp.snippet()),
		}, nil
	}

	messageID := resp.header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}
	logger.Info("provider: sent", "provider", "sendgrid", "to", msg.To, "message_id", messageID)

	return &domain.SendResult{Success: true, MessageID: messageID, StatusCode: resp.status, SentAt: time.Now().UTC()}, nil
}

// ValidateCredentials checks the API key against the scopes endpoint.
func (s *SendGrid) ValidateCredentials(ctx context.Context) CheckResult {
	if s.apiKey == "" {
		return fail("API key not configured")
	}
	resp, err := call(ctx, s.client, http.MethodGet, s.baseURL+"/scopes", nil, s.auth)
	if err != nil {
		return fail("API key validation error: %v", err)
	}
	switch {
	case resp.ok():
		return pass("API key is valid")
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return fail("invalid API key")
	default:
		return fail("API key validation failed with status %d", resp.status)
	}
}

// VerifySender looks email up among the account's verified senders. When
// the listing itself is unavailable the check passes and SendGrid rejects
// the send instead.
func (s *SendGrid) VerifySender(ctx context.Context, email string) CheckResult {
	resp, err := call(ctx, s.client, http.MethodGet, s.baseURL+"/verified_senders", nil, s.auth)
	if err != nil || !resp.ok() {
		return pass("unable to verify sender, proceeding")
	}
	var body struct {
		Results []struct {
			FromEmail string `json:"from_email"`
			Verified  bool   `json:"verified"`
		} `json:"results"`
	}
	if err := resp.decode(&body); err != nil {
		return pass("unable to verify sender, proceeding")
	}
	for _, r := range body.Results {
		if strings.EqualFold(r.FromEmail, email) && r.Verified {
			return pass("sender is verified")
		}
	}
	return fail("sender %s is not verified in SendGrid", email)
}

// GetQuotaInfo reads the account's credit balance.
func (s *SendGrid) GetQuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	resp, err := call(ctx, s.client, http.MethodGet, s.baseURL+"/user/credits", nil, s.auth)
	if err != nil {
		return nil, fmt.Errorf("sendgrid: %w", err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("sendgrid: credits returned %d", resp.status)
	}
	var body struct {
		Remain int64  `json:"remain"`
		Total  int64  `json:"total"`
		Used   int64  `json:"used"`
		Reset  string `json:"reset_frequency"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, fmt.Errorf("sendgrid: %w", err)
	}
	return &QuotaInfo{
		Period:  body.Reset,
		Used:    body.Used,
		Limit:   body.Total,
		Details: map[string]float64{"remain": float64(body.Remain)},
	}, nil
}

type sgEvent struct {
	Email       string `json:"email"`
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	SGEventID   string `json:"sg_event_id"`
	SGMessageID string `json:"sg_message_id"`
	URL         string `json:"url"`
}

// ParseWebhook decodes an event-webhook batch (a JSON array).
func (s *SendGrid) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("sendgrid: decode events: %w", err)
	}
	out := make([]RawEvent, 0, len(items))
	for _, raw := range items {
		var e sgEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("sendgrid: decode event: %w", err)
		}
		// sg_message_id is "<X-Message-Id>.<filter suffix>".
		msgID, _, _ := strings.Cut(e.SGMessageID, ".")
		out = append(out, RawEvent{
			NativeType:        e.Event,
			RecipientEmail:    e.Email,
			ProviderMessageID: msgID,
			ProviderEventID:   e.SGEventID,
			URL:               e.URL,
			OccurredAt:        time.Unix(e.Timestamp, 0).UTC(),
			Raw:               raw,
		})
	}
	return out, nil
}

// VerifySignature checks the base64 HMAC-SHA256 of timestamp+payload keyed
// with the webhook key. Without a configured key every payload is accepted.
func (s *SendGrid) VerifySignature(_ context.Context, payload []byte, headers http.Header) bool {
	if s.webhookKey == "" {
		return true
	}
	sig := headers.Get(sendGridSignatureHeader)
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookKey))
	mac.Write([]byte(headers.Get(sendGridTimestampHeader)))
	mac.Write(payload)
	return equalSecret(sig, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
