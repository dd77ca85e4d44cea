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
	klaviyoBaseURL         = "https://a.klaviyo.com/api"
	klaviyoRevision        = "2024-10-15"
	klaviyoSignatureHeader = "Klaviyo-Signature"
	// klaviyoSendMetric is the metric a Klaviyo flow listens on to deliver
	// the message.
	klaviyoSendMetric = "Transactional Email"
)

// Klaviyo has no transactional send endpoint. Send records a metric event
// carrying the rendered message, and a flow triggered by that metric
// delivers it. Webhooks come back keyed by our message id when the flow
// forwards it, by recipient email otherwise.
type Klaviyo struct {
	apiKey     string
	webhookKey string
	baseURL    string
	client     httpretry.HTTPDoer
}

func NewKlaviyo(creds domain.Credentials, opts Options) *Klaviyo {
	return &Klaviyo{
		apiKey:     creds.APIKey,
		webhookKey: creds.WebhookKey,
		baseURL:    trimBase(creds.BaseURL, klaviyoBaseURL),
		client:     opts.doer(),
	}
}

func (k *Klaviyo) Type() domain.ProviderType { return domain.ProviderKlaviyo }

func (k *Klaviyo) auth(req *http.Request) {
	req.Header.Set("Authorization", "Klaviyo-API-Key "+k.apiKey)
	req.Header.Set("revision", klaviyoRevision)
}

type klaviyoEventBody struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Profile    map[string]any `json:"profile"`
			Metric     map[string]any `json:"metric"`
			Properties map[string]any `json:"properties"`
			UniqueID   string         `json:"unique_id"`
			Time       string         `json:"time"`
		} `json:"attributes"`
	} `json:"data"`
}

func (k *Klaviyo) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if k.apiKey == "" {
		return nil, fmt.Errorf("klaviyo: %w", ErrNotConfigured)
	}
	messageID := msg.ID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = msg.FromEmail
	}
	now := time.Now().UTC()

	var body klaviyoEventBody
	body.Data.Type = "event"
	a := &body.Data.Attributes
	a.Profile = map[string]any{"data": map[string]any{
		"type":       "profile",
		"attributes": map[string]any{"email": msg.To},
	}}
	a.Metric = map[string]any{"data": map[string]any{
		"type":       "metric",
		"attributes": map[string]any{"name": klaviyoSendMetric},
	}}
	a.Properties = map[string]any{
		"message_id": messageID,
		"subject":    msg.Subject,
		"from_email": msg.FromEmail,
		"from_name":  fromName,
		"html":       msg.HTML,
	}
	if msg.Text != "" {
		a.Properties["text"] = msg.Text
	}
	if msg.ReplyTo != "" {
		a.Properties["reply_to"] = msg.ReplyTo
	}
	for key, v := range msg.Metadata {
		a.Properties[key] = v
	}
	a.UniqueID = messageID
	a.Time = now.Format(time.RFC3339)

	resp, err := call(ctx, k.client, http.MethodPost, k.baseURL+"/events/", body, k.auth)
	if err != nil {
		return nil, fmt.Errorf("klaviyo: %w", err)
	}
	if !resp.ok() {
		return &domain.SendResult{
			Success:    false,
			StatusCode: resp.status,
			Error:      fmt.Sprintf("klaviyo error %d: %s", resp.status, resp.snippet()),
		}, nil
	}
	logger.Info("provider: sent", "provider", "klaviyo", "to", msg.To, "message_id", messageID)
	return &domain.SendResult{Success: true, MessageID: messageID, StatusCode: resp.status, SentAt: now}, nil
}

func (k *Klaviyo) ValidateCredentials(ctx context.Context) CheckResult {
	if k.apiKey == "" {
		return fail("API key not configured")
	}
	resp, err := call(ctx, k.client, http.MethodGet, k.baseURL+"/accounts/", nil, k.auth)
	if err != nil {
		return fail("API key validation error: %v", err)
	}
	switch {
	case resp.ok():
		return pass("API key is valid")
	case resp.status == http.StatusUnauthorized:
		return fail("invalid API key")
	case resp.status == http.StatusForbidden:
		return fail("API key lacks the required scopes")
	default:
		return fail("API key validation failed with status %d", resp.status)
	}
}

// VerifySender: Klaviyo manages sender identities in account settings and
// exposes no per-address check, so a readable account passes.
func (k *Klaviyo) VerifySender(ctx context.Context, email string) CheckResult {
	resp, err := call(ctx, k.client, http.MethodGet, k.baseURL+"/accounts/", nil, k.auth)
	if err != nil {
		return pass("unable to verify sender, proceeding")
	}
	if !resp.ok() {
		return fail("unable to read Klaviyo account for sender %s", email)
	}
	return pass("sender identity is managed in Klaviyo account settings")
}

// GetQuotaInfo returns nil, nil: Klaviyo publishes no sending quota.
func (k *Klaviyo) GetQuotaInfo(context.Context) (*QuotaInfo, error) {
	return nil, nil
}

type klaviyoWebhookEvent struct {
	ID         string `json:"id"`
	Attributes struct {
		Timestamp string `json:"timestamp"`
		Datetime  string `json:"datetime"`
		Metric    struct {
			Name string `json:"name"`
		} `json:"metric"`
		Profile struct {
			Email       string `json:"email"`
			LegacyEmail string `json:"$email"`
		} `json:"profile"`
		EventProperties map[string]any `json:"event_properties"`
	} `json:"attributes"`
}

// ParseWebhook accepts {"data": event} or {"data": [events...]}.
func (k *Klaviyo) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("klaviyo: decode payload: %w", err)
	}
	var items []json.RawMessage
	if trimmed := strings.TrimSpace(string(envelope.Data)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(envelope.Data, &items); err != nil {
			return nil, fmt.Errorf("klaviyo: decode events: %w", err)
		}
	} else if len(envelope.Data) > 0 {
		items = []json.RawMessage{envelope.Data}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("klaviyo: data missing")
	}

	out := make([]RawEvent, 0, len(items))
	for _, raw := range items {
		var e klaviyoWebhookEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("klaviyo: decode event: %w", err)
		}
		a := e.Attributes
		if a.Metric.Name == "" {
			return nil, fmt.Errorf("klaviyo: metric name missing")
		}
		email := a.Profile.Email
		if email == "" {
			email = a.Profile.LegacyEmail
		}
		messageID, _ := a.EventProperties["message_id"].(string)
		link, _ := a.EventProperties["URL"].(string)
		out = append(out, RawEvent{
			NativeType:        a.Metric.Name,
			RecipientEmail:    email,
			ProviderMessageID: messageID,
			ProviderEventID:   e.ID,
			URL:               link,
			OccurredAt:        klaviyoTime(a.Datetime, a.Timestamp),
			Raw:               raw,
		})
	}
	return out, nil
}

func klaviyoTime(datetime, timestamp string) time.Time {
	for _, v := range []string{datetime, timestamp} {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// VerifySignature checks Klaviyo-Signature: base64 HMAC-SHA256 of the raw
// body under the webhook secret.
func (k *Klaviyo) VerifySignature(_ context.Context, payload []byte, headers http.Header) bool {
	if k.webhookKey == "" {
		return true
	}
	sig := headers.Get(klaviyoSignatureHeader)
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(k.webhookKey))
	mac.Write(payload)
	return equalSecret(sig, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
