package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const brevoBaseURL = "https://api.brevo.com/v3"

// Brevo sends through the Brevo transactional email API.
type Brevo struct {
	apiKey     string
	webhookKey string
	baseURL    string
	client     httpretry.HTTPDoer
}

func NewBrevo(creds domain.Credentials, opts Options) *Brevo {
	return &Brevo{
		apiKey:     creds.APIKey,
		webhookKey: creds.WebhookKey,
		baseURL:    trimBase(creds.BaseURL, brevoBaseURL),
		client:     opts.doer(),
	}
}

func (b *Brevo) Type() domain.ProviderType { return domain.ProviderBrevo }

func (b *Brevo) auth(req *http.Request) { req.Header.Set("api-key", b.apiKey) }

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func brevoContacts(emails []string) []brevoContact {
	if len(emails) == 0 {
		return nil
	}
	out := make([]brevoContact, 0, len(emails))
	for _, e := range emails {
		out = append(out, brevoContact{Email: e})
	}
	return out
}

// Send delivers a single message.
func (b *Brevo) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("brevo: %w", ErrNotConfigured)
	}

	fromName := msg.FromName
	if fromName == "" {
		fromName = msg.FromEmail
	}
	body := map[string]any{
		"sender":      brevoContact{Email: msg.FromEmail, Name: fromName},
		"to":          []brevoContact{{Email: msg.To, Name: msg.ToName}},
		"subject":     msg.Subject,
		"htmlContent": msg.HTML,
	}
	if msg.Text != "" {
		body["textContent"] = msg.Text
	}
	if cc := brevoContacts(msg.CC); cc != nil {
		body["cc"] = cc
	}
	if bcc := brevoContacts(msg.BCC); bcc != nil {
		body["bcc"] = bcc
	}
	if msg.ReplyTo != "" {
		body["replyTo"] = brevoContact{Email: msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		body["headers"] = msg.Headers
	}
	if len(msg.Tags) > 0 {
		body["tags"] = msg.Tags
	}
	if len(msg.Metadata) > 0 {
		body["params"] = msg.Metadata
	}

	resp, err := call(ctx, b.client, http.MethodPost, b.baseURL+"/smtp/email", body, b.auth)
	if err != nil {
		return nil, fmt.Errorf("brevo: %w", err)
	}
	if !resp.ok() {
		return &domain.SendResult{
			Success:    false,
			StatusCode: resp.status,
			Error:      fmt.Sprintf("brevo error %d: %s", resp.status, resp.snippet()),
		}, nil
	}

	var result struct {
		MessageID string `json:"messageId"`
	}
	if err := resp.decode(&result); err != nil {
		return nil, fmt.Errorf("brevo: %w", err)
	}
	messageID := strings.Trim(result.MessageID, "<>")
	logger.Info("provider: sent", "provider", "brevo", "to", msg.To, "message_id", messageID)

	return &domain.SendResult{Success: true, MessageID: messageID, StatusCode: resp.status, SentAt: time.Now().UTC()}, nil
}

func (b *Brevo) ValidateCredentials(ctx context.Context) CheckResult {
	if b.apiKey == "" {
		return fail("API key not configured")
	}
	resp, err := call(ctx, b.client, http.MethodGet, b.baseURL+"/account", nil, b.auth)
	if err != nil {
		return fail("API key validation error: %v", err)
	}
	switch {
	case resp.ok():
		return pass("API key is valid")
	case resp.status == http.StatusUnauthorized:
		return fail("invalid API key")
	default:
		return fail("API key validation failed with status %d", resp.status)
	}
}

// VerifySender looks email up among the account's active senders. When the
// listing is unavailable the check passes and Brevo rejects the send instead.
func (b *Brevo) VerifySender(ctx context.Context, email string) CheckResult {
	resp, err := call(ctx, b.client, http.MethodGet, b.baseURL+"/senders", nil, b.auth)
	if err != nil || !resp.ok() {
		return pass("unable to verify sender, proceeding")
	}
	var body struct {
		Senders []struct {
			Email  string `json:"email"`
			Active bool   `json:"active"`
		} `json:"senders"`
	}
	if err := resp.decode(&body); err != nil {
		return pass("unable to verify sender, proceeding")
	}
	for _, s := range body.Senders {
		if strings.EqualFold(s.Email, email) && s.Active {
			return pass("sender is verified and active")
		}
	}
	return fail("sender %s is not verified in Brevo", email)
}

// GetQuotaInfo sums the email credits of the account's plans.
func (b *Brevo) GetQuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	resp, err := call(ctx, b.client, http.MethodGet, b.baseURL+"/account", nil, b.auth)
	if err != nil {
		return nil, fmt.Errorf("brevo: %w", err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("brevo: account returned %d", resp.status)
	}
	var body struct {
		Plan []struct {
			Type        string  `json:"type"`
			CreditsType string  `json:"creditsType"`
			Credits     float64 `json:"credits"`
		} `json:"plan"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, fmt.Errorf("brevo: %w", err)
	}
	if len(body.Plan) == 0 {
		return nil, nil
	}
	info := &QuotaInfo{Details: map[string]float64{}}
	for _, p := range body.Plan {
		info.Details[p.Type+"_credits"] += p.Credits
		if info.Period == "" {
			info.Period = p.CreditsType
		}
	}
	return info, nil
}

type brevoEvent struct {
	Event     string          `json:"event"`
	Email     string          `json:"email"`
	ID        json.RawMessage `json:"id"`
	Date      string          `json:"date"`
	TSEvent   int64           `json:"ts_event"`
	MessageID string          `json:"message-id"`
	Link      string          `json:"link"`
}

// ParseWebhook decodes a single event or, with batched webhooks, an array.
func (b *Brevo) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	trimmed := strings.TrimSpace(string(payload))
	var items []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("brevo: decode events: %w", err)
		}
	} else {
		items = []json.RawMessage{json.RawMessage(payload)}
	}

	out := make([]RawEvent, 0, len(items))
	for _, raw := range items {
		var e brevoEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("brevo: decode event: %w", err)
		}
		if e.Event == "" {
			return nil, fmt.Errorf("brevo: event missing")
		}
		var occurred time.Time
		if e.TSEvent > 0 {
			occurred = time.Unix(e.TSEvent, 0).UTC()
		} else if t, err := time.Parse("2006-01-02 15:04:05", e.Date); err == nil {
			occurred = t.UTC()
		}
		// Brevo's id is the webhook id, shared by every event it posts, so
		// it only identifies the event together with type and timestamp.
		eventID := ""
		if len(e.ID) > 0 && e.TSEvent > 0 {
			eventID = strings.Trim(string(e.ID), `"`) + ":" + e.Event + ":" + strconv.FormatInt(e.TSEvent, 10) + ":" + e.MessageID
		}
		out = append(out, RawEvent{
			NativeType:        e.Event,
			RecipientEmail:    e.Email,
			ProviderMessageID: strings.Trim(e.MessageID, "<>"),
			ProviderEventID:   eventID,
			URL:               e.Link,
			OccurredAt:        occurred,
			Raw:               raw,
		})
	}
	return out, nil
}

// VerifySignature: Brevo does not sign webhooks. When a webhook key is
// configured the request must carry it as a bearer token.
func (b *Brevo) VerifySignature(_ context.Context, _ []byte, headers http.Header) bool {
	if b.webhookKey == "" {
		return true
	}
	return equalSecret(headers.Get("Authorization"), "Bearer "+b.webhookKey)
}
