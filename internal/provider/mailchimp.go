package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const (
	mandrillBaseURL         = "https://mandrillapp.com/api/1.0"
	mandrillSignatureHeader = "X-Mandrill-Signature"
	mandrillEventsField     = "mandrill_events"
)

// Mailchimp sends through Mailchimp Transactional (Mandrill).
//
// Mandrill signs a webhook over the URL it posts to, so the webhook key is
// stored as "<auth key>|<webhook url>".
type Mailchimp struct {
	apiKey     string
	webhookKey string
	webhookURL string
	baseURL    string
	client     httpretry.HTTPDoer
}

func NewMailchimp(creds domain.Credentials, opts Options) *Mailchimp {
	key, hookURL, _ := strings.Cut(creds.WebhookKey, "|")
	return &Mailchimp{
		apiKey:     creds.APIKey,
		webhookKey: key,
		webhookURL: hookURL,
		baseURL:    trimBase(creds.BaseURL, mandrillBaseURL),
		client:     opts.doer(),
	}
}

func (m *Mailchimp) Type() domain.ProviderType { return domain.ProviderMailchimp }

// post calls a Mandrill method. Every method is a POST carrying the key in
// the body.
func (m *Mailchimp) post(ctx context.Context, method string, params map[string]any) (*response, error) {
	body := map[string]any{"key": m.apiKey}
	for k, v := range params {
		body[k] = v
	}
	return call(ctx, m.client, http.MethodPost, m.baseURL+method, body, nil)
}

type mandrillRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
}

type mandrillMessage struct {
	FromEmail string              `json:"from_email"`
	FromName  string              `json:"from_name"`
	To        []mandrillRecipient `json:"to"`
	Subject   string              `json:"subject"`
	HTML      string              `json:"html"`
	Text      string              `json:"text,omitempty"`
	Headers   map[string]string   `json:"headers,omitempty"`
	Tags      []string            `json:"tags,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

type mandrillSendResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"`
	ID           string `json:"_id"`
	RejectReason string `json:"reject_reason"`
}

func mandrillPayload(msg *domain.EmailMessage) mandrillMessage {
	fromName := msg.FromName
	if fromName == "" {
		fromName = msg.FromEmail
	}
	out := mandrillMessage{
		FromEmail: msg.FromEmail,
		FromName:  fromName,
		To:        []mandrillRecipient{{Email: msg.To, Name: msg.ToName, Type: "to"}},
		Subject:   msg.Subject,
		HTML:      msg.HTML,
		Text:      msg.Text,
		Tags:      msg.Tags,
		Metadata:  msg.Metadata,
	}
	for _, cc := range msg.CC {
		out.To = append(out.To, mandrillRecipient{Email: cc, Type: "cc"})
	}
	for _, bcc := range msg.BCC {
		out.To = append(out.To, mandrillRecipient{Email: bcc, Type: "bcc"})
	}
	if len(msg.Headers) > 0 || msg.ReplyTo != "" {
		out.Headers = make(map[string]string, len(msg.Headers)+1)
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
		if msg.ReplyTo != "" {
			out.Headers["Reply-To"] = msg.ReplyTo
		}
	}
	return out
}

// Send delivers a single message. Mandrill answers with one result per
// recipient; the primary recipient's result decides the outcome.
func (m *Mailchimp) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if m.apiKey == "" {
		return nil, fmt.Errorf("mailchimp: %w", ErrNotConfigured)
	}
	resp, err := m.post(ctx, "/messages/send", map[string]any{"message": mandrillPayload(msg)})
	if err != nil {
		return nil, fmt.Errorf("mailchimp: %w", err)
	}
	if !resp.ok() {
		return &domain.SendResult{
			Success:    false,
			StatusCode: resp.status,
			Error:      fmt.Sprintf("mailchimp error %d: %s", resp.status, resp.snippet()),
		}, nil
	}

	var results []mandrillSendResult
	if err := resp.decode(&results); err != nil {
		return nil, fmt.Errorf("mailchimp: %w", err)
	}
	if len(results) == 0 {
		return &domain.SendResult{Success: false, StatusCode: resp.status, Error: "mailchimp: empty send response"}, nil
	}
	res := results[0]
	for _, r := range results {
		if strings.EqualFold(r.Email, msg.To) {
			res = r
			break
		}
	}
	switch res.Status {
	case "sent", "queued", "scheduled":
	default:
		reason := res.RejectReason
		if reason == "" {
			reason = "unknown"
		}
		return &domain.SendResult{
			Success:    false,
			StatusCode: http.StatusBadRequest,
			Error:      fmt.Sprintf("mailchimp status %s: %s", res.Status, reason),
		}, nil
	}
	logger.Info("provider: sent", "provider", "mailchimp", "to", msg.To, "message_id", res.ID, "status", res.Status)
	return &domain.SendResult{Success: true, MessageID: res.ID, StatusCode: resp.status, SentAt: time.Now().UTC()}, nil
}

func (m *Mailchimp) ValidateCredentials(ctx context.Context) CheckResult {
	if m.apiKey == "" {
		return fail("API key not configured")
	}
	resp, err := m.post(ctx, "/users/ping", nil)
	if err != nil {
		return fail("API key validation error: %v", err)
	}
	if !resp.ok() {
		var apiErr struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		if resp.decode(&apiErr) == nil && apiErr.Name == "Invalid_Key" {
			return fail("invalid API key")
		}
		return fail("API key validation failed with status %d", resp.status)
	}
	var pong string
	if err := resp.decode(&pong); err != nil || pong != "PONG!" {
		return fail("unexpected ping response")
	}
	return pass("API key is valid")
}

// VerifySender accepts a sender whose domain has valid DKIM signing or
// whose address is a known sender. When the listing is unavailable the
// check passes and Mandrill rejects the send instead.
func (m *Mailchimp) VerifySender(ctx context.Context, email string) CheckResult {
	resp, err := m.post(ctx, "/senders/domains", nil)
	if err != nil || !resp.ok() {
		return pass("unable to verify sender, proceeding")
	}
	var domains []struct {
		Domain       string `json:"domain"`
		ValidSigning bool   `json:"valid_signing"`
	}
	if err := resp.decode(&domains); err != nil {
		return pass("unable to verify sender, proceeding")
	}
	want := senderDomain(email)
	for _, d := range domains {
		if strings.EqualFold(d.Domain, want) && d.ValidSigning {
			return pass("sender domain %s is verified", want)
		}
	}

	resp, err = m.post(ctx, "/senders/list", nil)
	if err == nil && resp.ok() {
		var senders []struct {
			Address string `json:"address"`
		}
		if resp.decode(&senders) == nil {
			for _, s := range senders {
				if strings.EqualFold(s.Address, email) {
					return pass("sender email is verified")
				}
			}
		}
	}
	return fail("sender %s is not verified in Mailchimp", email)
}

// GetQuotaInfo reports the hourly quota and today's sends.
func (m *Mailchimp) GetQuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	resp, err := m.post(ctx, "/users/info", nil)
	if err != nil {
		return nil, fmt.Errorf("mailchimp: %w", err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("mailchimp: users/info returned %d", resp.status)
	}
	var body struct {
		HourlyQuota int64   `json:"hourly_quota"`
		Backlog     int64   `json:"backlog"`
		Reputation  float64 `json:"reputation"`
		Stats       struct {
			Today struct {
				Sent int64 `json:"sent"`
			} `json:"today"`
		} `json:"stats"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, fmt.Errorf("mailchimp: %w", err)
	}
	return &QuotaInfo{
		Period: "hour",
		Used:   body.Stats.Today.Sent,
		Limit:  body.HourlyQuota,
		Details: map[string]float64{
			"backlog":    float64(body.Backlog),
			"reputation": body.Reputation,
		},
	}, nil
}

type mandrillEvent struct {
	ID    string  `json:"_id"`
	Event string  `json:"event"`
	TS    float64 `json:"ts"`
	URL   string  `json:"url"`
	Msg   struct {
		ID    string `json:"_id"`
		Email string `json:"email"`
	} `json:"msg"`
}

// mandrillEvents extracts the event array from a form post, or accepts the
// bare JSON array.
func mandrillEvents(payload []byte) ([]json.RawMessage, error) {
	raw := payload
	if trimmed := strings.TrimSpace(string(payload)); !strings.HasPrefix(trimmed, "[") {
		form, err := url.ParseQuery(trimmed)
		if err != nil {
			return nil, fmt.Errorf("mailchimp: decode form: %w", err)
		}
		v := form.Get(mandrillEventsField)
		if v == "" {
			return nil, fmt.Errorf("mailchimp: %s missing", mandrillEventsField)
		}
		raw = []byte(v)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("mailchimp: decode events: %w", err)
	}
	return items, nil
}

func (m *Mailchimp) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	items, err := mandrillEvents(payload)
	if err != nil {
		return nil, err
	}
	out := make([]RawEvent, 0, len(items))
	for _, raw := range items {
		var e mandrillEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("mailchimp: decode event: %w", err)
		}
		if e.Event == "" {
			return nil, fmt.Errorf("mailchimp: event missing")
		}
		id := e.ID
		if id == "" && e.Msg.ID != "" && e.TS > 0 {
			id = e.Msg.ID + ":" + e.Event + ":" + strconv.FormatFloat(e.TS, 'f', -1, 64)
		}
		sec := int64(e.TS)
		out = append(out, RawEvent{
			NativeType:        e.Event,
			RecipientEmail:    e.Msg.Email,
			ProviderMessageID: e.Msg.ID,
			ProviderEventID:   id,
			URL:               e.URL,
			OccurredAt:        time.Unix(sec, int64((e.TS-float64(sec))*1e9)).UTC(),
			Raw:               raw,
		})
	}
	return out, nil
}

// VerifySignature checks X-Mandrill-Signature: base64 HMAC-SHA1 of the
// webhook URL followed by every form key and value, sorted by key.
func (m *Mailchimp) VerifySignature(_ context.Context, payload []byte, headers http.Header) bool {
	if m.webhookKey == "" {
		return true
	}
	sig := headers.Get(mandrillSignatureHeader)
	if sig == "" || m.webhookURL == "" {
		return false
	}
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(m.webhookKey))
	mac.Write([]byte(m.webhookURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(form.Get(k)))
	}
	return equalSecret(sig, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
