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

const (
	sparkPostBaseURL   = "https://api.sparkpost.com/api/v1"
	sparkPostEUBaseURL = "https://api.eu.sparkpost.com/api/v1"
)

// SparkPost sends through the SparkPost Transmissions API.
type SparkPost struct {
	apiKey     string
	webhookKey string
	baseURL    string
	client     httpretry.HTTPDoer
}

// NewSparkPost creates a SparkPost adapter. creds.Region "eu" selects the
// EU endpoint; creds.BaseURL overrides both.
func NewSparkPost(creds domain.Credentials, opts Options) *SparkPost {
	def := sparkPostBaseURL
	if strings.EqualFold(creds.Region, "eu") {
		def = sparkPostEUBaseURL
	}
	return &SparkPost{
		apiKey:     creds.APIKey,
		webhookKey: creds.WebhookKey,
		baseURL:    trimBase(creds.BaseURL, def),
		client:     opts.doer(),
	}
}

func (s *SparkPost) Type() domain.ProviderType { return domain.ProviderSparkPost }

func (s *SparkPost) auth(req *http.Request) { req.Header.Set("Authorization", s.apiKey) }

// Send delivers a single message as a one-recipient transmission.
func (s *SparkPost) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("sparkpost: %w", ErrNotConfigured)
	}

	content := map[string]any{
		"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject": msg.Subject,
		"html":    msg.HTML,
	}
	if msg.Text != "" {
		content["text"] = msg.Text
	}
	if msg.ReplyTo != "" {
		content["reply_to"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		content["headers"] = msg.Headers
	}
	recipients := []map[string]any{{"address": map[string]string{"email": msg.To, "name": msg.ToName}, "tags": msg.Tags}}
	for _, cc := range append(append([]string{}, msg.CC...), msg.BCC...) {
		recipients = append(recipients, map[string]any{"address": map[string]string{"email": cc, "header_to": msg.To}})
	}
	transmission := map[string]any{
		"recipients": recipients,
		"content":    content,
		"metadata":   msg.Metadata,
	}

	resp, err := call(ctx, s.client, http.MethodPost, s.baseURL+"/transmissions", transmission, s.auth)
	if err != nil {
		return nil, fmt.Errorf("sparkpost: %w", err)
	}
	if !resp.ok() {
		return &domain.SendResult{
			Success:    false,
			StatusCode: resp.status,
			Error:      fmt.Sprintf("sparkpost error %d: %s", resp.status, resp.snippet()),
		}, nil
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := resp.decode(&result); err != nil {
		return nil, fmt.Errorf("sparkpost: %w", err)
	}
	logger.Info("provider: sent", "provider", "sparkpost", "to", msg.To, "message_id", result.Results.ID)

	return &domain.SendResult{Success: true, MessageID: result.Results.ID, StatusCode: resp.status, SentAt: time.Now().UTC()}, nil
}

// ValidateCredentials fetches the account.
func (s *SparkPost) ValidateCredentials(ctx context.Context) CheckResult {
	if s.apiKey == "" {
		return fail("API key not configured")
	}
	resp, err := call(ctx, s.client, http.MethodGet, s.baseURL+"/account", nil, s.auth)
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

// VerifySender checks that the sender's domain is a verified sending domain.
func (s *SparkPost) VerifySender(ctx context.Context, email string) CheckResult {
	d := senderDomain(email)
	if d == "" {
		return fail("invalid sender address %q", email)
	}
	resp, err := call(ctx, s.client, http.MethodGet, s.baseURL+"/sending-domains/"+d, nil, s.auth)
	if err != nil {
		return fail("sender verification error: %v", err)
	}
	if resp.status == http.StatusNotFound {
		return fail("sending domain %s is not registered", d)
	}
	if !resp.ok() {
		return fail("sender verification failed with status %d", resp.status)
	}
	var body struct {
		Results struct {
			Status struct {
				OwnershipVerified bool   `json:"ownership_verified"`
				ComplianceStatus  string `json:"compliance_status"`
			} `json:"status"`
		} `json:"results"`
	}
	if err := resp.decode(&body); err != nil {
		return fail("sender verification error: %v", err)
	}
	st := body.Results.Status
	if st.OwnershipVerified && st.ComplianceStatus != "blocked" {
		return pass("sending domain %s is verified", d)
	}
	return fail("sending domain %s is not verified", d)
}

// GetQuotaInfo reads monthly usage from the account endpoint.
func (s *SparkPost) GetQuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	resp, err := call(ctx, s.client, http.MethodGet, s.baseURL+"/account?include=usage", nil, s.auth)
	if err != nil {
		return nil, fmt.Errorf("sparkpost: %w", err)
	}
	if !resp.ok() {
		return nil, fmt.Errorf("sparkpost: account returned %d", resp.status)
	}
	type window struct {
		Used  int64 `json:"used"`
		Limit int64 `json:"limit"`
	}
	var body struct {
		Results struct {
			Usage struct {
				Day   window `json:"day"`
				Month window `json:"month"`
			} `json:"usage"`
		} `json:"results"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, fmt.Errorf("sparkpost: %w", err)
	}
	u := body.Results.Usage
	return &QuotaInfo{
		Period: "month",
		Used:   u.Month.Used,
		Limit:  u.Month.Limit,
		Details: map[string]float64{
			"day_used":  float64(u.Day.Used),
			"day_limit": float64(u.Day.Limit),
		},
	}, nil
}

type spEvent struct {
	Type          string `json:"type"`
	EventID       string `json:"event_id"`
	MessageID     string `json:"message_id"`
	RcptTo        string `json:"rcpt_to"`
	Timestamp     string `json:"timestamp"`
	TargetLinkURL string `json:"target_link_url"`
}

// ParseWebhook decodes a batch of msys-wrapped events.
func (s *SparkPost) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	var batch []struct {
		Msys map[string]json.RawMessage `json:"msys"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("sparkpost: decode events: %w", err)
	}
	var out []RawEvent
	for _, item := range batch {
		// Each msys holds exactly one category (message_event, track_event, ...).
		for _, raw := range item.Msys {
			var e spEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("sparkpost: decode event: %w", err)
			}
			if e.Type == "" {
				continue
			}
			out = append(out, RawEvent{
				NativeType:        e.Type,
				RecipientEmail:    e.RcptTo,
				ProviderMessageID: e.MessageID,
				ProviderEventID:   e.EventID,
				URL:               e.TargetLinkURL,
				OccurredAt:        parseSparkPostTime(e.Timestamp),
				Raw:               raw,
			})
		}
	}
	return out, nil
}

// parseSparkPostTime accepts unix seconds or RFC 3339. Zero on failure.
func parseSparkPostTime(s string) time.Time {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// VerifySignature compares the Authorization header against the configured
// webhook credential ("user:pass" for basic auth, otherwise a bearer token).
// Without a configured credential every payload is accepted.
func (s *SparkPost) VerifySignature(_ context.Context, _ []byte, headers http.Header) bool {
	if s.webhookKey == "" {
		return true
	}
	if user, pw, found := strings.Cut(s.webhookKey, ":"); found {
		req := http.Request{Header: headers}
		u, p, ok := req.BasicAuth()
		return ok && equalSecret(u, user) && equalSecret(p, pw)
	}
	return equalSecret(headers.Get("Authorization"), "Bearer "+s.webhookKey)
}
