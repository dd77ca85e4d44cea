package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const defaultSESRegion = "us-east-1"

// SESAPI is the subset of the sesv2 client the adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	GetEmailIdentity(ctx context.Context, in *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
}

// SES sends through Amazon SES v2. Webhook events arrive as SNS
// notifications wrapping SES event-publishing records.
type SES struct {
	client   SESAPI
	region   string
	topicARN string
	http     httpretry.HTTPDoer
}

// NewSES creates an SES adapter from static credentials (APIKey is the
// access key id, APISecret the secret). Without keys the default AWS
// credential chain is used. creds.WebhookKey, when set, pins the SNS topic
// ARN that notifications must come from.
func NewSES(creds domain.Credentials, opts Options) (*SES, error) {
	region := creds.Region
	if region == "" {
		region = defaultSESRegion
	}
	s := &SES{client: opts.SES, region: region, topicARN: creds.WebhookKey, http: opts.doer()}
	if s.client != nil {
		return s, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds.APIKey != "" && creds.APISecret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.APIKey, creds.APISecret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}
	s.client = sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if creds.BaseURL != "" {
			o.BaseEndpoint = aws.String(creds.BaseURL)
		}
	})
	return s, nil
}

func (s *SES) Type() domain.ProviderType { return domain.ProviderSES }

func sesContent(v string) *types.Content {
	return &types.Content{Data: aws.String(v), Charset: aws.String("UTF-8")}
}

// SES tag names and values allow only [A-Za-z0-9_-].
var sesTagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

func sesTag(s string) string {
	s = sesTagUnsafe.ReplaceAllString(s, "_")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// Send delivers a single message.
func (s *SES) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromHeader(msg.FromName, msg.FromEmail)),
		Destination: &types.Destination{
			ToAddresses:  []string{msg.To},
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: sesContent(msg.Subject),
				Body:    &types.Body{Html: sesContent(msg.HTML)},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = sesContent(msg.Text)
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	for k, v := range msg.Metadata {
		if v == "" {
			continue
		}
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(sesTag(k)), Value: aws.String(sesTag(v))})
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ses: %w", err)
		}
		logger.Warn("provider: send failed", "provider", "ses", "to", msg.To, "error", err)
		return &domain.SendResult{Success: false, Error: err.Error()}, nil
	}

	messageID := aws.ToString(out.MessageId)
	logger.Info("provider: sent", "provider", "ses", "to", msg.To, "message_id", messageID)

	return &domain.SendResult{Success: true, MessageID: messageID, SentAt: time.Now().UTC()}, nil
}

// ValidateCredentials reads the account and requires sending to be enabled.
func (s *SES) ValidateCredentials(ctx context.Context) CheckResult {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fail("credential validation error: %v", err)
	}
	if !out.SendingEnabled {
		return fail("sending is disabled for this account in %s", s.region)
	}
	return pass("credentials are valid")
}

// VerifySender checks the address identity, then its domain identity.
func (s *SES) VerifySender(ctx context.Context, email string) CheckResult {
	var lastErr error
	for _, identity := range []string{email, senderDomain(email)} {
		if identity == "" {
			continue
		}
		out, err := s.client.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{EmailIdentity: aws.String(identity)})
		if err != nil {
			var nf *types.NotFoundException
			if !errors.As(err, &nf) {
				lastErr = err
			}
			continue
		}
		if out.VerifiedForSendingStatus {
			return pass("identity %s is verified", identity)
		}
	}
	if lastErr != nil {
		return fail("sender verification error: %v", lastErr)
	}
	return fail("sender %s is not a verified SES identity", email)
}

// GetQuotaInfo reports the rolling 24h send quota.
func (s *SES) GetQuotaInfo(ctx context.Context) (*QuotaInfo, error) {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, fmt.Errorf("ses: %w", err)
	}
	if out.SendQuota == nil {
		return nil, nil
	}
	q := out.SendQuota
	return &QuotaInfo{
		Period:  "24h",
		Used:    int64(q.SentLast24Hours),
		Limit:   int64(q.Max24HourSend),
		Details: map[string]float64{"max_send_rate": q.MaxSendRate},
	}, nil
}

// snsEnvelope is the SNS HTTP delivery body.
type snsEnvelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL"`
}

type sesRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

type sesRecord struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Bounce *struct {
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		Timestamp         string         `json:"timestamp"`
	} `json:"bounce"`
	Complaint *struct {
		ComplainedRecipients []sesRecipient `json:"complainedRecipients"`
		Timestamp            string         `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Timestamp  string   `json:"timestamp"`
		Recipients []string `json:"recipients"`
	} `json:"delivery"`
	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Timestamp string `json:"timestamp"`
		Link      string `json:"link"`
	} `json:"click"`
}

func (r *sesRecord) native() string {
	if r.EventType != "" {
		return r.EventType
	}
	return r.NotificationType
}

// recipients returns the addresses the event concerns and its timestamp.
func (r *sesRecord) recipients() ([]string, string, string) {
	emails := func(rs []sesRecipient) []string {
		out := make([]string, 0, len(rs))
		for _, x := range rs {
			out = append(out, x.EmailAddress)
		}
		return out
	}
	switch {
	case r.Bounce != nil:
		return emails(r.Bounce.BouncedRecipients), r.Bounce.Timestamp, ""
	case r.Complaint != nil:
		return emails(r.Complaint.ComplainedRecipients), r.Complaint.Timestamp, ""
	case r.Delivery != nil:
		return r.Delivery.Recipients, r.Delivery.Timestamp, ""
	case r.Open != nil:
		return r.Mail.Destination, r.Open.Timestamp, ""
	case r.Click != nil:
		return r.Mail.Destination, r.Click.Timestamp, r.Click.Link
	}
	return r.Mail.Destination, r.Mail.Timestamp, ""
}

// ParseWebhook unwraps an SNS notification. Subscription handshakes yield
// no events.
func (s *SES) ParseWebhook(payload []byte, _ http.Header) ([]RawEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("ses: decode sns envelope: %w", err)
	}
	if env.Type != "Notification" {
		return nil, nil
	}
	var rec sesRecord
	if err := json.Unmarshal([]byte(env.Message), &rec); err != nil {
		return nil, fmt.Errorf("ses: decode event: %w", err)
	}
	if rec.native() == "" {
		return nil, fmt.Errorf("ses: event type missing")
	}

	to, ts, link := rec.recipients()
	occurred, _ := time.Parse(time.RFC3339Nano, ts)
	if len(to) == 0 {
		to = []string{""}
	}
	out := make([]RawEvent, 0, len(to))
	for i, email := range to {
		id := env.MessageID
		if len(to) > 1 {
			id = fmt.Sprintf("%s:%d", env.MessageID, i)
		}
		out = append(out, RawEvent{
			NativeType:        rec.native(),
			RecipientEmail:    email,
			ProviderMessageID: rec.Mail.MessageID,
			ProviderEventID:   id,
			URL:               link,
			OccurredAt:        occurred.UTC(),
			Raw:               json.RawMessage(env.Message),
		})
	}
	return out, nil
}

// snsCertHost matches the SNS endpoints that serve signing certificates.
var snsCertHost = regexp.MustCompile(`^sns\.[a-z0-9\-]+\.amazonaws\.com(\.cn)?$`)

func validSNSURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && snsCertHost.MatchString(u.Host)
}

// VerifySignature validates the SNS envelope: known message type, a
// signature, a signing certificate served from an SNS host, and when
// configured the expected topic ARN.
func (s *SES) VerifySignature(_ context.Context, payload []byte, _ http.Header) bool {
	var env snsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	switch env.Type {
	case "Notification", "SubscriptionConfirmation", "UnsubscribeConfirmation":
	default:
		return false
	}
	if env.SignatureVersion != "1" && env.SignatureVersion != "2" {
		return false
	}
	if env.Signature == "" || !validSNSURL(env.SigningCertURL) || !strings.HasSuffix(env.SigningCertURL, ".pem") {
		return false
	}
	if s.topicARN != "" && env.TopicArn != s.topicARN {
		return false
	}
	return true
}

// ConfirmSubscription visits the SubscribeURL of an SNS handshake.
func (s *SES) ConfirmSubscription(ctx context.Context, payload []byte) (bool, error) {
	var env snsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false, nil
	}
	if env.Type != "SubscriptionConfirmation" {
		return false, nil
	}
	if !validSNSURL(env.SubscribeURL) {
		return true, fmt.Errorf("ses: refusing subscribe url %q", env.SubscribeURL)
	}
	resp, err := call(ctx, s.http, http.MethodGet, env.SubscribeURL, nil, nil)
	if err != nil {
		return true, fmt.Errorf("ses: confirm subscription: %w", err)
	}
	if !resp.ok() {
		return true, fmt.Errorf("ses: confirm subscription returned %d", resp.status)
	}
	logger.Info("provider: sns subscription confirmed", "topic_arn", env.TopicArn)
	return true, nil
}
