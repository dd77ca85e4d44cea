// Package provider adapts email service providers to a single interface.
//
// Each adapter sends a fully rendered message, checks its own credentials
// and sender identity, and turns the provider's webhook payloads into
// RawEvents carrying the provider's native event names. Mapping native names
// onto the canonical event vocabulary happens in package webhook.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
)

// ErrUnsupportedProvider is returned by New for an unknown provider type.
var ErrUnsupportedProvider = errors.New("unsupported provider type")

// ErrNotConfigured is returned when required credentials are missing.
var ErrNotConfigured = errors.New("provider credentials not configured")

// CheckResult is the outcome of a credential or sender check.
type CheckResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func pass(format string, args ...any) CheckResult {
	return CheckResult{OK: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) CheckResult {
	return CheckResult{OK: false, Message: fmt.Sprintf(format, args...)}
}

// QuotaInfo is the provider-reported usage, where the provider exposes it.
// Limit is zero when the provider reports no ceiling.
type QuotaInfo struct {
	Period  string             `json:"period,omitempty"`
	Used    int64              `json:"used"`
	Limit   int64              `json:"limit,omitempty"`
	Details map[string]float64 `json:"details,omitempty"`
}

// RawEvent is one provider callback event before vocabulary mapping.
type RawEvent struct {
	NativeType        string
	RecipientEmail    string
	ProviderMessageID string
	ProviderEventID   string
	URL               string
	OccurredAt        time.Time
	Raw               json.RawMessage
}

// Adapter is implemented by every provider integration.
type Adapter interface {
	Type() domain.ProviderType
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
	ValidateCredentials(ctx context.Context) CheckResult
	VerifySender(ctx context.Context, email string) CheckResult
	ParseWebhook(payload []byte, headers http.Header) ([]RawEvent, error)
	VerifySignature(ctx context.Context, payload []byte, headers http.Header) bool
	// GetQuotaInfo returns nil, nil when the provider has no quota endpoint.
	GetQuotaInfo(ctx context.Context) (*QuotaInfo, error)
}

// SubscriptionConfirmer is implemented by adapters whose webhook transport
// needs a handshake before events flow (SES over SNS). ConfirmSubscription
// reports whether payload was a handshake message it handled.
type SubscriptionConfirmer interface {
	ConfirmSubscription(ctx context.Context, payload []byte) (bool, error)
}

// Options configures adapters built by New.
type Options struct {
	// HTTPClient is wrapped in a retry client. Defaults to a 30s http.Client.
	HTTPClient httpretry.HTTPDoer
	// MaxRetries is passed to httpretry.NewRetryClient (negative disables retries).
	MaxRetries int
	// RetryBase and RetryMax tune retry backoff when non-zero.
	RetryBase time.Duration
	RetryMax  time.Duration
	// SES replaces the sesv2 client, mostly for tests.
	SES SESAPI
}

func (o Options) doer() httpretry.HTTPDoer {
	var opts []httpretry.Option
	if o.RetryBase > 0 && o.RetryMax > 0 {
		opts = append(opts, httpretry.WithBackoff(o.RetryBase, o.RetryMax))
	}
	return httpretry.NewRetryClient(o.HTTPClient, o.MaxRetries, opts...)
}

// New builds the adapter for p.
func New(p domain.Provider, opts Options) (Adapter, error) {
	switch p.Type {
	case domain.ProviderSES:
		return NewSES(p.Credentials, opts)
	case domain.ProviderSendGrid:
		return NewSendGrid(p.Credentials, opts), nil
	case domain.ProviderMailgun:
		return NewMailgun(p.Credentials, opts), nil
	case domain.ProviderSparkPost:
		return NewSparkPost(p.Credentials, opts), nil
	case domain.ProviderBrevo:
		return NewBrevo(p.Credentials, opts), nil
	case domain.ProviderMailchimp:
		return NewMailchimp(p.Credentials, opts), nil
	case domain.ProviderKlaviyo:
		return NewKlaviyo(p.Credentials, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, p.Type)
	}
}
