package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/provider"
)

const DefaultVerifyTimeout = 10 * time.Second

var (
	ErrUnsupportedProvider = errors.New("unsupported webhook provider")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
)

// AdapterResolver finds the adapter that owns a tenant's webhooks for a
// provider type. *delivery.Orchestrator satisfies it.
type AdapterResolver interface {
	AdapterForType(ctx context.Context, tenant domain.TenantID, t domain.ProviderType) (provider.Adapter, error)
}

// Normalizer verifies and parses provider payloads into canonical events.
type Normalizer struct {
	adapters      AdapterResolver
	verifyTimeout time.Duration
}

func NewNormalizer(adapters AdapterResolver, verifyTimeout time.Duration) *Normalizer {
	if verifyTimeout <= 0 {
		verifyTimeout = DefaultVerifyTimeout
	}
	return &Normalizer{adapters: adapters, verifyTimeout: verifyTimeout}
}

// Normalize verifies the payload signature and maps every event to the
// canonical vocabulary. A signature check that does not finish within the
// verify timeout counts as invalid.
func (n *Normalizer) Normalize(ctx context.Context, tenant domain.TenantID, pt domain.ProviderType, payload []byte, headers http.Header) ([]domain.WebhookEvent, error) {
	if !Supported(pt) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, pt)
	}
	adapter, err := n.adapters.AdapterForType(ctx, tenant, pt)
	if err != nil {
		return nil, fmt.Errorf("resolve %s adapter: %w", pt, err)
	}
	if !n.verify(ctx, adapter, payload, headers) {
		return nil, ErrInvalidSignature
	}

	raws, err := adapter.ParseWebhook(payload, headers)
	if err != nil {
		return nil, fmt.Errorf("parse %s webhook: %w", pt, err)
	}
	out := make([]domain.WebhookEvent, 0, len(raws))
	for _, r := range raws {
		t, ok := Canonical(pt, r.NativeType)
		if !ok {
			logger.Warn("webhook: unmapped event type", "tenant", tenant, "provider", pt, "native_type", r.NativeType)
		}
		out = append(out, domain.WebhookEvent{
			Type:              t,
			NativeType:        r.NativeType,
			Provider:          pt,
			RecipientEmail:    r.RecipientEmail,
			ProviderMessageID: r.ProviderMessageID,
			ProviderEventID:   r.ProviderEventID,
			URL:               r.URL,
			OccurredAt:        r.OccurredAt,
			Raw:               r.Raw,
		})
	}
	return out, nil
}

func (n *Normalizer) verify(ctx context.Context, a provider.Adapter, payload []byte, headers http.Header) bool {
	ctx, cancel := context.WithTimeout(ctx, n.verifyTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- a.VerifySignature(ctx, payload, headers) }()
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		logger.Warn("webhook: signature verification timed out", "provider", a.Type())
		return false
	}
}

func (n *Normalizer) confirm(ctx context.Context, tenant domain.TenantID, pt domain.ProviderType, payload []byte) (bool, error) {
	adapter, err := n.adapters.AdapterForType(ctx, tenant, pt)
	if err != nil {
		return false, fmt.Errorf("resolve %s adapter: %w", pt, err)
	}
	c, ok := adapter.(provider.SubscriptionConfirmer)
	if !ok {
		return false, nil
	}
	return c.ConfirmSubscription(ctx, payload)
}
