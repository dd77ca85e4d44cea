package webhook

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/tracing"
)

// Result summarizes one ingested payload.
type Result struct {
	Received   int `json:"received"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	NotFound   int `json:"not_found"`
	Ignored    int `json:"ignored"`
	Errors     int `json:"errors"`
}

// Service ingests raw provider payloads end to end.
type Service struct {
	normalizer *Normalizer
	applier    *Applier
	archiver   Archiver
	now        func() time.Time
	tracer     trace.Tracer
}

// NewService wires ingestion. archiver may be nil.
func NewService(normalizer *Normalizer, applier *Applier, archiver Archiver) *Service {
	return &Service{
		normalizer: normalizer,
		applier:    applier,
		archiver:   archiver,
		now:        time.Now,
		tracer:     tracing.Tracer("webhook"),
	}
}

// Ingest archives, normalizes and applies a payload. Signature and parse
// failures are logged and leave every record untouched; Ingest never
// returns them.
func (s *Service) Ingest(ctx context.Context, tenant domain.TenantID, pt domain.ProviderType, payload []byte, headers http.Header) Result {
	ctx, span := s.tracer.Start(ctx, "webhook.Ingest", trace.WithAttributes(
		attribute.String("tenant", string(tenant)),
		attribute.String("provider", string(pt)),
		attribute.Int("bytes", len(payload)),
	))
	defer span.End()

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, tenant, pt, payload, s.now()); err != nil {
			logger.Warn("webhook: archive payload", "tenant", tenant, "provider", pt, "error", err)
		}
	}

	var res Result
	events, err := s.normalizer.Normalize(ctx, tenant, pt, payload, headers)
	if err != nil {
		logger.Warn("webhook: payload dropped", "tenant", tenant, "provider", pt, "error", err)
		span.SetAttributes(attribute.String("dropped", err.Error()))
		return res
	}
	res.Received = len(events)

	for _, ev := range events {
		out, err := s.applier.Apply(ctx, tenant, ev)
		if err != nil {
			res.Errors++
			logger.Error("webhook: apply event", "tenant", tenant, "provider", pt,
				"type", ev.Type, "message_id", ev.ProviderMessageID, "error", err)
			continue
		}
		switch out {
		case OutcomeApplied:
			res.Applied++
		case OutcomeDuplicate:
			res.Duplicates++
		case OutcomeRecordNotFound:
			res.NotFound++
		case OutcomeIgnored:
			res.Ignored++
		}
	}
	span.SetAttributes(attribute.Int("received", res.Received), attribute.Int("applied", res.Applied))
	return res
}

// ConfirmSubscription lets adapters that need a transport handshake (SNS)
// consume it. handled is false for ordinary event payloads.
func (s *Service) ConfirmSubscription(ctx context.Context, tenant domain.TenantID, pt domain.ProviderType, payload []byte) (handled bool, err error) {
	return s.normalizer.confirm(ctx, tenant, pt, payload)
}
