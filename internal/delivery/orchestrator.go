// Package delivery routes outbound messages across a tenant's providers.
//
// The Orchestrator picks providers with a routing strategy, reserves quota
// atomically through a QuotaLedger, sends through the provider adapter with
// a bounded timeout and records the outcome. A failed attempt releases its
// reservation so counters only ever reflect accepted sends.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/tracing"
	"github.com/ignite/campaign-engine/internal/provider"
)

const (
	DefaultSendTimeout = 30 * time.Second
	MinSendTimeout     = 10 * time.Second
	MaxSendTimeout     = 30 * time.Second
)

// ClampSendTimeout bounds d to [MinSendTimeout, MaxSendTimeout]; zero
// selects the default.
func ClampSendTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultSendTimeout
	case d < MinSendTimeout:
		return MinSendTimeout
	case d > MaxSendTimeout:
		return MaxSendTimeout
	}
	return d
}

// AdapterFactory builds the adapter for a provider.
type AdapterFactory func(p domain.Provider) (provider.Adapter, error)

// Dispatch is one message to route.
type Dispatch struct {
	ProviderIDs []string
	Strategy    domain.Strategy

	CampaignID   string
	DripID       string
	EnrollmentID string
	StepNumber   int
	ABTestID     string
	Variant      string
	RecipientID  string

	Message domain.EmailMessage
}

// Result describes the accepted send.
type Result struct {
	Record       *domain.DeliveryRecord
	ProviderID   string
	ProviderType domain.ProviderType
	MessageID    string
	Attempts     []Attempt
}

// Orchestrator sends messages through a tenant's providers.
type Orchestrator struct {
	providers   ProviderStore
	records     RecordStore
	ledger      QuotaLedger
	newAdapter  AdapterFactory
	sendTimeout time.Duration
	now         func() time.Time
	tracer      trace.Tracer

	mu       sync.Mutex
	adapters map[string]cachedAdapter
}

type cachedAdapter struct {
	version time.Time
	adapter provider.Adapter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSendTimeout sets the per-attempt timeout, clamped to [10s, 30s].
func WithSendTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.sendTimeout = ClampSendTimeout(d) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithAdapterFactory replaces provider.New.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(o *Orchestrator) { o.newAdapter = f }
}

// WithProviderOptions builds adapters with provider.New and opts.
func WithProviderOptions(opts provider.Options) Option {
	return func(o *Orchestrator) {
		o.newAdapter = func(p domain.Provider) (provider.Adapter, error) { return provider.New(p, opts) }
	}
}

func NewOrchestrator(providers ProviderStore, records RecordStore, ledger QuotaLedger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:   providers,
		records:     records,
		ledger:      ledger,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		tracer:      tracing.Tracer("delivery"),
		adapters:    make(map[string]cachedAdapter),
	}
	o.newAdapter = func(p domain.Provider) (provider.Adapter, error) { return provider.New(p, provider.Options{}) }
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Adapter returns the adapter for p, reusing one built for the same
// provider revision.
func (o *Orchestrator) Adapter(p domain.Provider) (provider.Adapter, error) {
	key := string(p.TenantID) + "/" + p.ID
	o.mu.Lock()
	c, ok := o.adapters[key]
	o.mu.Unlock()
	if ok && c.version.Equal(p.UpdatedAt) {
		return c.adapter, nil
	}
	a, err := o.newAdapter(p)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.adapters[key] = cachedAdapter{version: p.UpdatedAt, adapter: a}
	o.mu.Unlock()
	return a, nil
}

// AdapterForType returns the adapter of the tenant's highest-priority
// active provider of type t. Webhook verification uses it to find the
// tenant's signing keys.
func (o *Orchestrator) AdapterForType(ctx context.Context, tenant domain.TenantID, t domain.ProviderType) (provider.Adapter, error) {
	ps, err := o.providers.ListProviders(ctx, tenant, nil)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	var best *domain.Provider
	for i := range ps {
		p := &ps[i]
		if p.Type != t || !p.Active {
			continue
		}
		if best == nil || p.Priority < best.Priority || (p.Priority == best.Priority && p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active %s provider", ErrProviderNotFound, t)
	}
	return o.Adapter(*best)
}

// Send routes d through the tenant's providers. On success the reservation
// stands and a DeliveryRecord with status sent is created. When no provider
// accepts the message the error is a *DeliveryError.
func (o *Orchestrator) Send(ctx context.Context, tenant domain.TenantID, d Dispatch) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "delivery.Send", trace.WithAttributes(
		attribute.String("tenant", string(tenant)),
		attribute.String("strategy", string(d.Strategy)),
		attribute.String("campaign_id", d.CampaignID),
		attribute.String("drip_id", d.DripID),
	))
	defer span.End()

	res, err := o.send(ctx, tenant, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("provider_id", res.ProviderID))
	return res, nil
}

func (o *Orchestrator) send(ctx context.Context, tenant domain.TenantID, d Dispatch) (*Result, error) {
	now := o.now().UTC()
	ps, err := o.providers.ListProviders(ctx, tenant, d.ProviderIDs)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	cs := make([]candidate, 0, len(ps))
	for _, p := range ps {
		u, err := o.ledger.Usage(ctx, &p, now)
		if err != nil {
			return nil, err
		}
		cs = append(cs, candidate{p: p, usage: u})
	}
	order := attemptOrder(d.Strategy, cs)
	if len(order) == 0 {
		return nil, &DeliveryError{Kind: NoEligibleProvider}
	}

	var attempts []Attempt
	sent := false
	for _, c := range order {
		p := c.p
		ok, err := o.ledger.Reserve(ctx, &p, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			attempts = append(attempts, Attempt{ProviderID: p.ID, ProviderType: p.Type, QuotaDenied: true})
			continue
		}

		sent = true
		result, sendErr := o.attempt(ctx, p, d)
		if sendErr == nil {
			return o.succeed(ctx, tenant, p, d, result, append(attempts, Attempt{ProviderID: p.ID, ProviderType: p.Type}))
		}
		if ctx.Err() != nil {
			o.release(p, now)
			return nil, ctx.Err()
		}

		attempts = append(attempts, Attempt{ProviderID: p.ID, ProviderType: p.Type, Error: sendErr.Error()})
		o.release(p, now)
		if err := o.providers.RecordProviderFailure(ctx, tenant, p.ID, sendErr.Error()); err != nil {
			logger.Error("delivery: record provider failure", "provider_id", p.ID, "error", err)
		}
		logger.Warn("delivery: provider attempt failed",
			"tenant", tenant, "provider_id", p.ID, "provider", p.Type, "to", d.Message.To, "error", sendErr)
	}

	kind := AllProvidersFailed
	if !sent {
		kind = NoEligibleProvider
	}
	return nil, &DeliveryError{Kind: kind, Attempts: attempts}
}

// attempt sends once through p under the send timeout. A rejected send
// (Success=false) is returned as an error.
func (o *Orchestrator) attempt(ctx context.Context, p domain.Provider, d Dispatch) (*domain.SendResult, error) {
	a, err := o.Adapter(p)
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}
	msg := d.Message
	msg.Metadata = dispatchMetadata(d)

	sctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	res, err := a.Send(sctx, &msg)
	switch {
	case err != nil:
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("send timed out after %s: %w", o.sendTimeout, err)
		}
		return nil, err
	case res == nil:
		return nil, errors.New("adapter returned no result")
	case !res.Success:
		if res.Error == "" {
			return nil, fmt.Errorf("send rejected with status %d", res.StatusCode)
		}
		return nil, errors.New(res.Error)
	}
	return res, nil
}

func dispatchMetadata(d Dispatch) map[string]string {
	md := make(map[string]string, len(d.Message.Metadata)+5)
	for k, v := range d.Message.Metadata {
		md[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("campaign_id", d.CampaignID)
	set("drip_id", d.DripID)
	set("enrollment_id", d.EnrollmentID)
	set("recipient_id", d.RecipientID)
	set("variant", d.Variant)
	return md
}

// release returns a reservation on a fresh context so a cancelled send
// still gives its quota back.
func (o *Orchestrator) release(p domain.Provider, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ledger.Release(ctx, &p, at); err != nil {
		logger.Error("delivery: release quota", "provider_id", p.ID, "error", err)
	}
}

func (o *Orchestrator) succeed(ctx context.Context, tenant domain.TenantID, p domain.Provider, d Dispatch, sr *domain.SendResult, attempts []Attempt) (*Result, error) {
	sentAt := sr.SentAt
	if sentAt.IsZero() {
		sentAt = o.now().UTC()
	}
	if err := o.providers.RecordProviderSuccess(ctx, tenant, p.ID, sentAt); err != nil {
		logger.Error("delivery: record provider success", "provider_id", p.ID, "error", err)
	}

	rec := &domain.DeliveryRecord{
		ID:                uuid.New().String(),
		TenantID:          tenant,
		CampaignID:        d.CampaignID,
		DripID:            d.DripID,
		EnrollmentID:      d.EnrollmentID,
		StepNumber:        d.StepNumber,
		ABTestID:          d.ABTestID,
		Variant:           d.Variant,
		RecipientID:       d.RecipientID,
		Email:             d.Message.To,
		ProviderID:        p.ID,
		ProviderType:      p.Type,
		ProviderMessageID: sr.MessageID,
		Status:            domain.StatusSent,
		QueuedAt:          sentAt,
		SentAt:            &sentAt,
	}
	// The message is already out; a record write failure must not make the
	// caller retry the send.
	if err := o.records.CreateRecord(ctx, rec); err != nil {
		logger.Error("delivery: create record", "provider_id", p.ID, "message_id", sr.MessageID, "error", err)
	}

	return &Result{
		Record:       rec,
		ProviderID:   p.ID,
		ProviderType: p.Type,
		MessageID:    sr.MessageID,
		Attempts:     attempts,
	}, nil
}

func (o *Orchestrator) getProvider(ctx context.Context, tenant domain.TenantID, id string) (*domain.Provider, error) {
	p, err := o.providers.GetProvider(ctx, tenant, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, err
}

// Verification is the outcome of VerifyProvider.
type Verification struct {
	Credentials provider.CheckResult `json:"credentials"`
	Sender      provider.CheckResult `json:"sender"`
	Verified    bool                 `json:"verified"`
}

// VerifyProvider checks credentials and the sender identity, then persists
// the provider's verified flag.
func (o *Orchestrator) VerifyProvider(ctx context.Context, tenant domain.TenantID, id string) (*Verification, error) {
	p, err := o.getProvider(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	a, err := o.Adapter(*p)
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	v := &Verification{Credentials: a.ValidateCredentials(vctx)}
	if v.Credentials.OK {
		v.Sender = a.VerifySender(vctx, p.SenderEmail)
	} else {
		v.Sender = provider.CheckResult{Message: "skipped: credentials invalid"}
	}
	v.Verified = v.Credentials.OK && v.Sender.OK

	lastErr := ""
	if !v.Credentials.OK {
		lastErr = v.Credentials.Message
	} else if !v.Sender.OK {
		lastErr = v.Sender.Message
	}
	if err := o.providers.SetProviderVerified(ctx, tenant, id, v.Verified, lastErr); err != nil {
		return nil, fmt.Errorf("save verification: %w", err)
	}
	logger.Info("delivery: provider verified", "tenant", tenant, "provider_id", id, "verified", v.Verified)
	return v, nil
}

// Stats summarizes one provider.
type Stats struct {
	Provider   domain.Provider               `json:"provider"`
	Usage      Usage                         `json:"usage"`
	ByStatus   map[domain.DeliveryStatus]int `json:"by_status"`
	Quota      *provider.QuotaInfo           `json:"quota,omitempty"`
	QuotaError string                        `json:"quota_error,omitempty"`
}

// ProviderStats returns record counts by status, live usage and, where the
// provider reports it, remote quota. A quota lookup failure is reported in
// QuotaError rather than failing the call.
func (o *Orchestrator) ProviderStats(ctx context.Context, tenant domain.TenantID, id string) (*Stats, error) {
	p, err := o.getProvider(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	usage, err := o.ledger.Usage(ctx, p, o.now().UTC())
	if err != nil {
		return nil, err
	}
	byStatus, err := o.records.CountRecordsByStatus(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	st := &Stats{Provider: *p, Usage: usage, ByStatus: byStatus}

	a, err := o.Adapter(*p)
	if err != nil {
		st.QuotaError = err.Error()
		return st, nil
	}
	qctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	if q, err := a.GetQuotaInfo(qctx); err != nil {
		st.QuotaError = err.Error()
	} else {
		st.Quota = q
	}
	return st, nil
}

// Performance is one provider's engagement over a period.
type Performance struct {
	ProviderID   string                    `json:"provider_id"`
	ProviderName string                    `json:"provider_name"`
	ProviderType domain.ProviderType       `json:"provider_type"`
	Totals       domain.ProviderEngagement `json:"totals"`
	Rates        domain.Rates              `json:"rates"`
}

// ProviderPerformance compares the tenant's providers over the last window,
// best open rate first. Providers without sends in the window are omitted.
func (o *Orchestrator) ProviderPerformance(ctx context.Context, tenant domain.TenantID, window time.Duration) ([]Performance, error) {
	totals, err := o.records.ProviderEngagement(ctx, tenant, o.now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("provider engagement: %w", err)
	}
	ps, err := o.providers.ListProviders(ctx, tenant, nil)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	names := make(map[string]string, len(ps))
	for _, p := range ps {
		names[p.ID] = p.Name
	}

	out := make([]Performance, 0, len(totals))
	for _, t := range totals {
		if t.Sent == 0 {
			continue
		}
		out = append(out, Performance{
			ProviderID:   t.ProviderID,
			ProviderName: names[t.ProviderID],
			ProviderType: t.ProviderType,
			Totals:       t,
			Rates:        t.Rates(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rates.Open != out[j].Rates.Open {
			return out[i].Rates.Open > out[j].Rates.Open
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

// ResetCounters zeroes counters whose window has passed. Ledgers that key
// counters by window need no reset and report zero.
func (o *Orchestrator) ResetCounters(ctx context.Context, now time.Time) (int64, error) {
	r, ok := o.ledger.(CounterResetter)
	if !ok {
		return 0, nil
	}
	n, err := r.ResetStaleCounters(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reset counters: %w", err)
	}
	if n > 0 {
		logger.Info("delivery: reset stale quota counters", "providers", n)
	}
	return n, nil
}
