package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/campaign-engine/internal/abtest"
	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/tracing"
)

// DefaultConcurrency bounds in-flight sends per batch.
const DefaultConcurrency = 10

// errStopped ends a segment walk when the campaign left sending.
var errStopped = errors.New("campaign stopped")

// Service implements campaign business logic. It coordinates the
// repository, segment resolution, rendering, A/B assignment and delivery.
// All public methods are safe for concurrent use if the underlying
// repository is concurrency-safe.
type Service struct {
	repo        Repository
	segments    SegmentResolver
	sender      Sender
	renderer    Renderer
	tests       Experiments
	concurrency int
	tracer      trace.Tracer
}

type Option func(*Service)

// WithExperiments enables A/B variant assignment.
func WithExperiments(e Experiments) Option { return func(s *Service) { s.tests = e } }

// WithConcurrency sets how many sends run at once within a batch.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewService creates a campaign service.
func NewService(repo Repository, segments SegmentResolver, sender Sender, renderer Renderer, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		segments:    segments,
		sender:      sender,
		renderer:    renderer,
		concurrency: DefaultConcurrency,
		tracer:      tracing.Tracer("campaign"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendSummary counts the outcome of one send run.
type SendSummary struct {
	Total   int  `json:"total"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Stopped bool `json:"stopped"`
}

func (s *Service) Get(ctx context.Context, tenant domain.TenantID, id string) (*domain.Campaign, error) {
	return s.repo.GetCampaign(ctx, tenant, id)
}

func (s *Service) List(ctx context.Context, tenant domain.TenantID, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.ListCampaigns(ctx, tenant, f.Status, f.Limit, f.Offset)
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, tenant domain.TenantID, input CreateInput, now time.Time) (*domain.Campaign, error) {
	switch {
	case strings.TrimSpace(input.Name) == "":
		return nil, fmt.Errorf("name is required")
	case input.SegmentID == "":
		return nil, ErrMissingSegment
	case input.Content.Subject == "" && input.Content.TemplateID == "":
		return nil, fmt.Errorf("subject or template is required")
	case input.FromEmail == "":
		return nil, fmt.Errorf("from_email is required")
	}
	strategy := input.Strategy
	if strategy == "" {
		strategy = domain.StrategyPriority
	}

	c := &domain.Campaign{
		ID:          uuid.New().String(),
		TenantID:    tenant,
		Name:        strings.TrimSpace(input.Name),
		SegmentID:   input.SegmentID,
		Content:     input.Content,
		FromName:    input.FromName,
		FromEmail:   input.FromEmail,
		ReplyTo:     input.ReplyTo,
		ProviderIDs: input.ProviderIDs,
		Strategy:    strategy,
		ABTestID:    input.ABTestID,
		Status:      domain.CampaignDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Schedule queues a draft campaign for at, which must be in the future.
func (s *Service) Schedule(ctx context.Context, tenant domain.TenantID, id string, at, now time.Time) error {
	if !at.After(now) {
		return fmt.Errorf("%w: scheduled time %s is not in the future", ErrInvalidTransition, at.Format(time.RFC3339))
	}
	_, err := s.transition(ctx, tenant, id, domain.CampaignScheduled, at)
	return err
}

// Unschedule returns a scheduled campaign to draft.
func (s *Service) Unschedule(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error {
	c, err := s.repo.GetCampaign(ctx, tenant, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignDraft)
	}
	return s.move(ctx, c, domain.CampaignDraft, now)
}

// Pause stops a sending campaign after its current batch.
func (s *Service) Pause(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error {
	_, err := s.transition(ctx, tenant, id, domain.CampaignPaused, now)
	return err
}

// Cancel stops a campaign for good.
func (s *Service) Cancel(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error {
	_, err := s.transition(ctx, tenant, id, domain.CampaignCancelled, now)
	return err
}

func (s *Service) transition(ctx context.Context, tenant domain.TenantID, id string, to domain.CampaignStatus, at time.Time) (*domain.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	if err := s.move(ctx, c, to, at); err != nil {
		return nil, err
	}
	return c, nil
}

// move applies the transition with the current status as the expected one,
// so a concurrent change surfaces as ErrInvalidTransition.
func (s *Service) move(ctx context.Context, c *domain.Campaign, to domain.CampaignStatus, at time.Time) error {
	err := s.repo.TransitionCampaign(ctx, c.TenantID, c.ID, c.Status, to, at)
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w: campaign %s changed concurrently", ErrInvalidTransition, c.ID)
	}
	if err != nil {
		return fmt.Errorf("transition campaign %s to %s: %w", c.ID, to, err)
	}
	c.Status = to
	return nil
}

// Send starts a draft or scheduled campaign and runs it to completion,
// pause or cancellation.
func (s *Service) Send(ctx context.Context, tenant domain.TenantID, id string, now time.Time) (*SendSummary, error) {
	c, err := s.repo.GetCampaign(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft && c.Status != domain.CampaignScheduled {
		return nil, ErrAlreadySending
	}
	if c.SegmentID == "" {
		return nil, ErrMissingSegment
	}
	if err := s.move(ctx, c, domain.CampaignSending, now); err != nil {
		return nil, err
	}
	return s.run(ctx, c, nil, now)
}

// Resume restarts a paused campaign. Recipients that already have a record
// for it are skipped.
func (s *Service) Resume(ctx context.Context, tenant domain.TenantID, id string, now time.Time) (*SendSummary, error) {
	c, err := s.repo.GetCampaign(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignPaused {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignSending)
	}
	if err := s.move(ctx, c, domain.CampaignSending, now); err != nil {
		return nil, err
	}
	done, err := s.repo.RecordedRecipients(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("load sent recipients: %w", err)
	}
	return s.run(ctx, c, done, now)
}

// RunScheduled starts every campaign due at now and returns how many ran.
// One failing campaign does not stop the rest.
func (s *Service) RunScheduled(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListDueCampaigns(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}
	ran := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		sum, err := s.Send(ctx, c.TenantID, c.ID, now)
		if err != nil {
			logger.Error("campaign: scheduled send failed", "tenant", c.TenantID, "campaign_id", c.ID, "error", err)
			continue
		}
		ran++
		logger.Info("campaign: scheduled send finished", "tenant", c.TenantID, "campaign_id", c.ID,
			"total", sum.Total, "sent", sum.Sent, "failed", sum.Failed, "stopped", sum.Stopped)
	}
	return ran, nil
}

// run walks the segment batch by batch. Campaign status is re-read before
// each batch so a pause or cancel takes effect at the next boundary.
func (s *Service) run(ctx context.Context, c *domain.Campaign, skip map[string]struct{}, now time.Time) (*SendSummary, error) {
	ctx, span := s.tracer.Start(ctx, "campaign.Send", trace.WithAttributes(
		attribute.String("tenant", string(c.TenantID)),
		attribute.String("campaign_id", c.ID),
	))
	defer span.End()

	seg, err := s.repo.GetSegment(ctx, c.TenantID, c.SegmentID)
	if errors.Is(err, domain.ErrNotFound) {
		s.halt(c, now, "segment missing")
		return nil, fmt.Errorf("%w: %s", ErrMissingSegment, c.SegmentID)
	}
	if err != nil {
		s.halt(c, now, err.Error())
		return nil, fmt.Errorf("load segment: %w", err)
	}
	test := s.experiment(ctx, c, now)

	sum := &SendSummary{}
	_, err = s.segments.Resolve(ctx, c.TenantID, seg, now, func(batch []domain.Recipient) error {
		cur, err := s.repo.GetCampaign(ctx, c.TenantID, c.ID)
		if err != nil {
			return fmt.Errorf("reload campaign: %w", err)
		}
		if cur.Status != domain.CampaignSending {
			logger.Info("campaign: send stopped", "tenant", c.TenantID, "campaign_id", c.ID, "status", cur.Status)
			return errStopped
		}
		b := s.sendBatch(ctx, c, test, batch, skip, now)
		sum.Total += b.Total
		sum.Sent += b.Sent
		sum.Failed += b.Failed
		if err := s.repo.AddCampaignProgress(ctx, c.TenantID, c.ID, b.Total, b.Sent, b.Failed); err != nil {
			logger.Error("campaign: record progress", "tenant", c.TenantID, "campaign_id", c.ID, "error", err)
		}
		return ctx.Err()
	})
	span.SetAttributes(attribute.Int("sent", sum.Sent), attribute.Int("failed", sum.Failed))

	switch {
	case errors.Is(err, errStopped):
		sum.Stopped = true
		return sum, nil
	case err != nil:
		s.halt(c, now, err.Error())
		return sum, fmt.Errorf("send campaign %s: %w", c.ID, err)
	}

	err = s.repo.TransitionCampaign(ctx, c.TenantID, c.ID, domain.CampaignSending, domain.CampaignCompleted, time.Now().UTC())
	if errors.Is(err, domain.ErrConflict) {
		// Paused or cancelled after the last batch.
		sum.Stopped = true
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("complete campaign %s: %w", c.ID, err)
	}
	logger.Info("campaign: completed", "tenant", c.TenantID, "campaign_id", c.ID,
		"total", sum.Total, "sent", sum.Sent, "failed", sum.Failed)
	return sum, nil
}

// halt pauses a campaign whose run could not continue so it can be resumed.
func (s *Service) halt(c *domain.Campaign, now time.Time, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Warn("campaign: pausing after error", "tenant", c.TenantID, "campaign_id", c.ID, "reason", reason)
	err := s.repo.TransitionCampaign(ctx, c.TenantID, c.ID, domain.CampaignSending, domain.CampaignPaused, now)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		logger.Error("campaign: pause after error", "tenant", c.TenantID, "campaign_id", c.ID, "error", err)
	}
}

// experiment loads the campaign's A/B test. Draft tests are started. A
// completed test yields its winner for every recipient.
func (s *Service) experiment(ctx context.Context, c *domain.Campaign, now time.Time) *domain.ABTest {
	if c.ABTestID == "" || s.tests == nil {
		return nil
	}
	if err := s.tests.Start(ctx, c.TenantID, c.ABTestID, now); err != nil && !errors.Is(err, abtest.ErrAlreadyCompleted) {
		logger.Error("campaign: start ab test", "tenant", c.TenantID, "test_id", c.ABTestID, "error", err)
		return nil
	}
	t, err := s.tests.Get(ctx, c.TenantID, c.ABTestID)
	if err != nil {
		logger.Error("campaign: load ab test", "tenant", c.TenantID, "test_id", c.ABTestID, "error", err)
		return nil
	}
	if len(t.Variants) == 0 {
		return nil
	}
	return t
}

type outcome int

const (
	outcomeSent outcome = iota + 1
	outcomeFailed
	outcomeAborted
)

// sendBatch fans the batch out under the concurrency limit. Individual
// failures are recorded and never abort the batch.
func (s *Service) sendBatch(ctx context.Context, c *domain.Campaign, test *domain.ABTest, batch []domain.Recipient, skip map[string]struct{}, now time.Time) SendSummary {
	var (
		mu          sync.Mutex
		sum         SendSummary
		variantSent = make(map[string]int64)
		g           errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for i := range batch {
		r := &batch[i]
		if r.Unsubscribed {
			continue
		}
		if _, ok := skip[r.ID]; ok {
			continue
		}
		g.Go(func() error {
			variant, out := s.deliver(ctx, c, test, r, now)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSent:
				sum.Total++
				sum.Sent++
				if variant != "" {
					variantSent[variant]++
				}
			case outcomeFailed:
				sum.Total++
				sum.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if test != nil && test.Status != domain.ABTestCompleted {
		for v, n := range variantSent {
			if err := s.tests.Record(ctx, c.TenantID, test.ID, v, domain.MetricSent, n); err != nil {
				logger.Error("campaign: record variant sent", "test_id", test.ID, "variant", v, "error", err)
			}
		}
	}
	return sum
}

// deliver renders and sends to one recipient and returns the variant it was
// sent under.
func (s *Service) deliver(ctx context.Context, c *domain.Campaign, test *domain.ABTest, r *domain.Recipient, now time.Time) (string, outcome) {
	if ctx.Err() != nil {
		return "", outcomeAborted
	}
	content, fromName, variant := applyVariant(c, test, r.ID)

	attrs := r.Attributes()
	attrs["campaign"] = map[string]any{"id": c.ID, "name": c.Name}
	rendered, err := s.renderer.Render(ctx, content, attrs)
	if err != nil {
		s.fail(ctx, c, test, variant, r, fmt.Errorf("render: %w", err), now)
		return variant, outcomeFailed
	}

	d := delivery.Dispatch{
		ProviderIDs: c.ProviderIDs,
		Strategy:    c.Strategy,
		CampaignID:  c.ID,
		Variant:     variant,
		RecipientID: r.ID,
		Message: domain.EmailMessage{
			TenantID:  c.TenantID,
			To:        r.Email,
			ToName:    r.FullName(),
			FromName:  fromName,
			FromEmail: c.FromEmail,
			ReplyTo:   c.ReplyTo,
			Subject:   rendered.Subject,
			HTML:      rendered.HTML,
			Text:      rendered.Text,
		},
	}
	if variant != "" {
		d.ABTestID = test.ID
	}
	if _, err := s.sender.Send(ctx, c.TenantID, d); err != nil {
		if ctx.Err() != nil {
			return variant, outcomeAborted
		}
		s.fail(ctx, c, test, variant, r, err, now)
		return variant, outcomeFailed
	}
	return variant, outcomeSent
}

// applyVariant returns the content and from name for r. Running tests
// assign a variant; a completed test applies its winner without tagging.
func applyVariant(c *domain.Campaign, test *domain.ABTest, recipientID string) (domain.ContentRef, string, string) {
	content, fromName := c.Content, c.FromName
	if test == nil {
		return content, fromName, ""
	}

	name := test.Winner
	if test.Status != domain.ABTestCompleted {
		name = abtest.Assign(test.ID, recipientID, test.Variants)
	}
	v, ok := test.Variant(name)
	if !ok {
		return content, fromName, ""
	}
	if v.Value != "" {
		switch test.TestElement {
		case "subject":
			content.Subject = v.Value
		case "from_name":
			fromName = v.Value
		case "content":
			content.HTML = v.Value
			content.TemplateID = ""
		}
	}
	if test.Status == domain.ABTestCompleted {
		return content, fromName, ""
	}
	return content, fromName, name
}

func (s *Service) fail(ctx context.Context, c *domain.Campaign, test *domain.ABTest, variant string, r *domain.Recipient, cause error, now time.Time) {
	logger.Warn("campaign: send failed", "tenant", c.TenantID, "campaign_id", c.ID, "recipient_id", r.ID, "error", cause)
	rec := &domain.DeliveryRecord{
		ID:          uuid.New().String(),
		TenantID:    c.TenantID,
		CampaignID:  c.ID,
		Variant:     variant,
		RecipientID: r.ID,
		Email:       r.Email,
		Status:      domain.StatusFailed,
		Error:       cause.Error(),
		QueuedAt:    now,
		FailedAt:    &now,
	}
	if variant != "" {
		rec.ABTestID = test.ID
	}
	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		logger.Error("campaign: write failed record", "campaign_id", c.ID, "recipient_id", r.ID, "error", err)
	}
}
