package drip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/tracing"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

const (
	DefaultClaimTTL  = 5 * time.Minute
	DefaultRetryBase = time.Minute
	DefaultRetryMax  = 6 * time.Hour
)

// Exit reasons set by the processor.
const (
	ExitUnsubscribed     = "unsubscribed"
	ExitMissingStep      = "missing_step"
	ExitRecipientMissing = "recipient_not_found"
)

// Outcome is what Process did with an enrollment.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeExited    Outcome = "exited"
	OutcomeRetry     Outcome = "retry"
	// OutcomeSkipped: the drip was not active; the claim was released unchanged.
	OutcomeSkipped Outcome = "skipped"
)

// ProcessorConfig tunes claims and retry backoff. Zero values take defaults.
type ProcessorConfig struct {
	ClaimTTL  time.Duration
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Processor advances one enrollment at a time.
type Processor struct {
	store      Store
	recipients RecipientSource
	sender     Sender
	renderer   Renderer
	compiler   *segmentation.Compiler
	cfg        ProcessorConfig
	tracer     trace.Tracer
}

func NewProcessor(store Store, recipients RecipientSource, sender Sender, renderer Renderer, compiler *segmentation.Compiler, cfg ProcessorConfig) *Processor {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if compiler == nil {
		compiler = segmentation.NewCompiler()
	}
	return &Processor{
		store:      store,
		recipients: recipients,
		sender:     sender,
		renderer:   renderer,
		compiler:   compiler,
		cfg:        cfg,
		tracer:     tracing.Tracer("drip"),
	}
}

// Process claims e, sends its current step and saves the next state. A lost
// claim returns ErrConflict and nothing is sent.
func (p *Processor) Process(ctx context.Context, e domain.Enrollment, now time.Time) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "drip.Process", trace.WithAttributes(
		attribute.String("tenant", string(e.TenantID)),
		attribute.String("drip_id", e.DripID),
		attribute.String("enrollment_id", e.ID),
		attribute.Int("step", e.CurrentStep),
	))
	defer span.End()

	out, err := p.process(ctx, &e, now)
	if err != nil && !errors.Is(err, ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", string(out)))
	return out, err
}

func (p *Processor) process(ctx context.Context, e *domain.Enrollment, now time.Time) (Outcome, error) {
	if e.State != domain.EnrollmentActive {
		return OutcomeSkipped, fmt.Errorf("%w: enrollment %s is %s", ErrInvalidTransition, e.ID, e.State)
	}
	if err := p.store.ClaimEnrollment(ctx, e, now.Add(p.cfg.ClaimTTL)); err != nil {
		return OutcomeSkipped, fmt.Errorf("claim enrollment %s: %w", e.ID, err)
	}

	drip, err := p.store.GetDrip(ctx, e.TenantID, e.DripID)
	if err != nil {
		p.release(e)
		return OutcomeSkipped, fmt.Errorf("get drip %s: %w", e.DripID, err)
	}
	if drip.Status != domain.DripActive {
		p.release(e)
		return OutcomeSkipped, nil
	}

	rs, err := p.recipients.GetRecipients(ctx, e.TenantID, []string{e.RecipientID})
	if err != nil {
		p.release(e)
		return OutcomeSkipped, fmt.Errorf("load recipient %s: %w", e.RecipientID, err)
	}
	if len(rs) == 0 {
		return p.exit(e, ExitRecipientMissing, now)
	}
	r := &rs[0]

	if reason, ok := p.exitReason(drip, r, now); ok {
		return p.exit(e, reason, now)
	}
	step, ok := drip.Step(e.CurrentStep)
	if !ok {
		logger.Error("drip: enrollment points at a missing step",
			"tenant", e.TenantID, "drip_id", drip.ID, "enrollment_id", e.ID, "step", e.CurrentStep)
		return p.exit(e, ExitMissingStep, now)
	}

	sendErr := p.send(ctx, drip, step, e, r)
	if sendErr != nil {
		e.FailedAttempts++
		e.LastError = sendErr.Error()
		e.NextSendAt = later(e.NextSendAt, now.Add(Backoff(e.FailedAttempts, p.cfg.RetryBase, p.cfg.RetryMax)))
		logger.Warn("drip: step send failed",
			"tenant", e.TenantID, "drip_id", drip.ID, "enrollment_id", e.ID, "step", step.Number,
			"attempts", e.FailedAttempts, "retry_at", e.NextSendAt, "error", sendErr)
		return OutcomeRetry, p.save(e)
	}

	e.StepsCompleted++
	e.FailedAttempts = 0
	e.LastError = ""
	next := p.nextStep(step, r, now)
	if ns, ok := drip.Step(next); ok {
		e.CurrentStep = ns.Number
		e.NextSendAt = later(e.NextSendAt, SendWindow(drip, now.Add(ns.Delay.Duration())))
		return OutcomeAdvanced, p.save(e)
	}
	e.State = domain.EnrollmentCompleted
	e.CompletedAt = &now
	return OutcomeCompleted, p.save(e)
}

func (p *Processor) send(ctx context.Context, drip *domain.DripDefinition, step domain.DripStep, e *domain.Enrollment, r *domain.Recipient) error {
	attrs := r.Attributes()
	attrs["drip"] = map[string]any{"id": drip.ID, "name": drip.Name, "step": step.Number}
	content, err := p.renderer.Render(ctx, step.Content, attrs)
	if err != nil {
		return fmt.Errorf("render step %d: %w", step.Number, err)
	}
	_, err = p.sender.Send(ctx, e.TenantID, delivery.Dispatch{
		ProviderIDs:  drip.ProviderIDs,
		Strategy:     drip.Strategy,
		DripID:       drip.ID,
		EnrollmentID: e.ID,
		StepNumber:   step.Number,
		RecipientID:  r.ID,
		Message: domain.EmailMessage{
			TenantID:  e.TenantID,
			To:        r.Email,
			ToName:    r.FullName(),
			FromName:  drip.FromName,
			FromEmail: drip.FromEmail,
			Subject:   content.Subject,
			HTML:      content.HTML,
			Text:      content.Text,
		},
	})
	return err
}

// exitReason reports the first exit condition r meets. Rules that fail to
// compile are logged and never match.
func (p *Processor) exitReason(drip *domain.DripDefinition, r *domain.Recipient, now time.Time) (string, bool) {
	if drip.ExitOnUnsubscribe && r.Unsubscribed {
		return ExitUnsubscribed, true
	}
	for _, rule := range drip.ExitRules {
		if p.matches(rule.When, r, now, "exit rule "+rule.Reason) {
			return rule.Reason, true
		}
	}
	return "", false
}

// nextStep returns the first matching branch target, else the following step.
func (p *Processor) nextStep(step domain.DripStep, r *domain.Recipient, now time.Time) int {
	for _, b := range step.Branches {
		if b.GotoStep > step.Number && p.matches(b.When, r, now, fmt.Sprintf("branch %d->%d", step.Number, b.GotoStep)) {
			return b.GotoStep
		}
	}
	return step.Number + 1
}

func (p *Processor) matches(cond domain.FilterNode, r *domain.Recipient, now time.Time, what string) bool {
	if cond == nil {
		return false
	}
	q, err := p.compiler.Compile(cond, now)
	if err != nil {
		logger.Error("drip: condition does not compile", "condition", what, "error", err)
		return false
	}
	return q.Match(r)
}

func (p *Processor) exit(e *domain.Enrollment, reason string, now time.Time) (Outcome, error) {
	e.State = domain.EnrollmentExited
	e.ExitReason = reason
	e.ExitedAt = &now
	logger.Info("drip: enrollment exited", "tenant", e.TenantID, "drip_id", e.DripID, "enrollment_id", e.ID, "reason", reason)
	return OutcomeExited, p.save(e)
}

// save writes e and drops the claim. It runs detached from the caller's
// cancellation: once a step has gone out its progress must be recorded.
// When a manual pause or exit raced the send, progress is merged onto the
// fresh copy and the manual state is kept.
func (p *Processor) save(e *domain.Enrollment) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.ClaimedUntil = nil
	err := p.store.SaveEnrollment(ctx, e)
	if !errors.Is(err, ErrConflict) {
		return err
	}

	fresh, gerr := p.store.GetEnrollment(ctx, e.TenantID, e.ID)
	if gerr != nil {
		return fmt.Errorf("reload enrollment %s: %w", e.ID, gerr)
	}
	fresh.CurrentStep = e.CurrentStep
	fresh.StepsCompleted = e.StepsCompleted
	fresh.FailedAttempts = e.FailedAttempts
	fresh.LastError = e.LastError
	fresh.NextSendAt = later(fresh.NextSendAt, e.NextSendAt)
	switch {
	case fresh.State.IsTerminal():
	case e.State.IsTerminal():
		fresh.State, fresh.CompletedAt, fresh.ExitedAt, fresh.ExitReason = e.State, e.CompletedAt, e.ExitedAt, e.ExitReason
		fresh.PausedAt = nil
	}
	fresh.ClaimedUntil = nil
	if err := p.store.SaveEnrollment(ctx, fresh); err != nil {
		return fmt.Errorf("save enrollment %s: %w", e.ID, err)
	}
	*e = *fresh
	return nil
}

// release drops the claim without other changes.
func (p *Processor) release(e *domain.Enrollment) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.ClaimedUntil = nil
	if err := p.store.SaveEnrollment(ctx, e); err != nil && !errors.Is(err, ErrConflict) {
		logger.Error("drip: release claim", "enrollment_id", e.ID, "error", err)
	}
}
