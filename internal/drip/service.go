package drip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// maxCASRetries bounds how often a manual transition re-reads an enrollment
// that a worker changed underneath it.
const maxCASRetries = 5

// Service manages enrollments and drip status.
type Service struct {
	store      Store
	recipients RecipientSource
}

func NewService(store Store, recipients RecipientSource) *Service {
	return &Service{store: store, recipients: recipients}
}

// Enroll starts recipientID on dripID at step 1. The first send is
// scheduled step 1's delay after now, snapped to the send window.
func (s *Service) Enroll(ctx context.Context, tenant domain.TenantID, dripID, recipientID string, now time.Time) (*domain.Enrollment, error) {
	drip, err := s.store.GetDrip(ctx, tenant, dripID)
	if err != nil {
		return nil, fmt.Errorf("get drip %s: %w", dripID, err)
	}
	if drip.Status == domain.DripDraft || drip.Status == domain.DripArchived {
		return nil, fmt.Errorf("%w: %s is %s", ErrDripInactive, dripID, drip.Status)
	}
	first, ok := drip.Step(1)
	if !ok {
		return nil, fmt.Errorf("%w: drip %s has no step 1", ErrMissingStep, dripID)
	}

	rs, err := s.recipients.GetRecipients(ctx, tenant, []string{recipientID})
	if err != nil {
		return nil, fmt.Errorf("load recipient %s: %w", recipientID, err)
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, ErrNotFound)
	}

	existing, err := s.store.EnrollmentsFor(ctx, tenant, dripID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	if err := checkReEnrollment(drip, existing); err != nil {
		return nil, err
	}

	e := &domain.Enrollment{
		ID:          uuid.New().String(),
		TenantID:    tenant,
		DripID:      dripID,
		RecipientID: recipientID,
		Email:       rs[0].Email,
		State:       domain.EnrollmentActive,
		CurrentStep: first.Number,
		NextSendAt:  SendWindow(drip, now.Add(first.Delay.Duration())),
		EnrolledAt:  now,
	}
	if err := s.store.CreateEnrollment(ctx, e); err != nil {
		// A concurrent enroll won the live-enrollment unique constraint.
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyEnrolled, err)
		}
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	logger.Info("drip: recipient enrolled", "tenant", tenant, "drip_id", dripID, "enrollment_id", e.ID, "next_send_at", e.NextSendAt)
	return e, nil
}

// checkReEnrollment enforces AllowReEnrollment and MaxEnrollmentsPerContact.
// A recipient never holds two live enrollments in the same drip.
func checkReEnrollment(drip *domain.DripDefinition, existing []domain.Enrollment) error {
	if len(existing) == 0 {
		return nil
	}
	for _, e := range existing {
		if !e.State.IsTerminal() {
			return fmt.Errorf("%w: enrollment %s is %s", ErrAlreadyEnrolled, e.ID, e.State)
		}
	}
	if !drip.AllowReEnrollment {
		return ErrAlreadyEnrolled
	}
	if drip.MaxEnrollmentsPerContact > 0 && len(existing) >= drip.MaxEnrollmentsPerContact {
		return fmt.Errorf("%w: %d of %d", ErrEnrollmentLimit, len(existing), drip.MaxEnrollmentsPerContact)
	}
	return nil
}

// PauseEnrollment stops an active enrollment. A send already in flight
// finishes and its progress is kept.
func (s *Service) PauseEnrollment(ctx context.Context, tenant domain.TenantID, id string, now time.Time) (*domain.Enrollment, error) {
	return s.transition(ctx, tenant, id, func(e *domain.Enrollment) error {
		if e.State != domain.EnrollmentActive {
			return fmt.Errorf("%w: cannot pause %s enrollment", ErrInvalidTransition, e.State)
		}
		e.State = domain.EnrollmentPaused
		e.PausedAt = &now
		return nil
	})
}

// ResumeEnrollment reactivates a paused enrollment. An overdue step becomes
// due immediately; NextSendAt never moves backwards.
func (s *Service) ResumeEnrollment(ctx context.Context, tenant domain.TenantID, id string, now time.Time) (*domain.Enrollment, error) {
	return s.transition(ctx, tenant, id, func(e *domain.Enrollment) error {
		if e.State != domain.EnrollmentPaused {
			return fmt.Errorf("%w: cannot resume %s enrollment", ErrInvalidTransition, e.State)
		}
		e.State = domain.EnrollmentActive
		e.PausedAt = nil
		e.NextSendAt = later(e.NextSendAt, now)
		return nil
	})
}

// ExitEnrollment ends an active or paused enrollment with reason.
func (s *Service) ExitEnrollment(ctx context.Context, tenant domain.TenantID, id, reason string, now time.Time) (*domain.Enrollment, error) {
	return s.transition(ctx, tenant, id, func(e *domain.Enrollment) error {
		if e.State.IsTerminal() {
			return fmt.Errorf("%w: enrollment already %s", ErrInvalidTransition, e.State)
		}
		e.State = domain.EnrollmentExited
		e.ExitReason = reason
		e.ExitedAt = &now
		e.PausedAt = nil
		return nil
	})
}

// transition applies fn to a fresh copy and saves it, retrying when a
// worker wrote the enrollment in between. A live claim is preserved.
func (s *Service) transition(ctx context.Context, tenant domain.TenantID, id string, fn func(*domain.Enrollment) error) (*domain.Enrollment, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		e, err := s.store.GetEnrollment(ctx, tenant, id)
		if err != nil {
			return nil, fmt.Errorf("get enrollment %s: %w", id, err)
		}
		if err := fn(e); err != nil {
			return nil, err
		}
		err = s.store.SaveEnrollment(ctx, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("save enrollment %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("enrollment %s: %w after %d attempts", id, ErrConflict, maxCASRetries)
}

// PauseDrip stops all sends of a drip from the next tick on.
func (s *Service) PauseDrip(ctx context.Context, tenant domain.TenantID, id string) error {
	return s.setDripStatus(ctx, tenant, id, domain.DripPaused, domain.DripActive)
}

// ActivateDrip starts or resumes a drip. Every step must be valid.
func (s *Service) ActivateDrip(ctx context.Context, tenant domain.TenantID, id string) error {
	drip, err := s.store.GetDrip(ctx, tenant, id)
	if err != nil {
		return fmt.Errorf("get drip %s: %w", id, err)
	}
	if len(drip.Steps) == 0 {
		return fmt.Errorf("%w: drip %s has no steps", ErrMissingStep, id)
	}
	if err := drip.Validate(); err != nil {
		return fmt.Errorf("drip %s: %w", id, err)
	}
	return s.setDripStatus(ctx, tenant, id, domain.DripActive, domain.DripDraft, domain.DripPaused)
}

func (s *Service) setDripStatus(ctx context.Context, tenant domain.TenantID, id string, to domain.DripStatus, from ...domain.DripStatus) error {
	drip, err := s.store.GetDrip(ctx, tenant, id)
	if err != nil {
		return fmt.Errorf("get drip %s: %w", id, err)
	}
	if drip.Status == to {
		return nil
	}
	allowed := false
	for _, f := range from {
		if drip.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: drip %s cannot go from %s to %s", ErrInvalidTransition, id, drip.Status, to)
	}
	if err := s.store.UpdateDripStatus(ctx, tenant, id, to); err != nil {
		return fmt.Errorf("update drip %s: %w", id, err)
	}
	logger.Info("drip: status changed", "tenant", tenant, "drip_id", id, "from", drip.Status, "to", to)
	return nil
}

// Analytics summarizes a drip's enrollments.
type Analytics struct {
	DripID         string                         `json:"drip_id"`
	Total          int                            `json:"total"`
	ByState        map[domain.EnrollmentState]int `json:"by_state"`
	CompletionRate float64                        `json:"completion_rate"`
	ExitRate       float64                        `json:"exit_rate"`
}

func (s *Service) Analytics(ctx context.Context, tenant domain.TenantID, dripID string) (*Analytics, error) {
	if _, err := s.store.GetDrip(ctx, tenant, dripID); err != nil {
		return nil, fmt.Errorf("get drip %s: %w", dripID, err)
	}
	counts, err := s.store.CountEnrollmentsByState(ctx, tenant, dripID)
	if err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}
	a := &Analytics{DripID: dripID, ByState: counts}
	for _, n := range counts {
		a.Total += n
	}
	if a.Total > 0 {
		a.CompletionRate = float64(counts[domain.EnrollmentCompleted]) / float64(a.Total)
		a.ExitRate = float64(counts[domain.EnrollmentExited]) / float64(a.Total)
	}
	return a, nil
}
