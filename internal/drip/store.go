package drip

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/domain"
)

// Store persists drips and enrollments.
//
// ClaimEnrollment and SaveEnrollment compare-and-swap on e.Version: they
// succeed only if the stored version still equals e.Version, then bump the
// version and write it back into e. Otherwise they return ErrConflict.
type Store interface {
	GetDrip(ctx context.Context, tenant domain.TenantID, id string) (*domain.DripDefinition, error)
	UpdateDripStatus(ctx context.Context, tenant domain.TenantID, id string, status domain.DripStatus) error

	GetEnrollment(ctx context.Context, tenant domain.TenantID, id string) (*domain.Enrollment, error)
	// EnrollmentsFor returns every enrollment, in any state, of recipientID in dripID.
	EnrollmentsFor(ctx context.Context, tenant domain.TenantID, dripID, recipientID string) ([]domain.Enrollment, error)
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error
	CountEnrollmentsByState(ctx context.Context, tenant domain.TenantID, dripID string) (map[domain.EnrollmentState]int, error)

	// ListDue returns active enrollments of active drips, across tenants, with
	// NextSendAt <= now and no live claim, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error)
	// ClaimEnrollment sets ClaimedUntil to until.
	ClaimEnrollment(ctx context.Context, e *domain.Enrollment, until time.Time) error
	// SaveEnrollment writes every mutable field of e, ClaimedUntil included.
	SaveEnrollment(ctx context.Context, e *domain.Enrollment) error
}

// RecipientSource loads recipients by ID.
type RecipientSource interface {
	GetRecipients(ctx context.Context, tenant domain.TenantID, ids []string) ([]domain.Recipient, error)
}

// Sender delivers one message. *delivery.Orchestrator satisfies it.
type Sender interface {
	Send(ctx context.Context, tenant domain.TenantID, d delivery.Dispatch) (*delivery.Result, error)
}

// Renderer renders step content. *render.Renderer satisfies it.
type Renderer interface {
	Render(ctx context.Context, ref domain.ContentRef, attrs map[string]any) (*domain.RenderedContent, error)
}
