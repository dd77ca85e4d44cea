package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetCampaign returns domain.ErrNotFound if it doesn't exist.
	GetCampaign(ctx context.Context, tenant domain.TenantID, id string) (*domain.Campaign, error)

	// ListCampaigns returns campaigns ordered by created_at DESC and the
	// total matching count. An empty status matches all.
	ListCampaigns(ctx context.Context, tenant domain.TenantID, status domain.CampaignStatus, limit, offset int) ([]domain.Campaign, int, error)

	CreateCampaign(ctx context.Context, c *domain.Campaign) error

	// TransitionCampaign moves the campaign from one status to another and
	// returns domain.ErrConflict when its current status is not from.
	TransitionCampaign(ctx context.Context, tenant domain.TenantID, id string, from, to domain.CampaignStatus, at time.Time) error

	// AddCampaignProgress atomically adds to total_recipients, sent_count
	// and failed_count.
	AddCampaignProgress(ctx context.Context, tenant domain.TenantID, id string, total, sent, failed int) error

	// ListDueCampaigns returns scheduled campaigns of every tenant due at now.
	ListDueCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error)

	GetSegment(ctx context.Context, tenant domain.TenantID, id string) (*domain.Segment, error)

	CreateRecord(ctx context.Context, rec *domain.DeliveryRecord) error

	// RecordedRecipients returns the recipient IDs that already have a
	// record for the campaign.
	RecordedRecipients(ctx context.Context, tenant domain.TenantID, campaignID string) (map[string]struct{}, error)
}

// SegmentResolver streams segment members. *segmentation.Engine satisfies it.
type SegmentResolver interface {
	Resolve(ctx context.Context, tenant domain.TenantID, seg *domain.Segment, now time.Time, visit func([]domain.Recipient) error) (int, error)
}

// Sender delivers one message. *delivery.Orchestrator satisfies it.
type Sender interface {
	Send(ctx context.Context, tenant domain.TenantID, d delivery.Dispatch) (*delivery.Result, error)
}

// Renderer renders campaign content. *render.Renderer satisfies it.
type Renderer interface {
	Render(ctx context.Context, ref domain.ContentRef, attrs map[string]any) (*domain.RenderedContent, error)
}

// Experiments is the A/B surface the send loop needs. *abtest.Service
// satisfies it.
type Experiments interface {
	Get(ctx context.Context, tenant domain.TenantID, id string) (*domain.ABTest, error)
	Start(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error
	Record(ctx context.Context, tenant domain.TenantID, id, variant string, metric domain.VariantMetric, n int64) error
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status domain.CampaignStatus
	Limit  int
	Offset int
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name        string            `json:"name"`
	SegmentID   string            `json:"segment_id"`
	Content     domain.ContentRef `json:"content"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	ProviderIDs []string          `json:"provider_ids"`
	Strategy    domain.Strategy   `json:"strategy"`
	ABTestID    string            `json:"ab_test_id"`
}
