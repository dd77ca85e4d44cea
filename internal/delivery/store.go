package delivery

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ProviderStore persists provider configuration and health.
type ProviderStore interface {
	// ListProviders returns the tenant's providers with the given IDs, or all
	// of them when ids is empty. Unknown IDs are skipped.
	ListProviders(ctx context.Context, tenant domain.TenantID, ids []string) ([]domain.Provider, error)
	// GetProvider returns domain.ErrNotFound for an unknown provider.
	GetProvider(ctx context.Context, tenant domain.TenantID, id string) (*domain.Provider, error)
	// RecordProviderSuccess clears last_error and stamps last_sent_at.
	RecordProviderSuccess(ctx context.Context, tenant domain.TenantID, id string, at time.Time) error
	RecordProviderFailure(ctx context.Context, tenant domain.TenantID, id, msg string) error
	SetProviderVerified(ctx context.Context, tenant domain.TenantID, id string, verified bool, lastError string) error
}

// RecordStore persists delivery records.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *domain.DeliveryRecord) error
	CountRecordsByStatus(ctx context.Context, tenant domain.TenantID, providerID string) (map[domain.DeliveryStatus]int, error)
	// ProviderEngagement totals records queued at or after since, per provider.
	ProviderEngagement(ctx context.Context, tenant domain.TenantID, since time.Time) ([]domain.ProviderEngagement, error)
}

// Usage is a provider's live send count for the current windows.
type Usage struct {
	Day   int `json:"day"`
	Month int `json:"month"`
}

// QuotaLedger tracks per-provider send counts. Reserve must be an atomic
// compare-and-increment of both the daily and monthly counters.
type QuotaLedger interface {
	// Reserve takes one send from both windows. It returns false, nil when
	// either limit is already reached.
	Reserve(ctx context.Context, p *domain.Provider, now time.Time) (bool, error)
	// Release returns a reservation made by Reserve at now.
	Release(ctx context.Context, p *domain.Provider, now time.Time) error
	Usage(ctx context.Context, p *domain.Provider, now time.Time) (Usage, error)
}

// CounterResetter is implemented by ledgers that store window counters
// alongside a window stamp and need stale windows zeroed.
type CounterResetter interface {
	ResetStaleCounters(ctx context.Context, now time.Time) (int64, error)
}
