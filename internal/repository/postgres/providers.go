package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

var providerColumns = []string{
	"id", "tenant_id", "provider_type", "name", "sender_email", "sender_name",
	"api_key", "api_secret", "domain", "region", "webhook_key", "base_url",
	"priority", "is_active", "is_verified", "daily_limit", "monthly_limit",
	"sent_today", "sent_this_month", "counters_day", "counters_month",
	"last_error", "last_sent_at", "created_at", "updated_at",
}

func scanProvider(row scanner) (*domain.Provider, error) {
	var (
		p        domain.Provider
		lastSent sql.NullTime
	)
	c := &p.Credentials
	err := row.Scan(&p.ID, &p.TenantID, &p.Type, &p.Name, &p.SenderEmail, &p.SenderName,
		&c.APIKey, &c.APISecret, &c.Domain, &c.Region, &c.WebhookKey, &c.BaseURL,
		&p.Priority, &p.Active, &p.Verified, &p.DailyLimit, &p.MonthlyLimit,
		&p.SentToday, &p.SentThisMonth, &p.CountersDay, &p.CountersMonth,
		&p.LastError, &lastSent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.LastSentAt = timePtr(lastSent)
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context, tenant domain.TenantID, ids []string) ([]domain.Provider, error) {
	b := psql.Select(providerColumns...).From("providers").Where(sq.Eq{"tenant_id": tenant}).OrderBy("priority", "id")
	if len(ids) > 0 {
		b = b.Where("id = ANY(?)", pq.Array(ids))
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.Provider)
	var all []domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		byID[p.ID] = *p
		all = append(all, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return all, nil
	}
	// keep the caller's order
	out := make([]domain.Provider, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) GetProvider(ctx context.Context, tenant domain.TenantID, id string) (*domain.Provider, error) {
	q, args, err := psql.Select(providerColumns...).From("providers").
		Where(sq.Eq{"tenant_id": tenant, "id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanProvider(s.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, notFound(err, "get provider "+id)
	}
	return p, nil
}

// Health updates leave updated_at alone; it tracks configuration changes.

func (s *Store) RecordProviderSuccess(ctx context.Context, tenant domain.TenantID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET last_error = '', last_sent_at = $3
		WHERE tenant_id = $1 AND id = $2`, tenant, id, at)
	if err != nil {
		return fmt.Errorf("record provider success: %w", err)
	}
	return affected(res, "provider "+id)
}

func (s *Store) RecordProviderFailure(ctx context.Context, tenant domain.TenantID, id, msg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET last_error = $3
		WHERE tenant_id = $1 AND id = $2`, tenant, id, msg)
	if err != nil {
		return fmt.Errorf("record provider failure: %w", err)
	}
	return affected(res, "provider "+id)
}

func (s *Store) SetProviderVerified(ctx context.Context, tenant domain.TenantID, id string, verified bool, lastError string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET is_verified = $3, last_error = $4
		WHERE tenant_id = $1 AND id = $2`, tenant, id, verified, lastError)
	if err != nil {
		return fmt.Errorf("set provider verified: %w", err)
	}
	return affected(res, "provider "+id)
}
