package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// recentCampaignWindow bounds how many past campaign sends are loaded per
// recipient for engagement rules.
const recentCampaignWindow = 10

var recipientColumns = []string{
	"r.id", "r.tenant_id", "r.kind", "r.email", "r.first_name", "r.last_name", "r.company",
	"r.phone", "r.status", "r.source", "r.unsubscribed", "r.custom_fields",
	"r.created_at", "r.updated_at",
}

func scanRecipient(row scanner) (domain.Recipient, error) {
	var (
		r      domain.Recipient
		custom []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Kind, &r.Email, &r.FirstName, &r.LastName, &r.Company,
		&r.Phone, &r.Status, &r.Source, &r.Unsubscribed, &custom, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := decodeJSON(custom, &r.CustomFields); err != nil {
		return r, fmt.Errorf("recipient %s custom fields: %w", r.ID, err)
	}
	return r, nil
}

func (s *Store) CountRecipients(ctx context.Context, tenant domain.TenantID, q *segmentation.Compiled) (int, error) {
	query, args, err := psql.Select("COUNT(*)").From("recipients r").
		Where(sq.Eq{"r.tenant_id": tenant}).Where(q.Sqlizer()).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build recipient count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

func (s *Store) FindRecipients(ctx context.Context, tenant domain.TenantID, q *segmentation.Compiled, page segmentation.Page) ([]domain.Recipient, error) {
	b := psql.Select(recipientColumns...).From("recipients r").
		Where(sq.Eq{"r.tenant_id": tenant}).Where(q.Sqlizer()).OrderBy("r.id")
	if page.AfterID != "" {
		b = b.Where(sq.Gt{"r.id": page.AfterID})
	}
	if page.Limit > 0 {
		b = b.Limit(uint64(page.Limit))
	}
	return s.queryRecipients(ctx, tenant, b)
}

func (s *Store) GetRecipients(ctx context.Context, tenant domain.TenantID, ids []string) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b := psql.Select(recipientColumns...).From("recipients r").
		Where(sq.Eq{"r.tenant_id": tenant}).Where("r.id = ANY(?)", pq.Array(ids)).OrderBy("r.id")
	return s.queryRecipients(ctx, tenant, b)
}

func (s *Store) queryRecipients(ctx context.Context, tenant domain.TenantID, b sq.SelectBuilder) ([]domain.Recipient, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recipient query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, tenant, out); err != nil {
		return nil, err
	}
	return out, nil
}

// hydrate attaches deals and the engagement derived from delivery history
// so conditions can be evaluated in memory.
func (s *Store) hydrate(ctx context.Context, tenant domain.TenantID, rs []domain.Recipient) error {
	if len(rs) == 0 {
		return nil
	}
	ids := make([]string, len(rs))
	index := make(map[string]int, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient_id, id, name, stage, amount, closed_at, created_at
		FROM deals WHERE tenant_id = $1 AND recipient_id = ANY($2)
		ORDER BY created_at
	`, tenant, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load deals: %w", err)
	}
	for rows.Next() {
		var (
			rid    string
			d      domain.Deal
			closed sql.NullTime
		)
		if err := rows.Scan(&rid, &d.ID, &d.Name, &d.Stage, &d.Amount, &closed, &d.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan deal: %w", err)
		}
		d.ClosedAt = timePtr(closed)
		if i, ok := index[rid]; ok {
			rs[i].Deals = append(rs[i].Deals, d)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT recipient_id, MAX(COALESCE(last_opened_at, opened_at)), MAX(clicked_at),
			COUNT(*), COUNT(opened_at), COUNT(clicked_at), COUNT(opened_at) FILTER (WHERE rn <= $3)
		FROM (
			SELECT recipient_id, opened_at, last_opened_at, clicked_at,
				ROW_NUMBER() OVER (PARTITION BY recipient_id ORDER BY queued_at DESC, id DESC) AS rn
			FROM delivery_records
			WHERE tenant_id = $1 AND recipient_id = ANY($2)
		) history
		GROUP BY recipient_id
	`, tenant, pq.Array(ids), domain.ScoreRecencyWindow)
	if err != nil {
		return fmt.Errorf("load engagement totals: %w", err)
	}
	for rows.Next() {
		var (
			rid                               string
			opened, clicked                   sql.NullTime
			total, opens, clicks, recentOpens int
		)
		if err := rows.Scan(&rid, &opened, &clicked, &total, &opens, &clicks, &recentOpens); err != nil {
			rows.Close()
			return fmt.Errorf("scan engagement totals: %w", err)
		}
		if i, ok := index[rid]; ok {
			rs[i].Engagement.LastOpenedAt = timePtr(opened)
			rs[i].Engagement.LastClickedAt = timePtr(clicked)
			rs[i].Engagement.Score = domain.EngagementScore(total, opens, clicks, recentOpens)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT recipient_id, campaign_id, sent_at, opened, clicked FROM (
			SELECT recipient_id, campaign_id, sent_at,
				opened_at IS NOT NULL AS opened, clicked_at IS NOT NULL AS clicked,
				ROW_NUMBER() OVER (PARTITION BY recipient_id ORDER BY sent_at DESC) AS rn
			FROM delivery_records
			WHERE tenant_id = $1 AND recipient_id = ANY($2)
				AND campaign_id IS NOT NULL AND sent_at IS NOT NULL
		) recent WHERE rn <= $3
		ORDER BY recipient_id, sent_at DESC
	`, tenant, pq.Array(ids), recentCampaignWindow)
	if err != nil {
		return fmt.Errorf("load engagement: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rid string
			ce  domain.CampaignEngagement
		)
		if err := rows.Scan(&rid, &ce.CampaignID, &ce.SentAt, &ce.Opened, &ce.Clicked); err != nil {
			return fmt.Errorf("scan engagement: %w", err)
		}
		if i, ok := index[rid]; ok {
			rs[i].Engagement.RecentCampaigns = append(rs[i].Engagement.RecentCampaigns, ce)
		}
	}
	return rows.Err()
}

// SetUnsubscribed flags every recipient of tenant with the given email.
func (s *Store) SetUnsubscribed(ctx context.Context, tenant domain.TenantID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET unsubscribed = TRUE, updated_at = NOW()
		WHERE tenant_id = $1 AND lower(email) = $2
	`, tenant, strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("set unsubscribed: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.ContentRef, error) {
	ref := domain.ContentRef{TemplateID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, html_content, text_content, feed_url FROM templates WHERE id = $1
	`, id).Scan(&ref.Subject, &ref.HTML, &ref.Text, &ref.FeedURL)
	if err != nil {
		return nil, notFound(err, "get template "+id)
	}
	return &ref, nil
}
