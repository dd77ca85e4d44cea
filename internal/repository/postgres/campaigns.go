package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

const campaignColumns = `id, tenant_id, name, segment_id, template_id, subject, html_content,
	text_content, feed_url, from_name, from_email, reply_to, provider_ids, strategy,
	ab_test_id, status, scheduled_at, total_recipients, sent_count, failed_count,
	delivered_count, opened_count, clicked_count, bounced_count, spam_count,
	unsubscribed_count, started_at, completed_at, created_at, updated_at`

func scanCampaign(row scanner) (*domain.Campaign, error) {
	var (
		c                             domain.Campaign
		scheduled, started, completed sql.NullTime
		providerIDs                   pq.StringArray
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.SegmentID, &c.Content.TemplateID, &c.Content.Subject, &c.Content.HTML,
		&c.Content.Text, &c.Content.FeedURL, &c.FromName, &c.FromEmail, &c.ReplyTo, &providerIDs, &c.Strategy,
		&c.ABTestID, &c.Status, &scheduled, &c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&c.DeliveredCount, &c.OpenedCount, &c.ClickedCount, &c.BouncedCount, &c.SpamCount,
		&c.UnsubscribedCount, &started, &completed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ProviderIDs = providerIDs
	c.ScheduledAt = timePtr(scheduled)
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	return &c, nil
}

func (s *Store) GetCampaign(ctx context.Context, tenant domain.TenantID, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE tenant_id = $1 AND id = $2`, tenant, id)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, notFound(err, "get campaign "+id)
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, tenant domain.TenantID, status domain.CampaignStatus, limit, offset int) ([]domain.Campaign, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where := sq.Eq{"tenant_id": tenant}
	if status != "" {
		where["status"] = status
	}

	countQ, args, err := psql.Select("COUNT(*)").From("campaigns").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q, args, err := psql.Select(campaignColumns).From("campaigns").Where(where).
		OrderBy("created_at DESC").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, tenant_id, name, segment_id, template_id, subject, html_content, text_content,
			 feed_url, from_name, from_email, reply_to, provider_ids, strategy, ab_test_id,
			 status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
	`, c.ID, c.TenantID, c.Name, c.SegmentID, c.Content.TemplateID, c.Content.Subject, c.Content.HTML,
		c.Content.Text, c.Content.FeedURL, c.FromName, c.FromEmail, c.ReplyTo, pq.Array(c.ProviderIDs),
		c.Strategy, c.ABTestID, c.Status, nullTime(c.ScheduledAt), c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create campaign %s: %w", c.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// TransitionCampaign is a compare-and-swap on status. Timestamps follow the
// target: scheduled sets scheduled_at, draft clears it, sending sets
// started_at once, completed and cancelled set completed_at.
func (s *Store) TransitionCampaign(ctx context.Context, tenant domain.TenantID, id string, from, to domain.CampaignStatus, at time.Time) error {
	set := map[string]any{"status": to, "updated_at": sq.Expr("NOW()")}
	switch to {
	case domain.CampaignScheduled:
		set["scheduled_at"] = at
	case domain.CampaignDraft:
		set["scheduled_at"] = nil
	case domain.CampaignSending:
		set["started_at"] = sq.Expr("COALESCE(started_at, ?)", at)
	case domain.CampaignCompleted, domain.CampaignCancelled:
		set["completed_at"] = at
	}
	q, args, err := psql.Update("campaigns").SetMap(set).
		Where(sq.Eq{"tenant_id": tenant, "id": id, "status": from}).ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition campaign %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetCampaign(ctx, tenant, id); err != nil {
		return err
	}
	return fmt.Errorf("campaign %s is no longer %s: %w", id, from, domain.ErrConflict)
}

func (s *Store) AddCampaignProgress(ctx context.Context, tenant domain.TenantID, id string, total, sent, failed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients = total_recipients + $3,
			sent_count = sent_count + $4, failed_count = failed_count + $5, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenant, id, total, sent, failed)
	if err != nil {
		return fmt.Errorf("add campaign progress: %w", err)
	}
	return affected(res, "add campaign progress "+id)
}

var campaignCounters = map[domain.CampaignCounter]bool{
	domain.CounterSent: true, domain.CounterFailed: true, domain.CounterDelivered: true,
	domain.CounterOpened: true, domain.CounterClicked: true, domain.CounterBounced: true,
	domain.CounterSpam: true, domain.CounterUnsubscribed: true,
}

func (s *Store) IncrementCampaignCounter(ctx context.Context, tenant domain.TenantID, id string, counter domain.CampaignCounter, n int) error {
	if !campaignCounters[counter] {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	col := string(counter)
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET `+col+` = `+col+` + $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`, tenant, id, n)
	if err != nil {
		return fmt.Errorf("increment %s: %w", col, err)
	}
	return affected(res, "increment campaign counter "+id)
}

func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) RecordedRecipients(ctx context.Context, tenant domain.TenantID, campaignID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT recipient_id FROM delivery_records
		WHERE tenant_id = $1 AND campaign_id = $2 AND recipient_id <> ''`, tenant, campaignID)
	if err != nil {
		return nil, fmt.Errorf("recorded recipients: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// GetSegment loads a segment; its filter is stored as the JSON wire tree.
func (s *Store) GetSegment(ctx context.Context, tenant domain.TenantID, id string) (*domain.Segment, error) {
	var (
		seg    domain.Segment
		filter []byte
		ids    pq.StringArray
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, kind, filter, static_recipient_ids, created_at
		FROM segments WHERE tenant_id = $1 AND id = $2
	`, tenant, id).Scan(&seg.ID, &seg.TenantID, &seg.Name, &seg.Kind, &filter, &ids, &seg.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get segment "+id)
	}
	seg.StaticRecipientIDs = ids
	if len(filter) > 0 && string(filter) != "null" {
		if seg.Filter, err = segmentation.ParseFilter(filter); err != nil {
			return nil, fmt.Errorf("segment %s filter: %w", id, err)
		}
	}
	return &seg, nil
}

// decodeJSON unmarshals a nullable JSONB column.
func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
