package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

const recordColumns = `id, tenant_id, campaign_id, drip_id, enrollment_id, step_number, ab_test_id,
	variant, recipient_id, email, provider_id, provider_type, provider_message_id, status, error,
	opens_count, clicks_count, queued_at, sent_at, delivered_at, opened_at, last_opened_at,
	clicked_at, bounced_at, failed_at, complained_at, unsubscribed_at`

func scanRecord(row scanner) (*domain.DeliveryRecord, error) {
	var (
		r                                                   domain.DeliveryRecord
		campaignID, dripID, enrollmentID, abTestID, variant sql.NullString
		providerID, providerType, messageID                 sql.NullString
		sent, delivered, opened, lastOpened, clicked        sql.NullTime
		bounced, failed, complained, unsubscribed           sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TenantID, &campaignID, &dripID, &enrollmentID, &r.StepNumber, &abTestID,
		&variant, &r.RecipientID, &r.Email, &providerID, &providerType, &messageID, &r.Status, &r.Error,
		&r.OpensCount, &r.ClicksCount, &r.QueuedAt, &sent, &delivered, &opened, &lastOpened,
		&clicked, &bounced, &failed, &complained, &unsubscribed)
	if err != nil {
		return nil, err
	}
	r.CampaignID = campaignID.String
	r.DripID = dripID.String
	r.EnrollmentID = enrollmentID.String
	r.ABTestID = abTestID.String
	r.Variant = variant.String
	r.ProviderID = providerID.String
	r.ProviderType = domain.ProviderType(providerType.String)
	r.ProviderMessageID = messageID.String
	r.SentAt = timePtr(sent)
	r.DeliveredAt = timePtr(delivered)
	r.OpenedAt = timePtr(opened)
	r.LastOpenedAt = timePtr(lastOpened)
	r.ClickedAt = timePtr(clicked)
	r.BouncedAt = timePtr(bounced)
	r.FailedAt = timePtr(failed)
	r.ComplainedAt = timePtr(complained)
	r.UnsubscribedAt = timePtr(unsubscribed)
	return &r, nil
}

func (s *Store) CreateRecord(ctx context.Context, r *domain.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO delivery_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		r.ID, r.TenantID, nullString(r.CampaignID), nullString(r.DripID), nullString(r.EnrollmentID),
		r.StepNumber, nullString(r.ABTestID), nullString(r.Variant), r.RecipientID, r.Email,
		nullString(r.ProviderID), nullString(string(r.ProviderType)), nullString(r.ProviderMessageID),
		r.Status, r.Error, r.OpensCount, r.ClicksCount, r.QueuedAt, nullTime(r.SentAt),
		nullTime(r.DeliveredAt), nullTime(r.OpenedAt), nullTime(r.LastOpenedAt), nullTime(r.ClickedAt),
		nullTime(r.BouncedAt), nullTime(r.FailedAt), nullTime(r.ComplainedAt), nullTime(r.UnsubscribedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create record %s: %w", r.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *Store) CountRecordsByStatus(ctx context.Context, tenant domain.TenantID, providerID string) (map[domain.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM delivery_records
		WHERE tenant_id = $1 AND provider_id = $2
		GROUP BY status
	`, tenant, providerID)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var (
			status domain.DeliveryStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) ProviderEngagement(ctx context.Context, tenant domain.TenantID, since time.Time) ([]domain.ProviderEngagement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, COALESCE(MAX(provider_type), ''),
			COUNT(sent_at), COUNT(delivered_at), COUNT(opened_at),
			COUNT(clicked_at), COUNT(bounced_at), COUNT(failed_at)
		FROM delivery_records
		WHERE tenant_id = $1 AND queued_at >= $2 AND COALESCE(provider_id, '') <> ''
		GROUP BY provider_id
		ORDER BY provider_id
	`, tenant, since)
	if err != nil {
		return nil, fmt.Errorf("provider engagement: %w", err)
	}
	defer rows.Close()
	var out []domain.ProviderEngagement
	for rows.Next() {
		var pe domain.ProviderEngagement
		if err := rows.Scan(&pe.ProviderID, &pe.ProviderType, &pe.Sent, &pe.Delivered,
			&pe.Opened, &pe.Clicked, &pe.Bounced, &pe.Failed); err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (s *Store) FindRecordByMessageID(ctx context.Context, tenant domain.TenantID, messageID string) (*domain.DeliveryRecord, error) {
	if messageID == "" {
		return nil, domain.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM delivery_records
		WHERE tenant_id = $1 AND provider_message_id = $2
		ORDER BY queued_at DESC LIMIT 1`, tenant, messageID)
	r, err := scanRecord(row)
	if err != nil {
		return nil, notFound(err, "find record by message id")
	}
	return r, nil
}

// FindLatestOpenRecord returns the most recently queued non-terminal record
// sent to email.
func (s *Store) FindLatestOpenRecord(ctx context.Context, tenant domain.TenantID, email string) (*domain.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM delivery_records
		WHERE tenant_id = $1 AND lower(email) = $2
			AND status NOT IN ('bounced', 'failed', 'spam', 'unsubscribed')
		ORDER BY queued_at DESC, id DESC LIMIT 1`, tenant, strings.ToLower(strings.TrimSpace(email)))
	r, err := scanRecord(row)
	if err != nil {
		return nil, notFound(err, "find open record")
	}
	return r, nil
}

// UpdateRecord locks the row, runs fn and writes the mutable fields back in
// the same transaction.
func (s *Store) UpdateRecord(ctx context.Context, tenant domain.TenantID, id string, fn func(*domain.DeliveryRecord) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM delivery_records
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenant, id))
	if err != nil {
		return notFound(err, "update record "+id)
	}
	if err := fn(r); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE delivery_records SET status = $3, error = $4, opens_count = $5, clicks_count = $6,
			provider_message_id = $7, sent_at = $8, delivered_at = $9, opened_at = $10,
			last_opened_at = $11, clicked_at = $12, bounced_at = $13, failed_at = $14,
			complained_at = $15, unsubscribed_at = $16
		WHERE tenant_id = $1 AND id = $2
	`, tenant, id, r.Status, r.Error, r.OpensCount, r.ClicksCount, nullString(r.ProviderMessageID),
		nullTime(r.SentAt), nullTime(r.DeliveredAt), nullTime(r.OpenedAt), nullTime(r.LastOpenedAt),
		nullTime(r.ClickedAt), nullTime(r.BouncedAt), nullTime(r.FailedAt), nullTime(r.ComplainedAt),
		nullTime(r.UnsubscribedAt))
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	return tx.Commit()
}
