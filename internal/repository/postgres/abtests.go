package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

const testColumns = `id, tenant_id, campaign_id, test_element, win_metric, winner, is_significant,
	auto_select_winner, hours_to_test, status, started_at, completed_at, created_at`

func scanTest(row scanner) (*domain.ABTest, error) {
	var (
		t                  domain.ABTest
		started, completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.CampaignID, &t.TestElement, &t.WinMetric, &t.Winner,
		&t.IsSignificant, &t.AutoSelectWinner, &t.HoursToTest, &t.Status, &started, &completed, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func (s *Store) loadVariants(ctx context.Context, t *domain.ABTest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant, value, sent, opens, clicks, conversions
		FROM ab_variants WHERE tenant_id = $1 AND test_id = $2 ORDER BY variant
	`, t.TenantID, t.ID)
	if err != nil {
		return fmt.Errorf("load variants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.Name, &v.Value, &v.Sent, &v.Opens, &v.Clicks, &v.Conversions); err != nil {
			return fmt.Errorf("scan variant: %w", err)
		}
		t.Variants = append(t.Variants, v)
	}
	return rows.Err()
}

func (s *Store) GetTest(ctx context.Context, tenant domain.TenantID, id string) (*domain.ABTest, error) {
	t, err := scanTest(s.db.QueryRowContext(ctx, `SELECT `+testColumns+`
		FROM ab_tests WHERE tenant_id = $1 AND id = $2`, tenant, id))
	if err != nil {
		return nil, notFound(err, "get ab test "+id)
	}
	if err := s.loadVariants(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) ListRunningTests(ctx context.Context) ([]domain.ABTest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+testColumns+`
		FROM ab_tests WHERE status = 'running' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list running tests: %w", err)
	}
	var out []domain.ABTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan ab test: %w", err)
		}
		out = append(out, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadVariants(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StartTest moves a draft test to running. A running test is left as is;
// a completed one returns domain.ErrConflict.
func (s *Store) StartTest(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ab_tests SET status = 'running', started_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'draft'`, tenant, id, now)
	if err != nil {
		return fmt.Errorf("start ab test: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status domain.ABTestStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM ab_tests WHERE tenant_id = $1 AND id = $2`,
		tenant, id).Scan(&status)
	if err != nil {
		return notFound(err, "start ab test "+id)
	}
	if status == domain.ABTestRunning {
		return nil
	}
	return fmt.Errorf("ab test %s is %s: %w", id, status, domain.ErrConflict)
}

func (s *Store) DeclareWinner(ctx context.Context, tenant domain.TenantID, id, winner string, significant bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = 'completed', winner = $3, is_significant = $4, completed_at = $5
		WHERE tenant_id = $1 AND id = $2 AND status = 'running'
	`, tenant, id, winner, significant, now)
	if err != nil {
		return fmt.Errorf("declare winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM ab_tests WHERE tenant_id = $1 AND id = $2`,
		tenant, id).Scan(&one)
	if err != nil {
		return notFound(err, "declare winner "+id)
	}
	return fmt.Errorf("ab test %s is not running: %w", id, domain.ErrConflict)
}

var variantMetrics = map[domain.VariantMetric]bool{
	domain.MetricSent: true, domain.MetricOpens: true,
	domain.MetricClicks: true, domain.MetricConversions: true,
}

func (s *Store) IncrementVariant(ctx context.Context, tenant domain.TenantID, id, variant string, metric domain.VariantMetric, n int64) error {
	if !variantMetrics[metric] {
		return fmt.Errorf("unknown variant metric %q", metric)
	}
	col := string(metric)
	res, err := s.db.ExecContext(ctx, `UPDATE ab_variants SET `+col+` = `+col+` + $4
		WHERE tenant_id = $1 AND test_id = $2 AND variant = $3`, tenant, id, variant, n)
	if err != nil {
		return fmt.Errorf("increment variant %s: %w", col, err)
	}
	return affected(res, "variant "+id+"/"+variant)
}
