package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/domain"
)

// Ledger keeps quota counters on the providers row. Each counter is only
// valid for the window stamped next to it, so a new day or month reads as
// zero until the first reservation re-stamps it.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger { return &Ledger{db: db} }

var (
	_ delivery.QuotaLedger     = (*Ledger)(nil)
	_ delivery.CounterResetter = (*Ledger)(nil)
)

// Reserve increments both windows in one statement guarded by the limits.
func (l *Ledger) Reserve(ctx context.Context, p *domain.Provider, now time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE providers SET
			sent_today = CASE WHEN counters_day = $3 THEN sent_today + 1 ELSE 1 END,
			counters_day = $3,
			sent_this_month = CASE WHEN counters_month = $4 THEN sent_this_month + 1 ELSE 1 END,
			counters_month = $4
		WHERE tenant_id = $1 AND id = $2
			AND (daily_limit = 0 OR CASE WHEN counters_day = $3 THEN sent_today ELSE 0 END < daily_limit)
			AND (monthly_limit = 0 OR CASE WHEN counters_month = $4 THEN sent_this_month ELSE 0 END < monthly_limit)
	`, p.TenantID, p.ID, domain.DayKey(now), domain.MonthKey(now))
	if err != nil {
		return false, fmt.Errorf("quota reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("quota reserve: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if err := l.exists(ctx, p); err != nil {
		return false, err
	}
	return false, nil
}

func (l *Ledger) exists(ctx context.Context, p *domain.Provider) error {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM providers WHERE tenant_id = $1 AND id = $2`,
		p.TenantID, p.ID).Scan(&one)
	if err != nil {
		return notFound(err, "quota provider "+p.ID)
	}
	return nil
}

// Release decrements counters that are still stamped with now's windows.
func (l *Ledger) Release(ctx context.Context, p *domain.Provider, now time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE providers SET
			sent_today = CASE WHEN counters_day = $3 THEN GREATEST(sent_today - 1, 0) ELSE sent_today END,
			sent_this_month = CASE WHEN counters_month = $4 THEN GREATEST(sent_this_month - 1, 0) ELSE sent_this_month END
		WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, p.ID, domain.DayKey(now), domain.MonthKey(now))
	if err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

func (l *Ledger) Usage(ctx context.Context, p *domain.Provider, now time.Time) (delivery.Usage, error) {
	var u delivery.Usage
	err := l.db.QueryRowContext(ctx, `
		SELECT CASE WHEN counters_day = $3 THEN sent_today ELSE 0 END,
			CASE WHEN counters_month = $4 THEN sent_this_month ELSE 0 END
		FROM providers WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, p.ID, domain.DayKey(now), domain.MonthKey(now)).Scan(&u.Day, &u.Month)
	if err != nil {
		return u, notFound(err, "quota usage "+p.ID)
	}
	return u, nil
}

// ResetStaleCounters zeroes counters stamped with a past window and returns
// the number of providers touched.
func (l *Ledger) ResetStaleCounters(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE providers SET
			sent_today = CASE WHEN counters_day <> $1 THEN 0 ELSE sent_today END,
			counters_day = $1,
			sent_this_month = CASE WHEN counters_month <> $2 THEN 0 ELSE sent_this_month END,
			counters_month = $2
		WHERE counters_day <> $1 OR counters_month <> $2
	`, domain.DayKey(now), domain.MonthKey(now))
	if err != nil {
		return 0, fmt.Errorf("reset stale counters: %w", err)
	}
	return res.RowsAffected()
}
