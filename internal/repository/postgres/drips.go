package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// Step and exit-rule conditions are filter trees; the domain types hide them
// from JSON, so the columns use these wire shapes.
type stepRow struct {
	Number   int               `json:"step_number"`
	Name     string            `json:"name"`
	Delay    domain.Delay      `json:"delay"`
	Content  domain.ContentRef `json:"content"`
	Branches []branchRow       `json:"branches,omitempty"`
}

type branchRow struct {
	When     json.RawMessage `json:"when"`
	GotoStep int             `json:"goto_step"`
}

type exitRuleRow struct {
	Reason string          `json:"reason"`
	When   json.RawMessage `json:"when"`
}

func decodeSteps(raw []byte) ([]domain.DripStep, error) {
	var rows []stepRow
	if err := decodeJSON(raw, &rows); err != nil {
		return nil, err
	}
	steps := make([]domain.DripStep, len(rows))
	for i, r := range rows {
		steps[i] = domain.DripStep{Number: r.Number, Name: r.Name, Delay: r.Delay, Content: r.Content}
		for _, b := range r.Branches {
			when, err := segmentation.ParseFilter(b.When)
			if err != nil {
				return nil, fmt.Errorf("step %d branch: %w", r.Number, err)
			}
			steps[i].Branches = append(steps[i].Branches, domain.Branch{When: when, GotoStep: b.GotoStep})
		}
	}
	return steps, nil
}

func encodeSteps(steps []domain.DripStep) ([]byte, error) {
	rows := make([]stepRow, len(steps))
	for i, s := range steps {
		rows[i] = stepRow{Number: s.Number, Name: s.Name, Delay: s.Delay, Content: s.Content}
		for _, b := range s.Branches {
			when, err := segmentation.MarshalFilter(b.When)
			if err != nil {
				return nil, fmt.Errorf("step %d branch: %w", s.Number, err)
			}
			rows[i].Branches = append(rows[i].Branches, branchRow{When: when, GotoStep: b.GotoStep})
		}
	}
	return json.Marshal(rows)
}

func decodeExitRules(raw []byte) ([]domain.ExitRule, error) {
	var rows []exitRuleRow
	if err := decodeJSON(raw, &rows); err != nil {
		return nil, err
	}
	var out []domain.ExitRule
	for _, r := range rows {
		when, err := segmentation.ParseFilter(r.When)
		if err != nil {
			return nil, fmt.Errorf("exit rule %q: %w", r.Reason, err)
		}
		out = append(out, domain.ExitRule{Reason: r.Reason, When: when})
	}
	return out, nil
}

func encodeExitRules(rules []domain.ExitRule) ([]byte, error) {
	rows := make([]exitRuleRow, 0, len(rules))
	for _, r := range rules {
		when, err := segmentation.MarshalFilter(r.When)
		if err != nil {
			return nil, fmt.Errorf("exit rule %q: %w", r.Reason, err)
		}
		rows = append(rows, exitRuleRow{Reason: r.Reason, When: when})
	}
	return json.Marshal(rows)
}

func (s *Store) GetDrip(ctx context.Context, tenant domain.TenantID, id string) (*domain.DripDefinition, error) {
	var (
		d                domain.DripDefinition
		steps, exitRules []byte
		providerIDs      pq.StringArray
		sendHour         sql.NullInt32
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, steps, provider_ids, strategy, from_name, from_email,
			send_hour, timezone, skip_weekends, allow_re_enrollment, max_enrollments_per_contact,
			exit_on_unsubscribe, exit_rules, created_at, updated_at
		FROM drips WHERE tenant_id = $1 AND id = $2
	`, tenant, id).Scan(&d.ID, &d.TenantID, &d.Name, &d.Status, &steps, &providerIDs, &d.Strategy,
		&d.FromName, &d.FromEmail, &sendHour, &d.Timezone, &d.SkipWeekends, &d.AllowReEnrollment,
		&d.MaxEnrollmentsPerContact, &d.ExitOnUnsubscribe, &exitRules, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "get drip "+id)
	}
	d.ProviderIDs = providerIDs
	if sendHour.Valid {
		h := int(sendHour.Int32)
		d.SendHour = &h
	}
	if d.Steps, err = decodeSteps(steps); err != nil {
		return nil, fmt.Errorf("drip %s steps: %w", id, err)
	}
	if d.ExitRules, err = decodeExitRules(exitRules); err != nil {
		return nil, fmt.Errorf("drip %s exit rules: %w", id, err)
	}
	return &d, nil
}

// CreateDrip stores a validated drip definition.
func (s *Store) CreateDrip(ctx context.Context, d *domain.DripDefinition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("create drip: %w", err)
	}
	steps, err := encodeSteps(d.Steps)
	if err != nil {
		return err
	}
	exitRules, err := encodeExitRules(d.ExitRules)
	if err != nil {
		return err
	}
	var sendHour sql.NullInt32
	if d.SendHour != nil {
		sendHour = sql.NullInt32{Int32: int32(*d.SendHour), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drips
			(id, tenant_id, name, status, steps, provider_ids, strategy, from_name, from_email,
			 send_hour, timezone, skip_weekends, allow_re_enrollment, max_enrollments_per_contact,
			 exit_on_unsubscribe, exit_rules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, d.ID, d.TenantID, d.Name, d.Status, steps, pq.Array(d.ProviderIDs), d.Strategy, d.FromName,
		d.FromEmail, sendHour, d.Timezone, d.SkipWeekends, d.AllowReEnrollment,
		d.MaxEnrollmentsPerContact, d.ExitOnUnsubscribe, exitRules, d.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create drip %s: %w", d.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create drip: %w", err)
	}
	return nil
}

func (s *Store) UpdateDripStatus(ctx context.Context, tenant domain.TenantID, id string, status domain.DripStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE drips SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`, tenant, id, status)
	if err != nil {
		return fmt.Errorf("update drip status: %w", err)
	}
	return affected(res, "drip "+id)
}

const enrollmentColumns = `id, tenant_id, drip_id, recipient_id, email, state, current_step,
	next_send_at, steps_completed, failed_attempts, last_error, exit_reason, enrolled_at,
	completed_at, exited_at, paused_at, claimed_until, version`

func scanEnrollment(row scanner) (*domain.Enrollment, error) {
	var (
		e                                  domain.Enrollment
		completed, exited, paused, claimed sql.NullTime
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.DripID, &e.RecipientID, &e.Email, &e.State, &e.CurrentStep,
		&e.NextSendAt, &e.StepsCompleted, &e.FailedAttempts, &e.LastError, &e.ExitReason, &e.EnrolledAt,
		&completed, &exited, &paused, &claimed, &e.Version)
	if err != nil {
		return nil, err
	}
	e.CompletedAt = timePtr(completed)
	e.ExitedAt = timePtr(exited)
	e.PausedAt = timePtr(paused)
	e.ClaimedUntil = timePtr(claimed)
	return &e, nil
}

func (s *Store) queryEnrollments(ctx context.Context, query string, args ...any) ([]domain.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()
	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) GetEnrollment(ctx context.Context, tenant domain.TenantID, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+`
		FROM drip_enrollments WHERE tenant_id = $1 AND id = $2`, tenant, id))
	if err != nil {
		return nil, notFound(err, "get enrollment "+id)
	}
	return e, nil
}

func (s *Store) EnrollmentsFor(ctx context.Context, tenant domain.TenantID, dripID, recipientID string) ([]domain.Enrollment, error) {
	return s.queryEnrollments(ctx, `SELECT `+enrollmentColumns+` FROM drip_enrollments
		WHERE tenant_id = $1 AND drip_id = $2 AND recipient_id = $3
		ORDER BY enrolled_at`, tenant, dripID, recipientID)
}

func (s *Store) CreateEnrollment(ctx context.Context, e *domain.Enrollment) error {
	e.Version = 1
	_, err := s.db.ExecContext(ctx, `INSERT INTO drip_enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, e.TenantID, e.DripID, e.RecipientID, e.Email, e.State, e.CurrentStep,
		e.NextSendAt, e.StepsCompleted, e.FailedAttempts, e.LastError, e.ExitReason, e.EnrolledAt,
		nullTime(e.CompletedAt), nullTime(e.ExitedAt), nullTime(e.PausedAt), nullTime(e.ClaimedUntil), e.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("create enrollment %s: %w", e.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

func (s *Store) CountEnrollmentsByState(ctx context.Context, tenant domain.TenantID, dripID string) (map[domain.EnrollmentState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM drip_enrollments
		WHERE tenant_id = $1 AND drip_id = $2 GROUP BY state`, tenant, dripID)
	if err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.EnrollmentState]int)
	for rows.Next() {
		var (
			state domain.EnrollmentState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// ListDue returns active, unclaimed enrollments of active drips across all
// tenants, oldest first. Ownership is taken by ClaimEnrollment.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEnrollments(ctx, `SELECT `+enrollmentColumnsPrefixed+`
		FROM drip_enrollments e
		JOIN drips d ON d.tenant_id = e.tenant_id AND d.id = e.drip_id
		WHERE e.state = 'active' AND e.next_send_at <= $1
			AND (e.claimed_until IS NULL OR e.claimed_until <= $1)
			AND d.status = 'active'
		ORDER BY e.next_send_at, e.id
		LIMIT $2`, now, limit)
}

const enrollmentColumnsPrefixed = `e.id, e.tenant_id, e.drip_id, e.recipient_id, e.email, e.state,
	e.current_step, e.next_send_at, e.steps_completed, e.failed_attempts, e.last_error,
	e.exit_reason, e.enrolled_at, e.completed_at, e.exited_at, e.paused_at, e.claimed_until, e.version`

// versionMiss tells a missing enrollment apart from a lost race.
func (s *Store) versionMiss(ctx context.Context, e *domain.Enrollment) error {
	if _, err := s.GetEnrollment(ctx, e.TenantID, e.ID); err != nil {
		return err
	}
	return fmt.Errorf("enrollment %s version %d: %w", e.ID, e.Version, domain.ErrConflict)
}

func (s *Store) ClaimEnrollment(ctx context.Context, e *domain.Enrollment, until time.Time) error {
	claimed, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		UPDATE drip_enrollments SET claimed_until = $4, version = version + 1
		WHERE tenant_id = $1 AND id = $2 AND version = $3
		RETURNING `+enrollmentColumns, e.TenantID, e.ID, e.Version, until))
	if errors.Is(err, sql.ErrNoRows) {
		return s.versionMiss(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("claim enrollment %s: %w", e.ID, err)
	}
	*e = *claimed
	return nil
}

func (s *Store) SaveEnrollment(ctx context.Context, e *domain.Enrollment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drip_enrollments SET state = $4, current_step = $5, next_send_at = $6,
			steps_completed = $7, failed_attempts = $8, last_error = $9, exit_reason = $10,
			completed_at = $11, exited_at = $12, paused_at = $13, claimed_until = $14,
			version = version + 1
		WHERE tenant_id = $1 AND id = $2 AND version = $3
	`, e.TenantID, e.ID, e.Version, e.State, e.CurrentStep, e.NextSendAt, e.StepsCompleted,
		e.FailedAttempts, e.LastError, e.ExitReason, nullTime(e.CompletedAt), nullTime(e.ExitedAt),
		nullTime(e.PausedAt), nullTime(e.ClaimedUntil))
	if err != nil {
		return fmt.Errorf("save enrollment %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.versionMiss(ctx, e)
	}
	e.Version++
	return nil
}
