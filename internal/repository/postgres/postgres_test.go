package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

var testNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

const tenant = domain.TenantID("t1")

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

var campaignCols = []string{
	"id", "tenant_id", "name", "segment_id", "template_id", "subject", "html_content",
	"text_content", "feed_url", "from_name", "from_email", "reply_to", "provider_ids", "strategy",
	"ab_test_id", "status", "scheduled_at", "total_recipients", "sent_count", "failed_count",
	"delivered_count", "opened_count", "clicked_count", "bounced_count", "spam_count",
	"unsubscribed_count", "started_at", "completed_at", "created_at", "updated_at",
}

func campaignRow(id string, status domain.CampaignStatus) *sqlmock.Rows {
	return sqlmock.NewRows(campaignCols).AddRow(
		id, "t1", "Spring", "seg-1", "", "Hi {{first_name}}", "<p>hi</p>",
		"", "", "Acme", "news@acme.test", "", "{p1,p2}", "priority",
		"", string(status), nil, 10, 8, 2,
		5, 3, 1, 0, 0,
		0, testNow, nil, testNow, testNow,
	)
}

var enrollmentCols = []string{
	"id", "tenant_id", "drip_id", "recipient_id", "email", "state", "current_step",
	"next_send_at", "steps_completed", "failed_attempts", "last_error", "exit_reason", "enrolled_at",
	"completed_at", "exited_at", "paused_at", "claimed_until", "version",
}

func enrollmentRow(version int64, claimed any) *sqlmock.Rows {
	return sqlmock.NewRows(enrollmentCols).AddRow(
		"e1", "t1", "d1", "r1", "ana@example.com", "active", 2,
		testNow, 1, 0, "", "", testNow.Add(-24*time.Hour),
		nil, nil, nil, claimed, version,
	)
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func TestGetCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	mock.ExpectQuery("SELECT id, tenant_id, name").
		WithArgs(tenant, "c1").
		WillReturnRows(campaignRow("c1", domain.CampaignSending))

	c, err := s.GetCampaign(context.Background(), tenant, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, c.Status)
	assert.Equal(t, []string{"p1", "p2"}, c.ProviderIDs)
	assert.Equal(t, "Hi {{first_name}}", c.Content.Subject)
	assert.Nil(t, c.ScheduledAt)
	require.NotNil(t, c.StartedAt)
	assert.True(t, c.StartedAt.Equal(testNow))
}

func TestGetCampaignNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	mock.ExpectQuery("SELECT id, tenant_id, name").WillReturnRows(sqlmock.NewRows(campaignCols))

	_, err := s.GetCampaign(context.Background(), tenant, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionCampaign(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE campaigns SET").WillReturnResult(sqlmock.NewResult(0, 1))
		err := New(db).TransitionCampaign(context.Background(), tenant, "c1",
			domain.CampaignDraft, domain.CampaignSending, testNow)
		assert.NoError(t, err)
	})

	t.Run("lost race", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE campaigns SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, tenant_id, name").WillReturnRows(campaignRow("c1", domain.CampaignPaused))
		err := New(db).TransitionCampaign(context.Background(), tenant, "c1",
			domain.CampaignSending, domain.CampaignCompleted, testNow)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("missing", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE campaigns SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, tenant_id, name").WillReturnRows(sqlmock.NewRows(campaignCols))
		err := New(db).TransitionCampaign(context.Background(), tenant, "nope",
			domain.CampaignDraft, domain.CampaignCancelled, testNow)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestListCampaigns(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").WithArgs("draft", tenant).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT id, tenant_id, name").
		WillReturnRows(campaignRow("c1", domain.CampaignDraft))

	out, total, err := New(db).ListCampaigns(context.Background(), tenant, domain.CampaignDraft, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
}

func TestIncrementCampaignCounterRejectsUnknownColumn(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	err := New(db).IncrementCampaignCounter(context.Background(), tenant, "c1", "name", 1)
	assert.Error(t, err)
}

func TestIncrementCampaignCounter(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE campaigns SET opened_count = opened_count").
		WithArgs(tenant, "c1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, New(db).IncrementCampaignCounter(context.Background(), tenant, "c1", domain.CounterOpened, 1))
}

func TestGetSegmentParsesFilter(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	filter := `{"match":"all","rules":[{"field":"status","operator":"equals","value":"new"}]}`
	mock.ExpectQuery("SELECT id, tenant_id, name, kind, filter").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "kind", "filter", "static_recipient_ids", "created_at"}).
			AddRow("s1", "t1", "New leads", "dynamic", []byte(filter), "{}", testNow))

	seg, err := New(db).GetSegment(context.Background(), tenant, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SegmentDynamic, seg.Kind)
	require.NotNil(t, seg.Filter)
}

// =============================================================================
// RECIPIENTS
// =============================================================================

func TestFindRecipientsHydrates(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	q, err := segmentation.NewCompiler().Compile(domain.Rule{Field: "status", Operator: domain.OpEquals, Value: "new"}, testNow)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT r.id, r.tenant_id .* FROM recipients r WHERE").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "kind", "email", "first_name", "last_name", "company", "phone",
			"status", "source", "unsubscribed", "custom_fields", "created_at", "updated_at",
		}).AddRow("r1", "t1", "lead", "ana@example.com", "Ana", "Lima", "Acme", "", "new", "web", false,
			[]byte(`{"plan":"pro"}`), testNow, testNow))
	mock.ExpectQuery("FROM deals").
		WillReturnRows(sqlmock.NewRows([]string{"recipient_id", "id", "name", "stage", "amount", "closed_at", "created_at"}).
			AddRow("r1", "deal-1", "Renewal", "proposal", 1200.0, nil, testNow))
	mock.ExpectQuery("COUNT\\(opened_at\\) FILTER .* FROM delivery_records").
		WithArgs(tenant, sqlmock.AnyArg(), domain.ScoreRecencyWindow).
		WillReturnRows(sqlmock.NewRows([]string{"recipient_id", "last_opened", "last_clicked", "total", "opens", "clicks", "recent_opens"}).
			AddRow("r1", testNow.Add(-48*time.Hour), nil, 4, 2, 1, 1))
	mock.ExpectQuery("FROM delivery_records").
		WillReturnRows(sqlmock.NewRows([]string{"recipient_id", "campaign_id", "sent_at", "opened", "clicked"}).
			AddRow("r1", "c9", testNow.Add(-48*time.Hour), true, false))

	rs, err := New(db).FindRecipients(context.Background(), tenant, q, segmentation.Page{AfterID: "r0", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	r := rs[0]
	assert.Equal(t, "pro", r.CustomFields["plan"])
	// (40*2*4 + 40*1*4 + 20*1*4) / (4*4)
	assert.Equal(t, float64(35), r.Engagement.Score)
	require.NotNil(t, r.Engagement.LastOpenedAt)
	assert.Nil(t, r.Engagement.LastClickedAt)
	require.Len(t, r.Deals, 1)
	assert.True(t, r.Deals[0].IsOpen())
	require.Len(t, r.Engagement.RecentCampaigns, 1)
	assert.True(t, r.Engagement.RecentCampaigns[0].Opened)
}

func TestGetRecipientsEmptyIDs(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	rs, err := New(db).GetRecipients(context.Background(), tenant, nil)
	assert.NoError(t, err)
	assert.Empty(t, rs)
}

func TestSetUnsubscribedMatchesEmailCaseInsensitively(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE recipients SET unsubscribed = TRUE").
		WithArgs(tenant, "ana@example.com").
		WillReturnResult(sqlmock.NewResult(0, 2))
	assert.NoError(t, New(db).SetUnsubscribed(context.Background(), tenant, "Ana@Example.com"))
}

// =============================================================================
// DELIVERY RECORDS
// =============================================================================

var recordCols = []string{
	"id", "tenant_id", "campaign_id", "drip_id", "enrollment_id", "step_number", "ab_test_id",
	"variant", "recipient_id", "email", "provider_id", "provider_type", "provider_message_id", "status", "error",
	"opens_count", "clicks_count", "queued_at", "sent_at", "delivered_at", "opened_at", "last_opened_at",
	"clicked_at", "bounced_at", "failed_at", "complained_at", "unsubscribed_at",
}

func recordRow() *sqlmock.Rows {
	return sqlmock.NewRows(recordCols).AddRow(
		"rec-1", "t1", "c1", nil, nil, 0, nil,
		nil, "r1", "ana@example.com", "p1", "sendgrid", "msg-1", "sent", "",
		0, 0, testNow, testNow, nil, nil, nil,
		nil, nil, nil, nil, nil,
	)
}

func TestCreateRecordDuplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO delivery_records").WillReturnError(&pq.Error{Code: "23505"})
	err := New(db).CreateRecord(context.Background(), &domain.DeliveryRecord{ID: "rec-1", TenantID: tenant, QueuedAt: testNow})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestFindRecordByMessageID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	mock.ExpectQuery("FROM delivery_records").WithArgs(tenant, "msg-1").WillReturnRows(recordRow())
	rec, err := s.FindRecordByMessageID(context.Background(), tenant, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.CampaignID)
	assert.Empty(t, rec.DripID)
	assert.Equal(t, domain.ProviderSendGrid, rec.ProviderType)

	_, err = s.FindRecordByMessageID(context.Background(), tenant, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateRecordCommits(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM delivery_records .* FOR UPDATE").WillReturnRows(recordRow())
	mock.ExpectExec("UPDATE delivery_records SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := New(db).UpdateRecord(context.Background(), tenant, "rec-1", func(r *domain.DeliveryRecord) error {
		r.Status = domain.StatusDelivered
		r.DeliveredAt = &testNow
		return nil
	})
	assert.NoError(t, err)
}

func TestUpdateRecordRollsBackOnCallbackError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM delivery_records .* FOR UPDATE").WillReturnRows(recordRow())
	mock.ExpectRollback()

	stop := errors.New("stop")
	err := New(db).UpdateRecord(context.Background(), tenant, "rec-1", func(*domain.DeliveryRecord) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestCountRecordsByStatus(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 4).AddRow("bounced", 1))
	got, err := New(db).CountRecordsByStatus(context.Background(), tenant, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.DeliveryStatus]int{domain.StatusSent: 4, domain.StatusBounced: 1}, got)
}

func TestProviderEngagement(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	since := testNow.Add(-30 * 24 * time.Hour)
	mock.ExpectQuery("COUNT\\(sent_at\\).* FROM delivery_records .* GROUP BY provider_id").
		WithArgs(tenant, since).
		WillReturnRows(sqlmock.NewRows([]string{"provider_id", "provider_type", "sent", "delivered", "opened", "clicked", "bounced", "failed"}).
			AddRow("p1", "sendgrid", 10, 9, 4, 1, 1, 0).
			AddRow("p2", "mailchimp", 5, 5, 3, 2, 0, 1))
	got, err := New(db).ProviderEngagement(context.Background(), tenant, since)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.ProviderEngagement{
		ProviderID: "p1", ProviderType: domain.ProviderSendGrid, Sent: 10, Delivered: 9, Opened: 4, Clicked: 1, Bounced: 1,
	}, got[0])
	assert.Equal(t, domain.ProviderMailchimp, got[1].ProviderType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// QUOTA LEDGER
// =============================================================================

func TestLedgerReserve(t *testing.T) {
	p := &domain.Provider{ID: "p1", TenantID: tenant, DailyLimit: 2}

	t.Run("reserved", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE providers SET").
			WithArgs(tenant, "p1", "2024-03-15", "2024-03").
			WillReturnResult(sqlmock.NewResult(0, 1))
		ok, err := NewLedger(db).Reserve(context.Background(), p, testNow)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("limit reached", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE providers SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM providers").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		ok, err := NewLedger(db).Reserve(context.Background(), p, testNow)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown provider", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE providers SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM providers").WillReturnRows(sqlmock.NewRows([]string{"one"}))
		_, err := NewLedger(db).Reserve(context.Background(), p, testNow)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestLedgerUsageAndReset(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	l := NewLedger(db)
	p := &domain.Provider{ID: "p1", TenantID: tenant}

	mock.ExpectQuery("SELECT CASE WHEN counters_day").
		WithArgs(tenant, "p1", "2024-03-15", "2024-03").
		WillReturnRows(sqlmock.NewRows([]string{"day", "month"}).AddRow(3, 40))
	u, err := l.Usage(context.Background(), p, testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Day)
	assert.Equal(t, 40, u.Month)

	mock.ExpectExec("UPDATE providers SET").WithArgs("2024-03-15", "2024-03").
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := l.ResetStaleCounters(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// =============================================================================
// PROVIDERS
// =============================================================================

func TestListProvidersKeepsRequestedOrder(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cols := []string{
		"id", "tenant_id", "provider_type", "name", "sender_email", "sender_name",
		"api_key", "api_secret", "domain", "region", "webhook_key", "base_url",
		"priority", "is_active", "is_verified", "daily_limit", "monthly_limit",
		"sent_today", "sent_this_month", "counters_day", "counters_month",
		"last_error", "last_sent_at", "created_at", "updated_at",
	}
	row := func(id string, prio int) []driver.Value {
		return []driver.Value{id, "t1", "sendgrid", id, "a@acme.test", "Acme",
			"key", "", "", "", "", "", prio, true, true, 0, 0, 0, 0, "", "", "", nil, testNow, testNow}
	}
	mock.ExpectQuery("SELECT id, tenant_id, provider_type").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(row("p1", 1)...).AddRow(row("p2", 2)...))

	ps, err := New(db).ListProviders(context.Background(), tenant, []string{"p2", "gone", "p1"})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "p2", ps[0].ID)
	assert.Equal(t, "p1", ps[1].ID)
	assert.Equal(t, "key", ps[0].Credentials.APIKey)
}

func TestRecordProviderFailureUnknown(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE providers SET last_error").WillReturnResult(sqlmock.NewResult(0, 0))
	err := New(db).RecordProviderFailure(context.Background(), tenant, "nope", "boom")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// DRIPS
// =============================================================================

func TestGetDripDecodesConditions(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	steps := `[
		{"step_number":1,"name":"welcome","delay":{"value":0,"unit":"days"},"content":{"subject":"Hi","html":"<p>hi</p>"},
		 "branches":[{"goto_step":3,"when":{"field":"opened_last_campaign","operator":"equals","value":true}}]},
		{"step_number":2,"name":"nudge","delay":{"value":2,"unit":"days"},"content":{"subject":"Still there?","html":"x"}},
		{"step_number":3,"name":"offer","delay":{"value":1,"unit":"weeks"},"content":{"subject":"Offer","html":"y"}}
	]`
	exits := `[{"reason":"converted","when":{"field":"status","operator":"equals","value":"customer"}}]`
	mock.ExpectQuery("FROM drips").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "name", "status", "steps", "provider_ids", "strategy", "from_name", "from_email",
			"send_hour", "timezone", "skip_weekends", "allow_re_enrollment", "max_enrollments_per_contact",
			"exit_on_unsubscribe", "exit_rules", "created_at", "updated_at",
		}).AddRow("d1", "t1", "Onboarding", "active", []byte(steps), "{p1}", "failover", "Acme", "hi@acme.test",
			9, "America/New_York", true, false, 0, true, []byte(exits), testNow, testNow))

	d, err := New(db).GetDrip(context.Background(), tenant, "d1")
	require.NoError(t, err)
	require.Len(t, d.Steps, 3)
	require.NoError(t, d.Validate())
	require.Len(t, d.Steps[0].Branches, 1)
	assert.Equal(t, 3, d.Steps[0].Branches[0].GotoStep)
	require.NotNil(t, d.SendHour)
	assert.Equal(t, 9, *d.SendHour)
	require.Len(t, d.ExitRules, 1)
	assert.Equal(t, "converted", d.ExitRules[0].Reason)
	assert.Equal(t, 7*24*time.Hour, d.Steps[2].Delay.Duration())
}

func TestEncodeStepsRoundTripsBranches(t *testing.T) {
	when := domain.Rule{Field: "status", Operator: domain.OpEquals, Value: "customer"}
	raw, err := encodeSteps([]domain.DripStep{
		{Number: 1, Branches: []domain.Branch{{When: when, GotoStep: 2}}},
		{Number: 2},
	})
	require.NoError(t, err)

	steps, err := decodeSteps(raw)
	require.NoError(t, err)
	require.Len(t, steps[0].Branches, 1)
	assert.NotNil(t, steps[0].Branches[0].When)
}

func TestClaimEnrollment(t *testing.T) {
	until := testNow.Add(5 * time.Minute)

	t.Run("claimed", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectQuery("UPDATE drip_enrollments SET claimed_until").
			WithArgs(tenant, "e1", int64(3), until).
			WillReturnRows(enrollmentRow(4, until))
		e := &domain.Enrollment{ID: "e1", TenantID: tenant, Version: 3}
		require.NoError(t, New(db).ClaimEnrollment(context.Background(), e, until))
		assert.Equal(t, int64(4), e.Version)
		require.NotNil(t, e.ClaimedUntil)
		assert.Equal(t, "r1", e.RecipientID)
	})

	t.Run("lost race", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectQuery("UPDATE drip_enrollments SET claimed_until").WillReturnRows(sqlmock.NewRows(enrollmentCols))
		mock.ExpectQuery("FROM drip_enrollments WHERE tenant_id").WillReturnRows(enrollmentRow(4, until))
		e := &domain.Enrollment{ID: "e1", TenantID: tenant, Version: 3}
		err := New(db).ClaimEnrollment(context.Background(), e, until)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Equal(t, int64(3), e.Version)
	})
}

func TestCreateEnrollmentLiveDuplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO drip_enrollments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "drip_enrollments_live_idx"})
	e := &domain.Enrollment{ID: "e2", TenantID: tenant, DripID: "d1", RecipientID: "r1", State: domain.EnrollmentActive, EnrolledAt: testNow}
	err := New(db).CreateEnrollment(context.Background(), e)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEnrollmentBumpsVersion(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE drip_enrollments SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	e := &domain.Enrollment{ID: "e1", TenantID: tenant, Version: 4, State: domain.EnrollmentCompleted, CompletedAt: &testNow}
	require.NoError(t, New(db).SaveEnrollment(context.Background(), e))
	assert.Equal(t, int64(5), e.Version)
}

func TestSaveEnrollmentMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE drip_enrollments SET state").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM drip_enrollments WHERE tenant_id").WillReturnRows(sqlmock.NewRows(enrollmentCols))
	err := New(db).SaveEnrollment(context.Background(), &domain.Enrollment{ID: "gone", TenantID: tenant, Version: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListDue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM drip_enrollments e JOIN drips d").
		WithArgs(testNow, 50).
		WillReturnRows(enrollmentRow(2, nil))
	out, err := New(db).ListDue(context.Background(), testNow, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].ClaimedUntil)
}

// =============================================================================
// A/B TESTS
// =============================================================================

func TestGetTestLoadsVariants(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM ab_tests").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "campaign_id", "test_element", "win_metric", "winner", "is_significant",
			"auto_select_winner", "hours_to_test", "status", "started_at", "completed_at", "created_at",
		}).AddRow("ab1", "t1", "c1", "subject", "open_rate", "", false, true, 24, "running", testNow, nil, testNow))
	mock.ExpectQuery("FROM ab_variants").
		WillReturnRows(sqlmock.NewRows([]string{"variant", "value", "sent", "opens", "clicks", "conversions"}).
			AddRow("A", "Hello", 100, 30, 5, 1).
			AddRow("B", "Hey", 100, 20, 4, 0))

	ab, err := New(db).GetTest(context.Background(), tenant, "ab1")
	require.NoError(t, err)
	require.Len(t, ab.Variants, 2)
	assert.InDelta(t, 0.3, ab.Variants[0].Rate(domain.WinOpenRate), 1e-9)
}

func TestStartTest(t *testing.T) {
	t.Run("running is a no-op", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE ab_tests SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM ab_tests").WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
		assert.NoError(t, New(db).StartTest(context.Background(), tenant, "ab1", testNow))
	})

	t.Run("completed conflicts", func(t *testing.T) {
		db, mock, cleanup := setupTestDB(t)
		defer cleanup()

		mock.ExpectExec("UPDATE ab_tests SET status = 'running'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM ab_tests").WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
		err := New(db).StartTest(context.Background(), tenant, "ab1", testNow)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestDeclareWinnerNotRunning(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE ab_tests SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM ab_tests").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	err := New(db).DeclareWinner(context.Background(), tenant, "ab1", "A", true, testNow)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestIncrementVariant(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	s := New(db)

	assert.Error(t, s.IncrementVariant(context.Background(), tenant, "ab1", "A", "value", 1))

	mock.ExpectExec("UPDATE ab_variants SET opens = opens").
		WithArgs(tenant, "ab1", "B", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, s.IncrementVariant(context.Background(), tenant, "ab1", "B", domain.MetricOpens, 1))
}
