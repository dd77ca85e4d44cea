package campaign_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/abtest"
	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/render"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

const testTenant = domain.TenantID("t1")

var testNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

// fakeSender stands in for the orchestrator: it records each dispatch and
// writes a sent record the way the real one does.
type fakeSender struct {
	store *memory.Store

	mu    sync.Mutex
	sent  []delivery.Dispatch
	fail  map[string]bool
	after func(n int)
}

func (f *fakeSender) Send(ctx context.Context, tenant domain.TenantID, d delivery.Dispatch) (*delivery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[d.Message.To] {
		return nil, &delivery.DeliveryError{Kind: delivery.AllProvidersFailed}
	}
	f.sent = append(f.sent, d)
	rec := &domain.DeliveryRecord{
		ID: d.CampaignID + "/" + d.RecipientID, TenantID: tenant, CampaignID: d.CampaignID,
		ABTestID: d.ABTestID, Variant: d.Variant, RecipientID: d.RecipientID,
		Email: d.Message.To, Status: domain.StatusSent, QueuedAt: testNow,
	}
	if err := f.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	if f.after != nil {
		f.after(len(f.sent))
	}
	return &delivery.Result{Record: rec, MessageID: "m-" + d.RecipientID}, nil
}

func (f *fakeSender) subjects() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.sent))
	for _, d := range f.sent {
		out[d.RecipientID] = d.Message.Subject
	}
	return out
}

type failingRenderer struct {
	campaign.Renderer
	recipientID string
}

func (r failingRenderer) Render(ctx context.Context, ref domain.ContentRef, attrs map[string]any) (*domain.RenderedContent, error) {
	if attrs["id"] == r.recipientID {
		return nil, errors.New("template exploded")
	}
	return r.Renderer.Render(ctx, ref, attrs)
}

type fixture struct {
	store  *memory.Store
	sender *fakeSender
	ab     *abtest.Service
	svc    *campaign.Service
}

func newFixture(t *testing.T, renderer campaign.Renderer) *fixture {
	t.Helper()
	store := memory.New()
	if renderer == nil {
		renderer = render.New()
	}
	f := &fixture{store: store, sender: &fakeSender{store: store}, ab: abtest.NewService(store)}
	f.svc = campaign.NewService(store, segmentation.NewEngine(store, nil, 2), f.sender, renderer,
		campaign.WithExperiments(f.ab), campaign.WithConcurrency(2))

	for _, r := range []domain.Recipient{
		{ID: "r1", FirstName: "Ana", Email: "ana@example.com", Status: "new"},
		{ID: "r2", FirstName: "Ben", Email: "ben@example.com", Status: "new"},
		{ID: "r3", FirstName: "Cy", Email: "cy@example.com", Status: "new"},
		{ID: "r4", FirstName: "Di", Email: "di@example.com", Status: "new", Unsubscribed: true},
		{ID: "r5", FirstName: "Ed", Email: "ed@example.com", Status: "customer"},
	} {
		r.TenantID = testTenant
		store.PutRecipient(r)
	}
	store.PutSegment(domain.Segment{
		ID: "new-leads", TenantID: testTenant, Kind: domain.SegmentDynamic,
		Filter: domain.Rule{Field: "status", Operator: domain.OpEquals, Value: "new"},
	})
	return f
}

func (f *fixture) create(t *testing.T, abTestID string) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), testTenant, campaign.CreateInput{
		Name:      "Spring launch",
		SegmentID: "new-leads",
		Content:   domain.ContentRef{Subject: "Hi {{ first_name }}", HTML: "<p>Hello {{ first_name }}</p>"},
		FromEmail: "news@example.com",
		ABTestID:  abTestID,
	}, testNow)
	require.NoError(t, err)
	return c
}

func (f *fixture) get(t *testing.T, id string) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Get(context.Background(), testTenant, id)
	require.NoError(t, err)
	return c
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCreate(t *testing.T) {
	f := newFixture(t, nil)
	c := f.create(t, "")
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Equal(t, domain.StrategyPriority, c.Strategy)
	assert.NotEmpty(t, c.ID)

	list, total, err := f.svc.List(context.Background(), testTenant, campaign.ListFilter{Status: domain.CampaignDraft, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		input campaign.CreateInput
	}{
		{"missing name", campaign.CreateInput{SegmentID: "s", Content: domain.ContentRef{Subject: "x"}, FromEmail: "a@b.c"}},
		{"missing segment", campaign.CreateInput{Name: "n", Content: domain.ContentRef{Subject: "x"}, FromEmail: "a@b.c"}},
		{"missing content", campaign.CreateInput{Name: "n", SegmentID: "s", FromEmail: "a@b.c"}},
		{"missing sender", campaign.CreateInput{Name: "n", SegmentID: "s", Content: domain.ContentRef{TemplateID: "tpl"}}},
	}
	svc := newFixture(t, nil).svc
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), testTenant, tt.input, testNow)
			assert.Error(t, err)
		})
	}
}

func TestGetNotFound(t *testing.T) {
	_, err := newFixture(t, nil).svc.Get(context.Background(), testTenant, "nonexistent")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.create(t, "")

	err := f.svc.Schedule(ctx, testTenant, c.ID, testNow.Add(-time.Minute), testNow)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition, "past schedule")

	at := testNow.Add(time.Hour)
	require.NoError(t, f.svc.Schedule(ctx, testTenant, c.ID, at, testNow))
	got := f.get(t, c.ID)
	assert.Equal(t, domain.CampaignScheduled, got.Status)
	assert.Equal(t, at, *got.ScheduledAt)

	require.NoError(t, f.svc.Unschedule(ctx, testTenant, c.ID, testNow))
	got = f.get(t, c.ID)
	assert.Equal(t, domain.CampaignDraft, got.Status)
	assert.Nil(t, got.ScheduledAt)

	assert.ErrorIs(t, f.svc.Pause(ctx, testTenant, c.ID, testNow), campaign.ErrInvalidTransition)
	_, err = f.svc.Resume(ctx, testTenant, c.ID, testNow)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	require.NoError(t, f.svc.Cancel(ctx, testTenant, c.ID, testNow))
	assert.Equal(t, domain.CampaignCancelled, f.get(t, c.ID).Status)

	_, err = f.svc.Send(ctx, testTenant, c.ID, testNow)
	assert.ErrorIs(t, err, campaign.ErrAlreadySending)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

// =============================================================================
// Send
// =============================================================================

func TestSendCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.fail = map[string]bool{"cy@example.com": true}
	c := f.create(t, "")

	sum, err := f.svc.Send(context.Background(), testTenant, c.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, campaign.SendSummary{Total: 3, Sent: 2, Failed: 1}, *sum)

	got := f.get(t, c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.TotalRecipients)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, map[string]string{"r1": "Hi Ana", "r2": "Hi Ben"}, f.sender.subjects())

	var failed []domain.DeliveryRecord
	for _, r := range f.store.Records(testTenant) {
		if r.Status == domain.StatusFailed {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "r3", failed[0].RecipientID)
	assert.Equal(t, c.ID, failed[0].CampaignID)
	assert.Contains(t, failed[0].Error, "all providers failed")
}

func TestSendRecordsRenderFailures(t *testing.T) {
	f := newFixture(t, failingRenderer{Renderer: render.New(), recipientID: "r2"})
	c := f.create(t, "")

	sum, err := f.svc.Send(context.Background(), testTenant, c.ID, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 1, sum.Failed)

	for _, r := range f.store.Records(testTenant) {
		if r.RecipientID == "r2" {
			assert.Equal(t, domain.StatusFailed, r.Status)
			assert.Contains(t, r.Error, "template exploded")
		}
	}
}

func TestSendStopsBetweenBatchesAndResumes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.create(t, "")

	var once sync.Once
	f.sender.after = func(int) {
		once.Do(func() {
			assert.NoError(t, f.svc.Pause(ctx, testTenant, c.ID, testNow))
		})
	}

	sum, err := f.svc.Send(ctx, testTenant, c.ID, testNow)
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Equal(t, 2, sum.Sent, "the running batch finishes")
	assert.Equal(t, domain.CampaignPaused, f.get(t, c.ID).Status)

	sum, err = f.svc.Resume(ctx, testTenant, c.ID, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, sum.Stopped)
	assert.Equal(t, 1, sum.Sent, "recipients already sent are skipped")

	got := f.get(t, c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.SentCount)
	assert.Len(t, f.sender.subjects(), 3)
}

func TestSendCancelledMidRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.create(t, "")

	var once sync.Once
	f.sender.after = func(int) {
		once.Do(func() {
			assert.NoError(t, f.svc.Cancel(ctx, testTenant, c.ID, testNow))
		})
	}

	sum, err := f.svc.Send(ctx, testTenant, c.ID, testNow)
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Equal(t, domain.CampaignCancelled, f.get(t, c.ID).Status)
}

func TestSendMissingSegmentPauses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c2, err := f.svc.Create(ctx, testTenant, campaign.CreateInput{
		Name: "Orphan", SegmentID: "gone", Content: domain.ContentRef{Subject: "x"}, FromEmail: "a@example.com",
	}, testNow)
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, testTenant, c2.ID, testNow)
	assert.ErrorIs(t, err, campaign.ErrMissingSegment)
	assert.Equal(t, domain.CampaignPaused, f.get(t, c2.ID).Status)
}

// =============================================================================
// A/B
// =============================================================================

func subjectTest(status domain.ABTestStatus, winner string) domain.ABTest {
	return domain.ABTest{
		ID: "ab1", TenantID: testTenant, TestElement: "subject", Status: status, Winner: winner,
		WinMetric: domain.WinOpenRate,
		Variants: []domain.Variant{
			{Name: "A", Value: "Subject A"},
			{Name: "B", Value: "Subject B"},
		},
	}
}

func TestSendAssignsVariants(t *testing.T) {
	f := newFixture(t, nil)
	f.store.PutTest(subjectTest(domain.ABTestDraft, ""))
	c := f.create(t, "ab1")

	_, err := f.svc.Send(context.Background(), testTenant, c.ID, testNow)
	require.NoError(t, err)

	test, err := f.ab.Get(context.Background(), testTenant, "ab1")
	require.NoError(t, err)
	assert.Equal(t, domain.ABTestRunning, test.Status, "sending starts the test")

	var total int64
	for _, v := range test.Variants {
		total += v.Sent
	}
	assert.EqualValues(t, 3, total)

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	for _, d := range f.sender.sent {
		want := abtest.Assign("ab1", d.RecipientID, test.Variants)
		assert.Equal(t, want, d.Variant)
		assert.Equal(t, "ab1", d.ABTestID)
		assert.Equal(t, "Subject "+want, d.Message.Subject)
	}
}

func TestSendUsesDeclaredWinner(t *testing.T) {
	f := newFixture(t, nil)
	f.store.PutTest(subjectTest(domain.ABTestCompleted, "B"))
	c := f.create(t, "ab1")

	_, err := f.svc.Send(context.Background(), testTenant, c.ID, testNow)
	require.NoError(t, err)

	subjects := f.sender.subjects()
	require.Len(t, subjects, 3)
	for _, s := range subjects {
		assert.Equal(t, "Subject B", s)
	}
	for _, r := range f.store.Records(testTenant) {
		assert.Empty(t, r.Variant)
	}
}

// =============================================================================
// Scheduling
// =============================================================================

func TestRunScheduled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	due1, due2, later := f.create(t, ""), f.create(t, ""), f.create(t, "")
	require.NoError(t, f.svc.Schedule(ctx, testTenant, due1.ID, testNow.Add(time.Minute), testNow))
	require.NoError(t, f.svc.Schedule(ctx, testTenant, due2.ID, testNow.Add(2*time.Minute), testNow))
	require.NoError(t, f.svc.Schedule(ctx, testTenant, later.ID, testNow.Add(24*time.Hour), testNow))

	ran, err := f.svc.RunScheduled(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, ran)

	statuses := []string{
		string(f.get(t, due1.ID).Status),
		string(f.get(t, due2.ID).Status),
		string(f.get(t, later.ID).Status),
	}
	sort.Strings(statuses)
	assert.Equal(t, []string{"completed", "completed", "scheduled"}, statuses)
}

// =============================================================================
// Analytics
// =============================================================================

func seedSentCampaign(t *testing.T, f *fixture, id string, sent, delivered, opened, clicked, bounced int) {
	t.Helper()
	require.NoError(t, f.store.CreateCampaign(context.Background(), &domain.Campaign{
		ID: id, TenantID: testTenant, Name: "Campaign " + id, Status: domain.CampaignCompleted,
		TotalRecipients: sent, SentCount: sent, DeliveredCount: delivered,
		OpenedCount: opened, ClickedCount: clicked, BouncedCount: bounced,
	}))
}

func TestOverview(t *testing.T) {
	f := newFixture(t, nil)
	seedSentCampaign(t, f, "c1", 200, 190, 60, 15, 10)

	o, err := f.svc.Overview(context.Background(), testTenant, "c1")
	require.NoError(t, err)
	assert.Equal(t, 200, o.Sent)
	assert.Equal(t, domain.Rates{Delivery: 95, Open: 30, Click: 7.5, ClickToOpen: 25, Bounce: 5}, o.Rates)

	_, err = f.svc.Overview(context.Background(), testTenant, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestOverviewBeforeAnySend(t *testing.T) {
	f := newFixture(t, nil)
	c := f.create(t, "")

	o, err := f.svc.Overview(context.Background(), testTenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Rates{}, o.Rates)
}

func TestCompare(t *testing.T) {
	f := newFixture(t, nil)
	seedSentCampaign(t, f, "c1", 100, 100, 20, 10, 0)
	seedSentCampaign(t, f, "c2", 300, 290, 120, 9, 10)
	seedSentCampaign(t, f, "c3", 3, 3, 1, 0, 0)

	cmp, err := f.svc.Compare(context.Background(), testTenant, []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	require.Len(t, cmp.Campaigns, 3)
	assert.Equal(t, "c1", cmp.Campaigns[0].CampaignID)
	assert.Equal(t, "c2", cmp.BestOpen)
	assert.Equal(t, "c1", cmp.BestClick)
	// (20 + 40 + 33.33) / 3
	assert.Equal(t, 31.11, cmp.Average.Open)
	// (10 + 3 + 0) / 3
	assert.Equal(t, 4.33, cmp.Average.Click)

	_, err = f.svc.Compare(context.Background(), testTenant, []string{"c1", "missing"})
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	_, err = f.svc.Compare(context.Background(), testTenant, nil)
	assert.ErrorIs(t, err, campaign.ErrNothingToCompare)
}
