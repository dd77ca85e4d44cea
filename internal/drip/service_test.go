package drip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
)

// =============================================================================
// Enrollment
// =============================================================================

func TestEnrollSchedulesFirstStep(t *testing.T) {
	f := newFixture(t)
	d := threeStepDrip()
	d.Steps[0].Delay = domain.Delay{Value: 30, Unit: domain.DelayMinutes}
	f.store.PutDrip(d)
	f.store.PutRecipient(ana())

	e, err := f.svc.Enroll(context.Background(), tenant, "d1", "r1", testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, e.State)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Equal(t, "ana@example.com", e.Email)
	assert.Equal(t, testNow.Add(30*time.Minute), e.NextSendAt)
	assert.EqualValues(t, 1, e.Version)
}

func TestEnrollRejections(t *testing.T) {
	tests := []struct {
		name    string
		drip    func(*domain.DripDefinition)
		prior   []domain.EnrollmentState
		recip   string
		wantErr error
	}{
		{name: "draft drip", drip: func(d *domain.DripDefinition) { d.Status = domain.DripDraft }, recip: "r1", wantErr: ErrDripInactive},
		{name: "archived drip", drip: func(d *domain.DripDefinition) { d.Status = domain.DripArchived }, recip: "r1", wantErr: ErrDripInactive},
		{name: "no step one", drip: func(d *domain.DripDefinition) { d.Steps = d.Steps[1:] }, recip: "r1", wantErr: ErrMissingStep},
		{name: "unknown recipient", drip: func(*domain.DripDefinition) {}, recip: "nobody", wantErr: ErrNotFound},
		{name: "live enrollment", drip: func(d *domain.DripDefinition) { d.AllowReEnrollment = true }, prior: []domain.EnrollmentState{domain.EnrollmentPaused}, recip: "r1", wantErr: ErrAlreadyEnrolled},
		{name: "re-enrollment disabled", drip: func(*domain.DripDefinition) {}, prior: []domain.EnrollmentState{domain.EnrollmentCompleted}, recip: "r1", wantErr: ErrAlreadyEnrolled},
		{
			name: "limit reached",
			drip: func(d *domain.DripDefinition) {
				d.AllowReEnrollment = true
				d.MaxEnrollmentsPerContact = 2
			},
			prior:   []domain.EnrollmentState{domain.EnrollmentCompleted, domain.EnrollmentExited},
			recip:   "r1",
			wantErr: ErrEnrollmentLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := threeStepDrip()
			tt.drip(&d)
			f.store.PutDrip(d)
			f.store.PutRecipient(ana())
			for i, st := range tt.prior {
				f.store.PutEnrollment(domain.Enrollment{
					ID: fmt.Sprintf("old-%d", i), TenantID: tenant, DripID: "d1", RecipientID: "r1",
					State: st, EnrolledAt: testNow.Add(-time.Duration(i+1) * 24 * time.Hour), Version: 1,
				})
			}

			_, err := f.svc.Enroll(context.Background(), tenant, "d1", tt.recip, testNow)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEnrollAllowsReEnrollmentUnderLimit(t *testing.T) {
	f := newFixture(t)
	d := threeStepDrip()
	d.AllowReEnrollment = true
	d.MaxEnrollmentsPerContact = 2
	f.store.PutDrip(d)
	f.store.PutRecipient(ana())
	f.store.PutEnrollment(domain.Enrollment{ID: "old", TenantID: tenant, DripID: "d1", RecipientID: "r1", State: domain.EnrollmentCompleted, Version: 1})

	e, err := f.svc.Enroll(context.Background(), tenant, "d1", "r1", testNow)
	require.NoError(t, err)
	assert.NotEqual(t, "old", e.ID)
}

func TestConcurrentEnrollCreatesOneLiveEnrollment(t *testing.T) {
	f := newFixture(t)
	f.store.PutDrip(threeStepDrip())
	f.store.PutRecipient(ana())

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Enroll(context.Background(), tenant, "d1", "r1", testNow)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	}
	assert.Equal(t, 1, won)

	counts, err := f.store.CountEnrollmentsByState(context.Background(), tenant, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.EnrollmentActive])
}

// racingStore hides existing enrollments from the pre-check, as a concurrent
// enroll that has not committed yet would.
type racingStore struct {
	Store
}

func (racingStore) EnrollmentsFor(context.Context, domain.TenantID, string, string) ([]domain.Enrollment, error) {
	return nil, nil
}

func TestEnrollMapsLiveConflictToAlreadyEnrolled(t *testing.T) {
	f := newFixture(t)
	f.store.PutDrip(threeStepDrip())
	f.store.PutRecipient(ana())
	f.store.PutEnrollment(domain.Enrollment{ID: "live", TenantID: tenant, DripID: "d1", RecipientID: "r1", State: domain.EnrollmentPaused, Version: 1})

	svc := NewService(racingStore{Store: f.store}, f.store)
	_, err := svc.Enroll(context.Background(), tenant, "d1", "r1", testNow)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

// =============================================================================
// Manual transitions
// =============================================================================

func TestPauseResumeExit(t *testing.T) {
	f := newFixture(t)
	f.seed(threeStepDrip(), ana(), 2)
	ctx := context.Background()

	e, err := f.svc.PauseEnrollment(ctx, tenant, "e1", testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentPaused, e.State)

	_, err = f.svc.PauseEnrollment(ctx, tenant, "e1", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resumeAt := testNow.Add(time.Hour)
	e, err = f.svc.ResumeEnrollment(ctx, tenant, "e1", resumeAt)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentActive, e.State)
	assert.Nil(t, e.PausedAt)
	assert.Equal(t, resumeAt, e.NextSendAt, "overdue step is due on resume")

	e, err = f.svc.ExitEnrollment(ctx, tenant, "e1", "manual", testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrollmentExited, e.State)
	assert.Equal(t, "manual", e.ExitReason)

	_, err = f.svc.ResumeEnrollment(ctx, tenant, "e1", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.ExitEnrollment(ctx, tenant, "e1", "again", testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResumeKeepsFutureSendTime(t *testing.T) {
	f := newFixture(t)
	e := f.seed(threeStepDrip(), ana(), 2)
	e.State = domain.EnrollmentPaused
	e.NextSendAt = testNow.Add(24 * time.Hour)
	f.store.PutEnrollment(e)

	got, err := f.svc.ResumeEnrollment(context.Background(), tenant, "e1", testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour), got.NextSendAt)
}

func TestDripStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := threeStepDrip()
	d.Status = domain.DripDraft
	f.store.PutDrip(d)

	assert.ErrorIs(t, f.svc.PauseDrip(ctx, tenant, "d1"), ErrInvalidTransition)
	require.NoError(t, f.svc.ActivateDrip(ctx, tenant, "d1"))
	require.NoError(t, f.svc.ActivateDrip(ctx, tenant, "d1"))
	require.NoError(t, f.svc.PauseDrip(ctx, tenant, "d1"))

	got, err := f.store.GetDrip(ctx, tenant, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DripPaused, got.Status)

	bad := threeStepDrip()
	bad.ID = "d2"
	bad.Status = domain.DripDraft
	bad.Steps[0].Branches = []domain.Branch{{GotoStep: 1, When: domain.Rule{Field: "status", Operator: domain.OpIsNull}}}
	f.store.PutDrip(bad)
	assert.Error(t, f.svc.ActivateDrip(ctx, tenant, "d2"))

	empty := domain.DripDefinition{ID: "d3", TenantID: tenant, Status: domain.DripDraft}
	f.store.PutDrip(empty)
	assert.ErrorIs(t, f.svc.ActivateDrip(ctx, tenant, "d3"), ErrMissingStep)
}

func TestAnalytics(t *testing.T) {
	f := newFixture(t)
	f.store.PutDrip(threeStepDrip())
	states := []domain.EnrollmentState{
		domain.EnrollmentActive, domain.EnrollmentCompleted, domain.EnrollmentCompleted, domain.EnrollmentExited,
	}
	for i, st := range states {
		f.store.PutEnrollment(domain.Enrollment{ID: fmt.Sprintf("e%d", i), TenantID: tenant, DripID: "d1", RecipientID: fmt.Sprintf("r%d", i), State: st})
	}

	a, err := f.svc.Analytics(context.Background(), tenant, "d1")
	require.NoError(t, err)
	assert.Equal(t, 4, a.Total)
	assert.Equal(t, 2, a.ByState[domain.EnrollmentCompleted])
	assert.InDelta(t, 0.5, a.CompletionRate, 1e-9)
	assert.InDelta(t, 0.25, a.ExitRate, 1e-9)

	_, err = f.svc.Analytics(context.Background(), tenant, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Scheduler
// =============================================================================

func newScheduler(f *fixture, lock distlock.DistLock) *Scheduler {
	s := NewScheduler(f.store, f.proc, lock, SchedulerConfig{TickInterval: 10 * time.Millisecond, Workers: 2, BatchSize: 10})
	s.now = func() time.Time { return testNow }
	return s
}

func TestTickQueuesDueOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(threeStepDrip(), ana(), 1)
	f.store.PutEnrollment(domain.Enrollment{
		ID: "future", TenantID: tenant, DripID: "d1", RecipientID: "r1",
		State: domain.EnrollmentActive, CurrentStep: 1, NextSendAt: testNow.Add(time.Hour), Version: 1,
	})
	s := newScheduler(f, nil)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "already queued enrollments are not queued again")
}

func TestTickSkippedWhileLockHeld(t *testing.T) {
	f := newFixture(t)
	f.seed(threeStepDrip(), ana(), 1)
	lock := &distlock.LocalLock{}
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := newScheduler(f, lock).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(threeStepDrip(), ana(), 3)
	s := newScheduler(f, nil)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, s.Stats().Completed)

	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNextSendAtMovesForwardAcrossTicks(t *testing.T) {
	f := newFixture(t)
	f.seed(threeStepDrip(), ana(), 1)
	s := newScheduler(f, nil)
	clock := testNow
	s.now = func() time.Time { return clock }

	boom := errors.New("all providers failed")
	ticks := []struct {
		err      error
		lateness time.Duration
		step     int
	}{
		{err: boom, step: 1},
		{err: boom, lateness: 30 * time.Second, step: 1},
		{step: 2},
		{err: boom, lateness: time.Hour, step: 2},
		{step: 3},
	}

	prev := f.enrollment(t).NextSendAt
	for i, tick := range ticks {
		clock = prev.Add(tick.lateness)
		f.sender.err = tick.err
		n, err := s.RunOnce(context.Background())
		require.NoError(t, err, i)
		require.Equal(t, 1, n, i)

		got := f.enrollment(t)
		assert.Equal(t, tick.step, got.CurrentStep, i)
		assert.True(t, got.NextSendAt.After(prev), "tick %d: %s not after %s", i, got.NextSendAt, prev)
		assert.True(t, got.NextSendAt.After(clock), "tick %d: next send is in the past", i)
		prev = got.NextSendAt
	}
	assert.EqualValues(t, 3, s.Stats().Retried)
	assert.EqualValues(t, 2, s.Stats().Advanced)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	f.seed(threeStepDrip(), ana(), 1)
	s := newScheduler(f, nil)

	s.Start()
	s.Start()
	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool { return f.sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())

	st := s.Stats()
	assert.EqualValues(t, 1, st.Advanced)
	assert.False(t, st.LastTickAt.IsZero())
	assert.Equal(t, 1, f.sender.count(), "advanced enrollment is not due again")
}
