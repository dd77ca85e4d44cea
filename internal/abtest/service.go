package abtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Service manages experiment lifecycle and counters.
type Service struct {
	store    Store
	counters Counters
}

// Option configures a Service.
type Option func(*Service)

// WithCounters routes Record through c instead of the Store.
func WithCounters(c Counters) Option {
	return func(s *Service) { s.counters = c }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the test with counters from the Store and Counters combined.
func (s *Service) Get(ctx context.Context, tenant domain.TenantID, id string) (*domain.ABTest, error) {
	t, err := s.store.GetTest(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("get ab test %s: %w", id, err)
	}
	if s.counters != nil {
		snap, err := s.counters.Snapshot(ctx, tenant, id)
		if err != nil {
			return nil, fmt.Errorf("ab test %s counters: %w", id, err)
		}
		overlay(t, snap)
	}
	return t, nil
}

// Start moves a draft test to running.
func (s *Service) Start(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error {
	err := s.store.StartTest(ctx, tenant, id, now)
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	if err != nil {
		return fmt.Errorf("start ab test %s: %w", id, err)
	}
	return nil
}

// Record adds n to a variant counter. Non-positive n is ignored.
func (s *Service) Record(ctx context.Context, tenant domain.TenantID, id, variant string, metric domain.VariantMetric, n int64) error {
	if !validName(variant) {
		return fmt.Errorf("%w: %q", ErrInvalidVariant, variant)
	}
	if n <= 0 {
		return nil
	}
	var err error
	if s.counters != nil {
		err = s.counters.Incr(ctx, tenant, id, variant, metric, n)
	} else {
		err = s.store.IncrementVariant(ctx, tenant, id, variant, metric, n)
	}
	if err != nil {
		return fmt.Errorf("record %s for ab test %s/%s: %w", metric, id, variant, err)
	}
	return nil
}

// Evaluate returns the current verdict without changing the test.
func (s *Service) Evaluate(ctx context.Context, tenant domain.TenantID, id string, now time.Time) (*Evaluation, error) {
	t, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	ev := Evaluate(t, now)
	return &ev, nil
}

// EvaluateAndDeclare evaluates a running test and, when it auto-selects and
// has a winner, completes it. declared reports whether this call did so.
func (s *Service) EvaluateAndDeclare(ctx context.Context, tenant domain.TenantID, id string, now time.Time) (ev *Evaluation, declared bool, err error) {
	t, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, false, err
	}
	switch t.Status {
	case domain.ABTestCompleted:
		return nil, false, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	case domain.ABTestRunning:
	default:
		return nil, false, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.Status)
	}

	e := Evaluate(t, now)
	if !t.AutoSelectWinner || e.Outcome != OutcomeWinner {
		return &e, false, nil
	}
	if err := s.declare(ctx, tenant, id, e.Leader, e.IsSignificant, now); err != nil {
		return &e, false, err
	}
	logger.Info("abtest: winner declared",
		"tenant", tenant, "test_id", id, "winner", e.Leader, "z", e.Z,
		"significant", e.IsSignificant, "timed_out", e.TimedOut)
	return &e, true, nil
}

// SelectWinner completes a running test with a manually chosen variant.
// The test is marked significant only if variant is the statistically
// significant leader.
func (s *Service) SelectWinner(ctx context.Context, tenant domain.TenantID, id, variant string, now time.Time) error {
	t, err := s.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if _, ok := t.Variant(variant); !ok {
		return fmt.Errorf("%w: %q not in test %s", ErrInvalidVariant, variant, id)
	}
	switch t.Status {
	case domain.ABTestCompleted:
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	case domain.ABTestDraft:
		return fmt.Errorf("%w: %s is draft", ErrNotRunning, id)
	}
	e := Evaluate(t, now)
	if err := s.declare(ctx, tenant, id, variant, e.IsSignificant && e.Leader == variant, now); err != nil {
		return err
	}
	logger.Info("abtest: winner selected", "tenant", tenant, "test_id", id, "winner", variant)
	return nil
}

func (s *Service) declare(ctx context.Context, tenant domain.TenantID, id, winner string, significant bool, now time.Time) error {
	err := s.store.DeclareWinner(ctx, tenant, id, winner, significant, now)
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	if err != nil {
		return fmt.Errorf("declare winner for %s: %w", id, err)
	}
	return nil
}
