package drip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const (
	DefaultTickInterval = 60 * time.Second
	DefaultWorkers      = 8
	DefaultBatchSize    = 100
	stopTimeout         = 30 * time.Second
)

// SchedulerConfig tunes the tick loop. Zero values take defaults.
type SchedulerConfig struct {
	TickInterval time.Duration
	Workers      int
	BatchSize    int
}

// SchedulerStats are cumulative counters since Start.
type SchedulerStats struct {
	Dispatched int64     `json:"dispatched"`
	Advanced   int64     `json:"advanced"`
	Completed  int64     `json:"completed"`
	Exited     int64     `json:"exited"`
	Retried    int64     `json:"retried"`
	Skipped    int64     `json:"skipped"`
	Errors     int64     `json:"errors"`
	LastTickAt time.Time `json:"last_tick_at"`
}

// Scheduler finds due enrollments on every tick and feeds them to a fixed
// pool of workers over a bounded channel. The tick runs under a distributed
// lock so only one engine instance lists due work at a time; the claim in
// Processor keeps any enrollment from being sent twice regardless.
type Scheduler struct {
	store Store
	proc  *Processor
	lock  distlock.DistLock
	cfg   SchedulerConfig
	now   func() time.Time

	queue  chan domain.Enrollment
	queued sync.Map // enrollment ID -> struct{}

	dispatched, advanced, completed, exited, retried, skipped, errs atomic.Int64
	lastTick                                                       atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil lock only excludes ticks within
// this process.
func NewScheduler(store Store, proc *Processor, lock distlock.DistLock, cfg SchedulerConfig) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if lock == nil {
		lock = &distlock.LocalLock{}
	}
	return &Scheduler{
		store: store,
		proc:  proc,
		lock:  lock,
		cfg:   cfg,
		now:   time.Now,
		queue: make(chan domain.Enrollment, cfg.BatchSize),
	}
}

// Start launches the tick loop and the workers. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	logger.Info("drip: scheduler starting", "workers", s.cfg.Workers, "tick", s.cfg.TickInterval.String())
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits up to 30s for in-flight sends.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("drip: scheduler stopped", "dispatched", s.dispatched.Load(), "errors", s.errs.Load())
	case <-time.After(stopTimeout):
		logger.Warn("drip: scheduler stop timed out, abandoning in-flight work")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickLogged(ctx)
		}
	}
}

func (s *Scheduler) tickLogged(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.Error("drip: tick failed", "error", err)
	}
}

// Tick lists due enrollments and queues them for the workers. It returns
// the number queued; zero when another instance holds the tick lock.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	n := 0
	_, err := distlock.Run(ctx, s.lock, func(ctx context.Context) error {
		now := s.now()
		s.lastTick.Store(now.UnixNano())
		due, err := s.store.ListDue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range due {
			if _, dup := s.queued.LoadOrStore(e.ID, struct{}{}); dup {
				continue
			}
			select {
			case s.queue <- e:
				n++
				s.dispatched.Add(1)
			case <-ctx.Done():
				s.queued.Delete(e.ID)
				return ctx.Err()
			}
		}
		return nil
	})
	if n > 0 {
		logger.Debug("drip: tick queued enrollments", "count", n)
	}
	return n, err
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.handle(ctx, e)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, e domain.Enrollment) {
	defer s.queued.Delete(e.ID)
	out, err := s.proc.Process(ctx, e, s.now())
	switch {
	case errors.Is(err, ErrConflict):
		s.skipped.Add(1)
		return
	case err != nil:
		s.errs.Add(1)
		logger.Error("drip: process enrollment", "tenant", e.TenantID, "enrollment_id", e.ID, "error", err)
		return
	}
	switch out {
	case OutcomeAdvanced:
		s.advanced.Add(1)
	case OutcomeCompleted:
		s.completed.Add(1)
	case OutcomeExited:
		s.exited.Add(1)
	case OutcomeRetry:
		s.retried.Add(1)
	case OutcomeSkipped:
		s.skipped.Add(1)
	}
}

// RunOnce processes every currently due enrollment inline, without the
// worker pool. It returns how many were processed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, e := range due {
		s.handle(ctx, e)
	}
	return len(due), nil
}

func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		Dispatched: s.dispatched.Load(),
		Advanced:   s.advanced.Load(),
		Completed:  s.completed.Load(),
		Exited:     s.exited.Load(),
		Retried:    s.retried.Load(),
		Skipped:    s.skipped.Load(),
		Errors:     s.errs.Load(),
	}
	if ns := s.lastTick.Load(); ns > 0 {
		st.LastTickAt = time.Unix(0, ns)
	}
	return st
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
