package abtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

const DefaultEvaluateInterval = 5 * time.Minute

// Worker periodically evaluates every running test and declares winners.
type Worker struct {
	svc      *Service
	store    Store
	interval time.Duration
	now      func() time.Time

	healthy   atomic.Bool
	lastRunAt atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(svc *Service, store Store, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultEvaluateInterval
	}
	w := &Worker{svc: svc, store: store, interval: interval, now: time.Now}
	w.healthy.Store(true)
	return w
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		logger.Info("abtest: evaluator starting", "interval", w.interval.String())
		w.RunOnce(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("abtest: evaluator stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) IsHealthy() bool { return w.healthy.Load() }

func (w *Worker) LastRunAt() time.Time {
	if ns := w.lastRunAt.Load(); ns > 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// RunOnce evaluates all running tests and returns how many winners it
// declared. A failure listing tests marks the worker unhealthy.
func (w *Worker) RunOnce(ctx context.Context) int {
	now := w.now()
	w.lastRunAt.Store(now.UnixNano())

	tests, err := w.store.ListRunningTests(ctx)
	if err != nil {
		w.healthy.Store(false)
		logger.Error("abtest: list running tests", "error", err)
		return 0
	}
	w.healthy.Store(true)

	declared := 0
	for _, t := range tests {
		if ctx.Err() != nil {
			break
		}
		_, ok, err := w.svc.EvaluateAndDeclare(ctx, t.TenantID, t.ID, now)
		switch {
		case errors.Is(err, ErrAlreadyCompleted):
		case err != nil:
			logger.Error("abtest: evaluate test", "tenant", t.TenantID, "test_id", t.ID, "error", err)
		case ok:
			declared++
		}
	}
	return declared
}
