// Package scheduler runs the background workers. Each worker is a tick
// function plus an interval function; the interval is re-read after every
// tick so settings changes take effect without a restart.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// MinInterval floors every worker's cadence. A misconfigured interval of
// zero or a few milliseconds would otherwise hammer the remote APIs.
const MinInterval = 10 * time.Second

// Worker is one named periodic task.
type Worker struct {
	Name string

	// Tick performs one run. It must be safe to call again after a panic.
	Tick func(ctx context.Context)

	// Interval returns the current delay until the next run. Consulted
	// after every tick.
	Interval func(ctx context.Context) time.Duration
}

// workerState pairs a worker with its re-entrancy flag: a worker never
// runs two ticks at once, whether scheduled or triggered via TickNow.
type workerState struct {
	Worker
	inFlight atomic.Bool
}

// Scheduler owns the worker goroutines.
type Scheduler struct {
	workers []*workerState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(workers ...Worker) *Scheduler {
	s := &Scheduler{}
	for _, w := range workers {
		s.workers = append(s.workers, &workerState{Worker: w})
	}
	return s
}

// Start launches one goroutine per worker. Calling Start again while
// running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, w)
		}()
	}
	slog.Info("scheduler started", "workers", len(s.workers))
}

// Stop cancels all workers and waits for in-flight ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// TickNow runs the named worker once, immediately, outside its schedule.
// Only valid while the scheduler is running; returns false if the worker
// is unknown or already mid-tick.
func (s *Scheduler) TickNow(ctx context.Context, name string) bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return false
	}
	for _, w := range s.workers {
		if w.Name == name {
			return s.safeTick(ctx, w)
		}
	}
	return false
}

func (s *Scheduler) run(ctx context.Context, w *workerState) {
	slog.Debug("worker started", "worker", w.Name)
	for {
		s.safeTick(ctx, w)
		if ctx.Err() != nil {
			slog.Debug("worker stopping", "worker", w.Name)
			return
		}

		interval := w.Interval(ctx)
		if interval < MinInterval {
			interval = MinInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Debug("worker stopping", "worker", w.Name)
			return
		case <-timer.C:
		}
	}
}

// safeTick runs one tick with panic recovery so a bug in one worker
// cannot take the daemon down. Reports false when a tick was already in
// flight for this worker.
func (s *Scheduler) safeTick(ctx context.Context, w *workerState) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer w.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker", w.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	w.Tick(ctx)
	return true
}

// FixedInterval adapts a constant duration to the Worker.Interval shape.
func FixedInterval(d time.Duration) func(context.Context) time.Duration {
	return func(context.Context) time.Duration { return d }
}
