package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int32
	s := New(Worker{
		Name:     "counter",
		Tick:     func(context.Context) { ticks.Add(1) },
		Interval: FixedInterval(time.Hour),
	})
	defer s.Stop()

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // must not spawn a second goroutine

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give a duplicate goroutine, if any, a moment to tick too.
	time.Sleep(50 * time.Millisecond)
	if n := ticks.Load(); n != 1 {
		t.Fatalf("expected exactly 1 tick, got %d", n)
	}
}

func TestPanicInTickDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int32
	s := New(Worker{
		Name: "flaky",
		Tick: func(context.Context) {
			if ticks.Add(1) == 1 {
				panic("tick exploded")
			}
		},
		Interval: FixedInterval(time.Hour),
	})
	defer s.Stop()

	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ticks.Load() < 1 {
		t.Fatalf("worker never ticked")
	}

	// The panicking first tick must not prevent a manual second one.
	if !s.TickNow(ctx, "flaky") {
		t.Fatalf("TickNow failed on running scheduler")
	}
	if n := ticks.Load(); n < 2 {
		t.Fatalf("worker did not survive the panic, ticks = %d", n)
	}
}

func TestTickNowRequiresRunningScheduler(t *testing.T) {
	t.Parallel()
	s := New(Worker{
		Name:     "idle",
		Tick:     func(context.Context) {},
		Interval: FixedInterval(time.Hour),
	})
	if s.TickNow(context.Background(), "idle") {
		t.Fatalf("TickNow must refuse before Start")
	}

	s.Start(context.Background())
	defer s.Stop()
	if s.TickNow(context.Background(), "missing") {
		t.Fatalf("TickNow must refuse unknown worker names")
	}
}

func TestTickNowRefusesWhileTickInFlight(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var ticks atomic.Int32
	s := New(Worker{
		Name: "busy",
		Tick: func(context.Context) {
			ticks.Add(1)
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		},
		Interval: FixedInterval(time.Hour),
	})

	ctx := context.Background()
	s.Start(ctx)

	// The scheduled tick is now blocked inside the worker.
	<-entered
	if s.TickNow(ctx, "busy") {
		t.Fatalf("TickNow ran concurrently with an in-flight tick")
	}
	if n := ticks.Load(); n != 1 {
		t.Fatalf("expected 1 tick while blocked, got %d", n)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.TickNow(ctx, "busy") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := ticks.Load(); n < 2 {
		t.Fatalf("TickNow never succeeded after the tick finished, ticks = %d", n)
	}
	s.Stop()
}

func TestStopWaitsForWorkers(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var finished atomic.Bool
	s := New(Worker{
		Name: "slow",
		Tick: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
		},
		Interval: FixedInterval(time.Hour),
	})

	s.Start(context.Background())
	<-started
	s.Stop()
	if !finished.Load() {
		t.Fatalf("Stop returned before the in-flight tick finished")
	}
}

func TestIntervalFloorApplies(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int32
	s := New(Worker{
		Name:     "eager",
		Tick:     func(context.Context) { ticks.Add(1) },
		Interval: FixedInterval(0), // would busy-loop without the floor
	})
	defer s.Stop()

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	if n := ticks.Load(); n != 1 {
		t.Fatalf("interval floor not applied, ticks = %d", n)
	}
}
