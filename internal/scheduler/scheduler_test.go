package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/offsync/internal/bus"
	intsync "github.com/matheus3301/offsync/internal/sync"
)

type fakeSyncer struct {
	calls   atomic.Int32
	syncing atomic.Bool
}

func (f *fakeSyncer) Sync(context.Context) (intsync.RunResult, error) {
	f.calls.Add(1)
	return intsync.RunResult{Uploaded: 1}, nil
}

func (f *fakeSyncer) IsSyncing() bool { return f.syncing.Load() }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startScheduler(t *testing.T, syncer Syncer, pending func() int, b *bus.Bus) *Scheduler {
	t.Helper()
	s := New(syncer, pending, b, nil)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestNudgeGuards(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		syncing bool
		pending int
		wantRun bool
	}{
		{"all guards pass", true, false, 1, true},
		{"disabled", false, false, 1, false},
		{"run in progress", true, true, 1, false},
		{"empty queue", true, false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSyncer{}
			f.syncing.Store(tt.syncing)
			s := startScheduler(t, f, func() int { return tt.pending }, nil)
			if tt.enabled {
				s.Enable()
			}
			s.Nudge()

			if tt.wantRun {
				waitFor(t, "sync call", func() bool { return f.calls.Load() == 1 })
				return
			}
			time.Sleep(50 * time.Millisecond)
			if n := f.calls.Load(); n != 0 {
				t.Errorf("Sync called %d times, want 0", n)
			}
		})
	}
}

func TestIntervalTick(t *testing.T) {
	f := &fakeSyncer{}
	s := startScheduler(t, f, func() int { return 1 }, nil)
	if err := s.SetInterval(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	s.Enable()

	waitFor(t, "two interval runs", func() bool { return f.calls.Load() >= 2 })
	if s.Runs() < 2 {
		t.Errorf("Runs() = %d, want >= 2", s.Runs())
	}
}

func TestEnableDisableLeavesOneTimer(t *testing.T) {
	s := startScheduler(t, &fakeSyncer{}, func() int { return 0 }, nil)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.Enable()
			} else {
				s.Disable()
			}
		}()
	}
	wg.Wait()

	s.Enable()
	s.Enable()
	s.Nudge() // flush any pending reset through the loop
	waitFor(t, "exactly one armed timer", func() bool { return s.ActiveTimers() == 1 })

	s.Disable()
	s.Disable()
	waitFor(t, "no armed timers", func() bool { return s.ActiveTimers() == 0 })
}

func TestSetIntervalRestartsTimer(t *testing.T) {
	f := &fakeSyncer{}
	s := startScheduler(t, f, func() int { return 1 }, nil)
	s.Enable()
	waitFor(t, "timer armed", func() bool { return s.ActiveTimers() == 1 })

	// The default period would not fire during the test.
	if err := s.SetInterval(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run after interval change", func() bool { return f.calls.Load() >= 1 })
	if got := s.Interval(); got != 10*time.Millisecond {
		t.Errorf("Interval() = %s", got)
	}
}

func TestSetIntervalRejectsNonPositive(t *testing.T) {
	s := New(&fakeSyncer{}, func() int { return 0 }, nil, nil)
	for _, d := range []time.Duration{0, -time.Second} {
		if err := s.SetInterval(d); err == nil {
			t.Errorf("SetInterval(%s) succeeded", d)
		}
	}
	if s.Interval() != DefaultInterval {
		t.Errorf("Interval() = %s, want default", s.Interval())
	}
}

func TestRunsAfterEnqueueEvent(t *testing.T) {
	b := bus.New()
	f := &fakeSyncer{}
	s := startScheduler(t, f, func() int { return 1 }, b)
	s.Enable()
	waitFor(t, "subscription", func() bool { return b.Subscribers() == 2 })

	b.Publish(bus.Event{Kind: bus.KindItemEnqueued})
	waitFor(t, "opportunistic run", func() bool { return f.calls.Load() == 1 })
}

func TestStopIsIdempotentAndUnsubscribes(t *testing.T) {
	b := bus.New()
	s := New(&fakeSyncer{}, func() int { return 0 }, b, nil)
	s.Stop() // before Start
	s.Start(context.Background())
	s.Start(context.Background())
	s.Enable()
	s.Stop()
	s.Stop()

	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after Stop, want 0", n)
	}
	if n := s.ActiveTimers(); n != 0 {
		t.Errorf("ActiveTimers() = %d after Stop, want 0", n)
	}
}

func TestCompletedRunRearmsTimer(t *testing.T) {
	b := bus.New()
	s := startScheduler(t, &fakeSyncer{}, func() int { return 0 }, b)
	if s.NextRun() != (time.Time{}) {
		t.Errorf("NextRun() = %v while disabled, want zero", s.NextRun())
	}
	s.Enable()
	waitFor(t, "timer armed", func() bool { return s.ActiveTimers() == 1 })
	first := s.NextRun()

	time.Sleep(20 * time.Millisecond)
	before := time.Now()
	b.Publish(bus.Event{Kind: bus.KindRunCompleted})
	waitFor(t, "timer re-armed", func() bool { return s.NextRun().After(first) })

	if next := s.NextRun(); next.Before(before.Add(DefaultInterval)) {
		t.Errorf("NextRun() = %v, want at least one interval after the run", next)
	}
	if n := s.ActiveTimers(); n != 1 {
		t.Errorf("ActiveTimers() = %d after re-arm, want 1", n)
	}
}
