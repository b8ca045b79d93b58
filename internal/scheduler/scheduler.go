// Package scheduler triggers sync runs on a repeating timer and right after
// local mutations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/offsync/internal/bus"
	intsync "github.com/matheus3301/offsync/internal/sync"
	"go.uber.org/zap"
)

// DefaultInterval is the auto-sync period.
const DefaultInterval = 5 * time.Minute

// Syncer runs sync passes.
type Syncer interface {
	Sync(ctx context.Context) (intsync.RunResult, error)
	IsSyncing() bool
}

// Scheduler owns a single timer goroutine. A tick runs Sync only when
// auto-sync is enabled, no run is active and the queue is non-empty. The
// timer is re-armed after every completed run, whoever started it, so the
// next tick is always one interval after the last sync.
type Scheduler struct {
	syncer  Syncer
	pending func() int
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	started  bool
	next     time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	reset  chan struct{}
	nudge  chan struct{}
	timers atomic.Int32
	runs   atomic.Int64
}

// New creates a disabled scheduler. pending reports the queue length.
func New(syncer Syncer, pending func() int, b *bus.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		syncer:   syncer,
		pending:  pending,
		bus:      b,
		logger:   logger,
		interval: DefaultInterval,
		reset:    make(chan struct{}, 1),
		nudge:    make(chan struct{}, 1),
	}
}

// Start launches the timer goroutine. It is a no-op if already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	var enqueued, completed <-chan bus.Event
	unsub := func() {}
	if s.bus != nil {
		var unsubEnqueued, unsubCompleted func()
		enqueued, unsubEnqueued = s.bus.Subscribe(string(bus.KindItemEnqueued), 64)
		completed, unsubCompleted = s.bus.Subscribe(string(bus.KindRunCompleted), 4)
		unsub = func() {
			unsubEnqueued()
			unsubCompleted()
		}
	}
	go s.loop(ctx, enqueued, completed, unsub)
}

// Stop cancels the timer goroutine and waits for it to exit, including any
// run it started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Enable turns auto-sync on. Enabling twice is a no-op.
func (s *Scheduler) Enable() { s.setEnabled(true) }

// Disable turns auto-sync off and stops the timer. Disabling twice is a no-op.
func (s *Scheduler) Disable() { s.setEnabled(false) }

func (s *Scheduler) setEnabled(on bool) {
	s.mu.Lock()
	changed := s.enabled != on
	s.enabled = on
	s.mu.Unlock()
	if changed {
		s.logger.Info("auto-sync toggled", zap.Bool("enabled", on))
		s.signal(s.reset)
	}
}

// SetInterval changes the period and restarts the timer.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("auto-sync interval must be positive, got %s", d)
	}
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if changed {
		s.logger.Info("auto-sync interval changed", zap.Duration("interval", d))
		s.signal(s.reset)
	}
	return nil
}

// Nudge asks for an immediate guarded run, as after a local mutation.
func (s *Scheduler) Nudge() { s.signal(s.nudge) }

// Enabled reports whether auto-sync is on.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Interval returns the current period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// NextRun returns when the armed timer fires, or the zero time when no timer
// is armed.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// ActiveTimers returns the number of armed timers: 0 or 1.
func (s *Scheduler) ActiveTimers() int { return int(s.timers.Load()) }

// Runs returns how many runs the scheduler has started.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

func (s *Scheduler) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, enqueued, completed <-chan bus.Event, unsub func()) {
	defer close(s.done)
	defer unsub()

	var timer *time.Timer
	var fire <-chan time.Time
	disarm := func() {
		if timer != nil && timer.Stop() {
			s.timers.Add(-1)
		}
		timer, fire = nil, nil
		s.mu.Lock()
		s.next = time.Time{}
		s.mu.Unlock()
	}
	arm := func() {
		disarm()
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.enabled {
			return
		}
		timer = time.NewTimer(s.interval)
		fire = timer.C
		s.next = time.Now().Add(s.interval)
		s.timers.Add(1)
	}

	arm()
	for {
		select {
		case <-ctx.Done():
			disarm()
			return
		case <-s.reset:
			arm()
		case <-fire:
			s.timers.Add(-1)
			timer, fire = nil, nil
			s.tick(ctx, "interval")
			arm()
		case <-completed:
			drain(completed)
			arm()
		case <-enqueued:
			drain(enqueued)
			s.tick(ctx, "enqueue")
		case <-s.nudge:
			s.tick(ctx, "nudge")
		}
	}
}

func drain(ch <-chan bus.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, reason string) {
	if !s.Enabled() || s.syncer.IsSyncing() || s.pending() == 0 {
		return
	}
	s.runs.Add(1)
	res, err := s.syncer.Sync(ctx)
	switch {
	case err == nil:
		s.logger.Debug("auto-sync run finished", zap.String("reason", reason),
			zap.Int("uploaded", res.Uploaded), zap.Int("errors", res.Errors))
	case errors.Is(err, intsync.ErrSyncInProgress):
		s.logger.Debug("auto-sync skipped, run in progress", zap.String("reason", reason))
	case errors.Is(err, intsync.ErrBackendUnavailable):
		s.logger.Info("auto-sync skipped, remote unavailable", zap.String("reason", reason), zap.Error(err))
	default:
		s.logger.Error("auto-sync run failed", zap.String("reason", reason), zap.Error(err))
	}
}
