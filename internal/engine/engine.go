// Package engine assembles the queue, orchestrator and scheduler into the
// API exposed to hosts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/scheduler"
	"github.com/matheus3301/offsync/internal/status"
	"github.com/matheus3301/offsync/internal/store"
	intsync "github.com/matheus3301/offsync/internal/sync"
)

// Options configure an Engine.
type Options struct {
	AutoSync      bool
	Interval      time.Duration
	MaxRetries    int
	ItemTimeout   time.Duration
	DefaultPolicy conflict.Policy
	Pull          bool
	Now           func() time.Time
}

// RunStatus is a side-effect free view of the engine. NextSyncAt is zero
// unless auto-sync is on and a run has completed.
type RunStatus struct {
	IsSyncing       bool          `json:"is_syncing"`
	State           status.State  `json:"state"`
	LastSyncAt      time.Time     `json:"last_sync_at,omitzero"`
	NextSyncAt      time.Time     `json:"next_sync_at,omitzero"`
	PendingCount    int           `json:"pending_count"`
	AutoSyncEnabled bool          `json:"auto_sync_enabled"`
	Interval        time.Duration `json:"interval"`
	EventsDropped   uint64        `json:"events_dropped"`
}

// Engine is the offline-first sync engine for one profile database. It is
// constructed explicitly and owns the lifecycle of its scheduler.
type Engine struct {
	db      *store.DB
	queue   *queue.Queue
	machine *status.Machine
	orch    *intsync.Orchestrator
	sched   *scheduler.Scheduler
	bus     *bus.Bus
	logger  *zap.Logger
}

// New restores the queue and checkpoints from db. rs may be nil, in which
// case Sync fails with ErrBackendUnavailable until SetRemote is called.
func New(ctx context.Context, db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q, err := queue.Open(ctx, db, queue.Options{
		MaxRetries: opts.MaxRetries,
		Bus:        b,
		Logger:     logger.Named("queue"),
		Now:        opts.Now,
	})
	if err != nil {
		return nil, err
	}

	machine := status.NewMachine(b)
	orch, err := intsync.New(ctx, intsync.Deps{
		Queue:       q,
		Local:       db,
		Remote:      rs,
		Checkpoints: intsync.NewReconciler(db, logger.Named("reconciler")),
		Machine:     machine,
		Bus:         b,
		Logger:      logger.Named("sync"),
	}, intsync.Options{
		ItemTimeout:   opts.ItemTimeout,
		DefaultPolicy: opts.DefaultPolicy,
		Pull:          opts.Pull,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(orch, q.Len, b, logger.Named("scheduler"))
	if opts.Interval > 0 {
		if err := sched.SetInterval(opts.Interval); err != nil {
			return nil, err
		}
	}
	if opts.AutoSync {
		sched.Enable()
	}

	return &Engine{
		db:      db,
		queue:   q,
		machine: machine,
		orch:    orch,
		sched:   sched,
		bus:     b,
		logger:  logger,
	}, nil
}

// Start launches the auto-sync scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
	e.logger.Info("engine started", zap.Int("pending", e.queue.Len()), zap.Bool("auto_sync", e.sched.Enabled()))
}

// Stop halts the scheduler, waiting for a run it started to finish.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.logger.Info("engine stopped")
}

// Enqueue records a local mutation: the local copy is updated at once and
// the mutation is queued for the remote. Create generates an id when the
// payload has none; Update and Delete require one. For Update, a payload
// updated_at is taken as the remote version the edit was based on, otherwise
// the local copy's version is used.
func (e *Engine) Enqueue(ctx context.Context, action queue.Action, payload record.Record) (queue.Item, error) {
	if _, err := queue.ParseAction(string(action)); err != nil {
		return queue.Item{}, err
	}
	if payload.ID == "" {
		if action != queue.Create {
			return queue.Item{}, fmt.Errorf("%s requires a record id", action)
		}
		payload.ID = uuid.NewString()
	}

	var opts []queue.EnqueueOption
	switch action {
	case queue.Create:
		local := payload.Clone()
		local.UpdatedAt = time.Time{}
		e.putLocal(ctx, local)
		payload.UpdatedAt = time.Time{}

	case queue.Update:
		cur, err := e.db.GetRecord(ctx, payload.ID)
		if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			e.logger.Error("failed to read local copy", zap.String("record_id", payload.ID), zap.Error(err))
		}
		base := cur.UpdatedAt
		if !payload.UpdatedAt.IsZero() {
			base = payload.UpdatedAt
		}
		if !base.IsZero() {
			opts = append(opts, queue.WithBaseUpdatedAt(base))
		}
		payload.UpdatedAt = time.Time{}
		next := cur.Overlay(payload)
		next.ID = payload.ID
		e.putLocal(ctx, next)

	case queue.Delete:
		if err := e.db.DeleteRecord(ctx, payload.ID); err != nil {
			e.logger.Error("failed to delete local copy", zap.String("record_id", payload.ID), zap.Error(err))
		}
		payload = record.Record{ID: payload.ID}
	}

	return e.queue.Enqueue(ctx, action, payload, opts...)
}

func (e *Engine) putLocal(ctx context.Context, r record.Record) {
	if err := e.db.PutRecord(ctx, r); err != nil {
		e.logger.Error("failed to store local copy", zap.String("record_id", r.ID), zap.Error(err))
	}
}

// Sync runs one pass now.
func (e *Engine) Sync(ctx context.Context) (intsync.RunResult, error) {
	return e.orch.Sync(ctx)
}

// SetAutoSync turns the scheduler on or off.
func (e *Engine) SetAutoSync(enabled bool) {
	if enabled {
		e.sched.Enable()
	} else {
		e.sched.Disable()
	}
}

// SetAutoSyncInterval changes the auto-sync period.
func (e *Engine) SetAutoSyncInterval(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("interval must be at least one minute, got %d", minutes)
	}
	return e.sched.SetInterval(time.Duration(minutes) * time.Minute)
}

// SetRemote replaces the remote store for later runs.
func (e *Engine) SetRemote(rs remote.Store) {
	e.orch.SetRemote(rs)
}

// Status reports the current state without I/O.
func (e *Engine) Status() RunStatus {
	st := RunStatus{
		IsSyncing:       e.orch.IsSyncing(),
		State:           e.machine.Current(),
		LastSyncAt:      e.orch.LastSyncAt(),
		PendingCount:    e.queue.Len(),
		AutoSyncEnabled: e.sched.Enabled(),
		Interval:        e.sched.Interval(),
		EventsDropped:   e.bus.Dropped(),
	}
	if st.AutoSyncEnabled && !st.LastSyncAt.IsZero() {
		st.NextSyncAt = st.LastSyncAt.Add(st.Interval)
	}
	return st
}

// ResolveConflict reconciles the local and remote copies of id with policy.
func (e *Engine) ResolveConflict(ctx context.Context, id string, policy conflict.Policy) (record.Record, error) {
	return e.orch.ResolveConflict(ctx, id, policy)
}

// Subscribe delivers engine events whose kind starts with prefix.
func (e *Engine) Subscribe(prefix string, bufSize int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(prefix, bufSize)
}

// Pending returns a copy of the queued mutations in order.
func (e *Engine) Pending() []queue.Item {
	return e.queue.Snapshot()
}

// ClearQueue discards every pending mutation.
func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.queue.Clear(ctx)
}

// Record returns the local copy of a record.
func (e *Engine) Record(ctx context.Context, id string) (record.Record, error) {
	return e.db.GetRecord(ctx, id)
}

// Records lists local copies updated after since.
func (e *Engine) Records(ctx context.Context, since time.Time, limit int) ([]record.Record, error) {
	return e.db.ListRecords(ctx, since, limit)
}
