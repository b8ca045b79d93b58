// Package sync drains the local mutation queue against the remote store,
// resolves version conflicts and pulls remote changes.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/status"
	"github.com/matheus3301/offsync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrBackendUnavailable is returned when no remote store is configured or
	// it cannot be reached. No run is started.
	ErrBackendUnavailable = errors.New("remote store unavailable")
	// ErrSyncInProgress is returned when a run is already active.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// DefaultItemTimeout bounds each remote call made during a run.
const DefaultItemTimeout = 30 * time.Second

// LocalStore holds the local copies of records. GetRecord must wrap
// store.ErrRecordNotFound for missing ids.
type LocalStore interface {
	GetRecord(ctx context.Context, id string) (record.Record, error)
	PutRecord(ctx context.Context, r record.Record) error
	DeleteRecord(ctx context.Context, id string) error
}

// Deps are the collaborators of an Orchestrator. Remote and Checkpoints may
// be nil.
type Deps struct {
	Queue       *queue.Queue
	Local       LocalStore
	Remote      remote.Store
	Checkpoints Checkpointer
	Machine     *status.Machine
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Options tune a run.
type Options struct {
	ItemTimeout   time.Duration
	DefaultPolicy conflict.Policy
	Pull          bool
	Now           func() time.Time
}

// Orchestrator runs at most one sync pass at a time. The run lock is the
// status machine: a run owns the Running state from start to finish.
type Orchestrator struct {
	queue       *queue.Queue
	local       LocalStore
	checkpoints Checkpointer
	machine     *status.Machine
	bus         *bus.Bus
	logger      *zap.Logger
	opts        Options

	mu         sync.RWMutex
	remote     remote.Store
	lastSyncAt time.Time
	watermark  time.Time
}

// New creates an orchestrator and restores its checkpoints.
func New(ctx context.Context, d Deps, opts Options) (*Orchestrator, error) {
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = conflict.DefaultPolicy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Machine == nil {
		d.Machine = status.NewMachine(d.Bus)
	}
	o := &Orchestrator{
		queue:       d.Queue,
		local:       d.Local,
		checkpoints: d.Checkpoints,
		machine:     d.Machine,
		bus:         d.Bus,
		logger:      d.Logger,
		opts:        opts,
		remote:      d.Remote,
	}
	if o.checkpoints != nil {
		cp, err := o.checkpoints.Checkpoints(ctx)
		if err != nil {
			return nil, fmt.Errorf("restore checkpoints: %w", err)
		}
		o.lastSyncAt, o.watermark = cp.LastSyncAt, cp.Watermark
	}
	return o, nil
}

// SetRemote swaps the remote store used by subsequent runs.
func (o *Orchestrator) SetRemote(rs remote.Store) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remote = rs
}

func (o *Orchestrator) remoteStore() remote.Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.remote
}

// IsSyncing reports whether a run is active.
func (o *Orchestrator) IsSyncing() bool {
	return o.machine.Current() == status.Running
}

// LastSyncAt returns when the last run completed, or the zero time.
func (o *Orchestrator) LastSyncAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSyncAt
}

// Sync runs one pass: drain a snapshot of the queue in FIFO order, then pull
// remote changes. Per-item failures are counted in the result; only
// precondition failures and local faults are returned as errors. The run
// cannot be cancelled through ctx once started; every remote call is bounded
// by the item timeout instead.
func (o *Orchestrator) Sync(ctx context.Context) (RunResult, error) {
	rs := o.remoteStore()
	if rs == nil {
		return RunResult{}, ErrBackendUnavailable
	}
	pingCtx, cancel := context.WithTimeout(ctx, o.opts.ItemTimeout)
	err := rs.Ping(pingCtx)
	cancel()
	if err != nil {
		o.logger.Warn("remote unreachable, not syncing", zap.Error(err))
		return RunResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := o.machine.Transition(status.Running); err != nil {
		var te *status.TransitionError
		if errors.As(err, &te) {
			return RunResult{}, ErrSyncInProgress
		}
		return RunResult{}, err
	}
	defer func() {
		if err := o.machine.Transition(status.Idle); err != nil {
			o.logger.Error("failed to release run lock", zap.Error(err))
		}
	}()

	r := &run{
		o:       o,
		ctx:     context.WithoutCancel(ctx),
		rs:      rs,
		start:   o.opts.Now(),
		written: make(map[string]record.Record),
		held:    make(map[string]bool),
	}
	res, err := r.execute()
	if err != nil {
		o.logger.Error("sync run failed", zap.Error(err), zap.Int("uploaded", res.Uploaded))
		o.bus.Publish(bus.Event{Kind: bus.KindRunFailed, Payload: RunFailure{Err: err.Error(), Partial: res}})
		return res, err
	}
	o.logger.Info("sync run completed",
		zap.Int("uploaded", res.Uploaded), zap.Int("downloaded", res.Downloaded),
		zap.Int("conflicts", res.Conflicts), zap.Int("errors", res.Errors),
		zap.Int64("duration_ms", res.DurationMs))
	o.bus.Publish(bus.Event{Kind: bus.KindRunCompleted, Payload: res})
	return res, nil
}

// ResolveConflict reconciles the local and remote copies of id with policy
// and writes the result to both stores. It takes the run lock, so it fails
// with ErrSyncInProgress while a run is active.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id string, policy conflict.Policy) (record.Record, error) {
	rs := o.remoteStore()
	if rs == nil {
		return record.Record{}, ErrBackendUnavailable
	}
	if err := o.machine.Transition(status.Running); err != nil {
		return record.Record{}, ErrSyncInProgress
	}
	defer func() {
		if err := o.machine.Transition(status.Idle); err != nil {
			o.logger.Error("failed to release run lock", zap.Error(err))
		}
	}()

	local, err := o.local.GetRecord(ctx, id)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return record.Record{}, fmt.Errorf("load local %s: %w", id, err)
	}
	local.ID = id

	callCtx, cancel := context.WithTimeout(ctx, o.opts.ItemTimeout)
	remoteRec, err := rs.Get(callCtx, id)
	cancel()
	if err != nil {
		return record.Record{}, fmt.Errorf("load remote %s: %w", id, err)
	}

	c := conflict.Conflict{ID: id, Local: local, Remote: remoteRec}
	r := &run{o: o, ctx: ctx, rs: rs, written: make(map[string]record.Record)}
	return r.resolveAndWrite(c, policy, "caller", 0)
}

// run carries the state of a single pass.
type run struct {
	o       *Orchestrator
	ctx     context.Context
	rs      remote.Store
	start   time.Time
	since   time.Time // pull lower bound, fixed before any upload
	pulled  time.Time // highest updated_at listed by a successful pull
	skipped time.Time // lowest updated_at left for a queued local edit
	res     RunResult
	written map[string]record.Record // remote versions written by this run
	held    map[string]bool          // records with a failed item left queued
}

func (r *run) execute() (RunResult, error) {
	o := r.o
	items := o.queue.Snapshot()
	o.mu.RLock()
	r.since = o.watermark
	o.mu.RUnlock()
	o.bus.Publish(bus.Event{Kind: bus.KindRunStarted, Payload: RunStarted{Total: len(items), StartedAt: r.start}})
	o.logger.Info("sync run started", zap.Int("pending", len(items)))

	for i, it := range items {
		o.bus.Publish(bus.Event{Kind: bus.KindProgress, Payload: Progress{
			Total:      len(items),
			Completed:  i,
			CurrentID:  it.ID,
			Percentage: i * 100 / len(items),
		}})
		if r.held[it.ID] {
			o.logger.Debug("item held behind a failed edit", zap.Int64("seq", it.Seq), zap.String("record_id", it.ID))
			continue
		}
		if err := r.processItem(it); err != nil {
			return r.finish(), err
		}
	}

	if o.opts.Pull {
		if err := r.pull(); err != nil {
			return r.finish(), err
		}
	}

	res := r.finish()
	o.mu.Lock()
	o.lastSyncAt = o.opts.Now()
	if next := r.nextWatermark(); next.After(o.watermark) {
		o.watermark = next
	}
	cp := Checkpoints{LastSyncAt: o.lastSyncAt, Watermark: o.watermark}
	o.mu.Unlock()
	if o.checkpoints != nil {
		if err := o.checkpoints.SaveCheckpoints(r.ctx, cp); err != nil {
			o.logger.Error("failed to save checkpoints", zap.Error(err))
		}
	}
	return res, nil
}

func (r *run) finish() RunResult {
	r.res.DurationMs = r.o.opts.Now().Sub(r.start).Milliseconds()
	return r.res
}

// processItem applies one queue item. Remote failures are absorbed into the
// result; the returned error is a local fault that aborts the run.
func (r *run) processItem(it queue.Item) error {
	o := r.o
	written, err := r.apply(it)
	switch {
	case isLocalFault(err):
		return err

	case err == nil:
		if err := r.storeLocal(it, written); err != nil {
			return err
		}
		if it.Action != queue.Delete {
			if err := r.rebase(it, written); err != nil {
				return err
			}
		}
		r.res.Uploaded++
		o.logger.Debug("item applied", zap.Int64("seq", it.Seq), zap.String("record_id", it.ID), zap.String("action", string(it.Action)))
		return r.dequeue(it)

	case remote.IsConflict(err):
		ce, _ := remote.AsConflict(err)
		local, lerr := r.localVersion(it)
		if lerr != nil {
			return lerr
		}
		c := conflict.Conflict{ID: it.ID, Local: local, Remote: ce.Remote}
		final, werr := r.resolveAndWrite(c, o.opts.DefaultPolicy, "upload", it.Seq)
		if werr != nil {
			if isLocalFault(werr) {
				return werr
			}
			return r.fail(it, fmt.Errorf("write back resolution: %w", werr))
		}
		if err := r.rebase(it, final); err != nil {
			return err
		}
		r.res.Conflicts++
		return r.dequeue(it)

	default:
		return r.fail(it, err)
	}
}

// apply sends one item to the remote store.
func (r *run) apply(it queue.Item) (record.Record, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.o.opts.ItemTimeout)
	defer cancel()

	switch it.Action {
	case queue.Create:
		payload := it.Payload.Clone()
		payload.ID = it.ID
		return r.rs.Create(ctx, payload)

	case queue.Update:
		out, err := r.rs.Update(ctx, it.ID, it.Payload, r.expectedVersion(it))
		if errors.Is(err, remote.ErrNotFound) {
			// Gone remotely: recreate from the full local version.
			full, lerr := r.localVersion(it)
			if lerr != nil {
				return record.Record{}, lerr
			}
			return r.rs.Create(ctx, full)
		}
		return out, err

	case queue.Delete:
		return record.Record{}, r.rs.Delete(ctx, it.ID)

	default:
		return record.Record{}, fmt.Errorf("unknown action %q", it.Action)
	}
}

// expectedVersion is the remote updated_at an update is checked against.
// The live queue copy is used because an earlier item for the same record
// may have rebased it; a write by this run is newer still.
func (r *run) expectedVersion(it queue.Item) time.Time {
	expected := it.BaseUpdatedAt
	if live, ok := r.o.queue.Get(it.Seq); ok {
		expected = live.BaseUpdatedAt
	}
	if w, ok := r.written[it.ID]; ok && w.UpdatedAt.After(expected) {
		expected = w.UpdatedAt
	}
	return expected
}

// rebase moves later queued items for the same record onto the version this
// run just wrote.
func (r *run) rebase(it queue.Item, written record.Record) error {
	if err := r.o.queue.Rebase(r.ctx, it.ID, it.Seq, written.UpdatedAt); err != nil {
		return localFault{err}
	}
	return nil
}

// storeLocal mirrors a successful remote application into the local store.
func (r *run) storeLocal(it queue.Item, written record.Record) error {
	if it.Action == queue.Delete {
		delete(r.written, it.ID)
		if err := r.o.local.DeleteRecord(r.ctx, it.ID); err != nil {
			return localFault{fmt.Errorf("delete local %s: %w", it.ID, err)}
		}
		return nil
	}
	r.written[written.ID] = written
	return r.putLocal(it.Seq, written)
}

// putLocal stores rec locally with the edits still queued after seq applied
// on top, so the local copy keeps showing the latest local intent. A queued
// delete removes the local copy instead.
func (r *run) putLocal(seq int64, rec record.Record) error {
	local, deleted := rec, false
	for _, later := range r.o.queue.Snapshot() {
		if later.ID != rec.ID || later.Seq <= seq {
			continue
		}
		switch later.Action {
		case queue.Delete:
			deleted = true
		default:
			edit := later.Payload
			edit.UpdatedAt = time.Time{}
			local = local.Overlay(edit)
			local.ID = rec.ID
			deleted = false
		}
	}
	if deleted {
		if err := r.o.local.DeleteRecord(r.ctx, rec.ID); err != nil {
			return localFault{fmt.Errorf("delete local %s: %w", rec.ID, err)}
		}
		return nil
	}
	if err := r.o.local.PutRecord(r.ctx, local); err != nil {
		return localFault{fmt.Errorf("store local %s: %w", rec.ID, err)}
	}
	return nil
}

// localVersion is the local side of a conflict: the local copy with the
// item's payload applied, stamped with the time of the local edit.
func (r *run) localVersion(it queue.Item) (record.Record, error) {
	base, err := r.o.local.GetRecord(r.ctx, it.ID)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return record.Record{}, localFault{fmt.Errorf("load local %s: %w", it.ID, err)}
	}
	v := base.Overlay(it.Payload)
	v.ID = it.ID
	v.UpdatedAt = it.EnqueuedAt
	if !it.Payload.UpdatedAt.IsZero() {
		v.UpdatedAt = it.Payload.UpdatedAt
	}
	return v, nil
}

// resolveAndWrite applies policy to c and writes the outcome to the remote
// (unless the remote version already wins) and then to the local store.
func (r *run) resolveAndWrite(c conflict.Conflict, policy conflict.Policy, source string, seq int64) (record.Record, error) {
	o := r.o
	resolved, err := conflict.Resolve(c, policy, o.opts.Now())
	if err != nil {
		return record.Record{}, err
	}

	final := resolved
	if policy != conflict.UseRemote {
		ctx, cancel := context.WithTimeout(r.ctx, o.opts.ItemTimeout)
		final, err = r.rs.Update(ctx, c.ID, resolved, c.Remote.UpdatedAt)
		cancel()
		if err != nil {
			return record.Record{}, err
		}
	}
	r.written[final.ID] = final
	if err := r.putLocal(seq, final); err != nil {
		return record.Record{}, err
	}

	c.Resolution = policy
	o.logger.Info("conflict resolved",
		zap.String("record_id", c.ID), zap.String("policy", string(policy)), zap.String("source", source),
		zap.Time("local_updated_at", c.Local.UpdatedAt), zap.Time("remote_updated_at", c.Remote.UpdatedAt))
	o.bus.Publish(bus.Event{Kind: bus.KindConflictDetected, Payload: ConflictResolved{
		ID: c.ID, Policy: c.Resolution, Source: source, Resolved: final.Clone(),
	}})
	return final, nil
}

// fail records a failed attempt. A dropped item is counted as an error and
// surfaced through the result and an ItemDropped event.
func (r *run) fail(it queue.Item, cause error) error {
	o := r.o
	o.logger.Warn("item failed", zap.Int64("seq", it.Seq), zap.String("record_id", it.ID), zap.Error(cause))
	updated, dropped, err := o.queue.MarkFailed(r.ctx, it.Seq, cause)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if !dropped && err == nil {
		// Later edits of this record wait so they apply after this one.
		r.held[it.ID] = true
	}
	if dropped {
		fi := FailedItem{Seq: it.Seq, ID: it.ID, Action: it.Action, Attempts: updated.AttemptCount, Err: updated.LastError}
		r.res.Errors++
		r.res.Failed = append(r.res.Failed, fi)
		o.bus.Publish(bus.Event{Kind: bus.KindItemDropped, Payload: fi})
	}
	if err != nil {
		return localFault{err}
	}
	return nil
}

func (r *run) dequeue(it queue.Item) error {
	err := r.o.queue.DequeueProcessed(r.ctx, it.Seq)
	if errors.Is(err, queue.ErrNotFound) {
		// Cleared while the run was in flight.
		return nil
	}
	if err != nil {
		return localFault{err}
	}
	return nil
}

// pull downloads remote changes since the watermark taken at run start. A
// failed listing is counted as one error; local store failures abort the run.
func (r *run) pull() error {
	o := r.o
	since := r.since

	ctx, cancel := context.WithTimeout(r.ctx, o.opts.ItemTimeout)
	recs, err := r.rs.ListUpdatedSince(ctx, since)
	cancel()
	if err != nil {
		o.logger.Warn("pull failed", zap.Error(err), zap.Time("since", since))
		r.res.Errors++
		return nil
	}

	pending := make(map[string]bool)
	for _, it := range o.queue.Snapshot() {
		pending[it.ID] = true
	}

	for _, rec := range recs {
		if rec.UpdatedAt.After(r.pulled) {
			r.pulled = rec.UpdatedAt
		}
		if w, ok := r.written[rec.ID]; ok {
			if w.UpdatedAt.Equal(rec.UpdatedAt) {
				continue
			}
			// Changed remotely after this run wrote it.
			local, err := o.local.GetRecord(r.ctx, rec.ID)
			if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
				return localFault{fmt.Errorf("load local %s: %w", rec.ID, err)}
			}
			local.ID = rec.ID
			c := conflict.Conflict{ID: rec.ID, Local: local, Remote: rec}
			if _, err := r.resolveAndWrite(c, o.opts.DefaultPolicy, "pull", 0); err != nil {
				if isLocalFault(err) {
					return err
				}
				o.logger.Warn("pull conflict write-back failed", zap.String("record_id", rec.ID), zap.Error(err))
				r.res.Errors++
				continue
			}
			r.res.Conflicts++
			continue
		}
		if pending[rec.ID] {
			// The queued local edit reconciles against this version next run.
			if r.skipped.IsZero() || rec.UpdatedAt.Before(r.skipped) {
				r.skipped = rec.UpdatedAt
			}
			continue
		}
		cur, err := o.local.GetRecord(r.ctx, rec.ID)
		if err == nil && cur.UpdatedAt.Equal(rec.UpdatedAt) {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			return localFault{fmt.Errorf("load local %s: %w", rec.ID, err)}
		}
		if err := o.local.PutRecord(r.ctx, rec); err != nil {
			return localFault{fmt.Errorf("store pulled %s: %w", rec.ID, err)}
		}
		r.res.Downloaded++
	}
	if len(recs) > 0 {
		o.logger.Info("pulled remote changes", zap.Int("records", len(recs)), zap.Int("downloaded", r.res.Downloaded))
	}
	return nil
}

// nextWatermark stays below any record the pull left for a queued edit, so
// it is listed again if that edit never reaches the remote.
func (r *run) nextWatermark() time.Time {
	next := r.pulled
	if !r.skipped.IsZero() && !next.Before(r.skipped) {
		next = r.skipped.Add(-time.Millisecond)
	}
	return next
}

// localFault marks an error from local state (database, queue persistence)
// as opposed to the remote store. It aborts the run.
type localFault struct{ err error }

func (f localFault) Error() string { return f.err.Error() }
func (f localFault) Unwrap() error { return f.err }

func isLocalFault(err error) bool {
	var lf localFault
	return errors.As(err, &lf)
}
