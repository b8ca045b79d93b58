package sync

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
	"github.com/matheus3301/offsync/internal/status"
	"github.com/matheus3301/offsync/internal/store"
)

// fakeRemote wraps a MemoryStore, recording mutation calls and tracking how
// many are in flight at once. Mutations for ids in failures return a
// transient error (n > 0 times, or always for n < 0). A non-nil gate blocks
// every mutation until closed.
type fakeRemote struct {
	*remote.MemoryStore

	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	failures    map[string]int
	gate        chan struct{}
	entered     chan struct{}
	pingErr     error
}

func newFakeRemote(now func() time.Time) *fakeRemote {
	return &fakeRemote{MemoryStore: remote.NewMemoryStore(now), failures: make(map[string]int)}
}

func (f *fakeRemote) enter(op, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+id)
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	fail := false
	if n := f.failures[id]; n != 0 {
		fail = true
		if n > 0 {
			f.failures[id] = n - 1
		}
	}
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return &remote.TransientError{Op: op, ID: id, Err: errors.New("503 service unavailable")}
	}
	return nil
}

func (f *fakeRemote) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeRemote) Create(ctx context.Context, r record.Record) (record.Record, error) {
	defer f.leave()
	if err := f.enter("create", r.ID); err != nil {
		return record.Record{}, err
	}
	return f.MemoryStore.Create(ctx, r)
}

func (f *fakeRemote) Update(ctx context.Context, id string, partial record.Record, expected time.Time) (record.Record, error) {
	defer f.leave()
	if err := f.enter("update", id); err != nil {
		return record.Record{}, err
	}
	return f.MemoryStore.Update(ctx, id, partial, expected)
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	defer f.leave()
	if err := f.enter("delete", id); err != nil {
		return err
	}
	return f.MemoryStore.Delete(ctx, id)
}

func (f *fakeRemote) Ping(context.Context) error { return f.pingErr }

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	db  *store.DB
	q   *queue.Queue
	rs  *fakeRemote
	bus *bus.Bus
	o   *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "offsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	q, err := queue.Open(ctx, db, queue.Options{Bus: b, Now: opts.Now})
	if err != nil {
		t.Fatal(err)
	}
	rs := newFakeRemote(opts.Now)
	o, err := New(ctx, Deps{
		Queue:       q,
		Local:       db,
		Remote:      rs,
		Checkpoints: NewReconciler(db, nil),
		Bus:         b,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{db: db, q: q, rs: rs, bus: b, o: o}
}

func (h *harness) enqueue(t *testing.T, action queue.Action, r record.Record, opts ...queue.EnqueueOption) queue.Item {
	t.Helper()
	it, err := h.q.Enqueue(context.Background(), action, r, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func titled(id, title string) record.Record {
	return record.Record{ID: id, Content: map[string]any{"title": title}}
}

func TestSyncDrainsInFIFOOrder(t *testing.T) {
	h := newHarness(t, Options{})
	for _, id := range []string{"A", "B", "C"} {
		h.enqueue(t, queue.Create, titled(id, id))
	}

	res, err := h.o.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"create A", "create B", "create C"}
	if got := h.rs.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("remote calls = %v, want %v", got, want)
	}
	if res.Uploaded != 3 || res.Errors != 0 || res.Conflicts != 0 {
		t.Errorf("result = %+v, want 3 uploaded", res)
	}
	if h.q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", h.q.Len())
	}
	if h.o.IsSyncing() {
		t.Error("still syncing after Sync returned")
	}
}

func TestSyncEndToEndCreate(t *testing.T) {
	h := newHarness(t, Options{Pull: true})
	h.enqueue(t, queue.Create, titled("x", "draft"))

	res, err := h.o.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 || res.Errors != 0 || res.Conflicts != 0 || res.Downloaded != 0 {
		t.Errorf("result = %+v, want {uploaded:1}", res)
	}
	if h.q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", h.q.Len())
	}

	remoteX, err := h.rs.Get(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	localX, err := h.db.GetRecord(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if localX.Title() != "draft" || !localX.UpdatedAt.Equal(remoteX.UpdatedAt) {
		t.Errorf("local copy = %+v, want remote version %+v", localX, remoteX)
	}
}

func TestSyncMutualExclusion(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, queue.Create, titled("A", "a"))
	h.enqueue(t, queue.Create, titled("B", "b"))

	gate := make(chan struct{})
	h.rs.gate = gate
	h.rs.entered = make(chan struct{}, 1)

	type outcome struct {
		res RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.o.Sync(context.Background())
		done <- outcome{res, err}
	}()

	select {
	case <-h.rs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the remote")
	}

	if !h.o.IsSyncing() {
		t.Error("IsSyncing() = false during run")
	}
	if _, err := h.o.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Sync error = %v, want ErrSyncInProgress", err)
	}

	close(gate)
	select {
	case out := <-done:
		if out.err != nil || out.res.Uploaded != 2 {
			t.Errorf("first run = %+v, %v", out.res, out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}

	h.rs.mu.Lock()
	maxInFlight := h.rs.maxInFlight
	h.rs.mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max in-flight remote calls = %d, want 1", maxInFlight)
	}
}

func TestSyncRetryBudgetAcrossRuns(t *testing.T) {
	h := newHarness(t, Options{})
	h.rs.failures["x"] = -1
	h.enqueue(t, queue.Create, titled("x", "doomed"))
	ctx := context.Background()

	for run := 1; run <= 2; run++ {
		res, err := h.o.Sync(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Errors != 0 || res.Uploaded != 0 {
			t.Errorf("run %d result = %+v, want no errors yet", run, res)
		}
		snap := h.q.Snapshot()
		if len(snap) != 1 || snap[0].AttemptCount != run {
			t.Fatalf("run %d queue = %+v, want one item with %d attempts", run, snap, run)
		}
	}

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors != 1 || len(res.Failed) != 1 {
		t.Fatalf("run 3 result = %+v, want 1 error", res)
	}
	if f := res.Failed[0]; f.ID != "x" || f.Attempts != 3 || f.Action != queue.Create {
		t.Errorf("failed item = %+v", f)
	}
	if h.q.Len() != 0 {
		t.Errorf("queue len = %d after drop, want 0", h.q.Len())
	}

	if _, err := h.o.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	creates := 0
	for _, c := range h.rs.callLog() {
		if c == "create x" {
			creates++
		}
	}
	if creates != 3 {
		t.Errorf("create attempts = %d, want 3", creates)
	}
}

func TestSyncTransientFailureRecovers(t *testing.T) {
	h := newHarness(t, Options{})
	h.rs.failures["x"] = 1
	h.enqueue(t, queue.Create, titled("x", "flaky"))
	ctx := context.Background()

	if res, _ := h.o.Sync(ctx); res.Uploaded != 0 || res.Errors != 0 {
		t.Errorf("first run = %+v, want item left queued", res)
	}
	if res, _ := h.o.Sync(ctx); res.Uploaded != 1 {
		t.Errorf("second run = %+v, want uploaded", res)
	}
	if h.q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", h.q.Len())
	}
}

func TestSyncEndToEndConflict(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := newHarness(t, Options{Now: clock, Pull: true})
	ctx := context.Background()

	t0 := now.Add(-2 * time.Hour)
	h.rs.Put(record.Record{
		ID: "x", UpdatedAt: now.Add(-time.Hour),
		Content:  map[string]any{"title": "remote-edit"},
		Metadata: map[string]any{"source": "web"},
		Tags:     []string{"r"},
	})
	if err := h.db.PutRecord(ctx, record.Record{
		ID: "x", UpdatedAt: t0,
		Content:  map[string]any{"title": "original"},
		Metadata: map[string]any{"source": "mobile"},
		Tags:     []string{"l"},
	}); err != nil {
		t.Fatal(err)
	}
	h.enqueue(t, queue.Update, titled("x", "local-edit"), queue.WithBaseUpdatedAt(t0))

	events, unsub := h.bus.Subscribe(string(bus.KindConflictDetected), 4)
	defer unsub()

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflicts != 1 || res.Uploaded != 0 || res.Errors != 0 {
		t.Errorf("result = %+v, want conflicts:1", res)
	}
	if h.q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", h.q.Len())
	}

	// The local edit is newer than the remote one, so its title survives;
	// metadata keeps the local value and tags are unioned.
	for name, get := range map[string]func() (record.Record, error){
		"remote": func() (record.Record, error) { return h.rs.Get(ctx, "x") },
		"local":  func() (record.Record, error) { return h.db.GetRecord(ctx, "x") },
	} {
		got, err := get()
		if err != nil {
			t.Fatal(err)
		}
		if got.Title() != "local-edit" || !got.Merged {
			t.Errorf("%s = %+v, want merged local-edit", name, got)
		}
		if got.Metadata["source"] != "mobile" {
			t.Errorf("%s metadata = %v, want source=mobile", name, got.Metadata)
		}
		if !reflect.DeepEqual(got.Tags, []string{"l", "r"}) {
			t.Errorf("%s tags = %v, want [l r]", name, got.Tags)
		}
	}

	select {
	case evt := <-events:
		cr, ok := evt.Payload.(ConflictResolved)
		if !ok || cr.ID != "x" || cr.Policy != conflict.Merge || cr.Source != "upload" {
			t.Errorf("conflict event = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no conflict event")
	}
}

func TestSyncConflictRemoteNewerKeepsRemoteContent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	h.rs.Put(record.Record{ID: "x", UpdatedAt: now.Add(-time.Minute), Content: map[string]any{"title": "remote-edit"}})
	edit := titled("x", "local-edit")
	edit.UpdatedAt = now.Add(-time.Hour) // edited offline an hour ago
	h.enqueue(t, queue.Update, edit, queue.WithBaseUpdatedAt(now.Add(-2*time.Hour)))

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflicts != 1 {
		t.Fatalf("result = %+v, want one conflict", res)
	}
	got, _ := h.rs.Get(ctx, "x")
	if got.Title() != "remote-edit" || !got.Merged {
		t.Errorf("remote = %+v, want merged remote-edit", got)
	}
}

func TestSyncDelete(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.rs.Put(record.Record{ID: "x", UpdatedAt: time.Now()})
	h.db.PutRecord(ctx, record.Record{ID: "x", UpdatedAt: time.Now()})
	h.enqueue(t, queue.Delete, record.Record{ID: "x"})

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, err := h.rs.Get(ctx, "x"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("remote x still present: %v", err)
	}
	if _, err := h.db.GetRecord(ctx, "x"); !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("local x still present: %v", err)
	}
}

func TestSyncUpdateOfMissingRecordRecreates(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.db.PutRecord(ctx, record.Record{ID: "x", Content: map[string]any{"title": "t", "body": "kept"}})
	h.enqueue(t, queue.Update, titled("x", "edited"))

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, err := h.rs.Get(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title() != "edited" || got.Content["body"] != "kept" {
		t.Errorf("recreated = %+v", got)
	}
}

func TestSyncBackendUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, queue.Create, titled("x", "x"))
	events, unsub := h.bus.Subscribe("sync.", 16)
	defer unsub()

	h.rs.pingErr = errors.New("connection refused")
	if _, err := h.o.Sync(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Sync with unreachable remote error = %v, want ErrBackendUnavailable", err)
	}

	h.o.SetRemote(nil)
	if _, err := h.o.Sync(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Sync without remote error = %v, want ErrBackendUnavailable", err)
	}

	select {
	case evt := <-events:
		t.Errorf("unexpected event %s: no run should start", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	if h.q.Len() != 1 || len(h.rs.callLog()) != 0 {
		t.Error("queue or remote touched without a run")
	}
}

func TestSyncEmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, queue.Create, titled("A", "a"))
	h.enqueue(t, queue.Create, titled("B", "b"))

	events, unsub := h.bus.Subscribe("sync.", 32)
	defer unsub()

	if _, err := h.o.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	var progress []Progress
	timeout := time.After(time.Second)
	for len(kinds) < 6 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
			if p, ok := evt.Payload.(Progress); ok {
				progress = append(progress, p)
			}
		case <-timeout:
			t.Fatalf("got events %v, want 6", kinds)
		}
	}

	want := []string{
		bus.KindStateChanged, bus.KindRunStarted,
		bus.KindProgress, bus.KindProgress,
		bus.KindRunCompleted, bus.KindStateChanged,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	wantProgress := []Progress{
		{Total: 2, Completed: 0, CurrentID: "A", Percentage: 0},
		{Total: 2, Completed: 1, CurrentID: "B", Percentage: 50},
	}
	if !reflect.DeepEqual(progress, wantProgress) {
		t.Errorf("progress = %+v, want %+v", progress, wantProgress)
	}
}

func TestSyncPullsRemoteChanges(t *testing.T) {
	h := newHarness(t, Options{Pull: true})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	h.rs.Put(record.Record{ID: "p1", UpdatedAt: base, Content: map[string]any{"title": "from web"}})
	h.rs.Put(record.Record{ID: "p2", UpdatedAt: base.Add(time.Second)})
	h.enqueue(t, queue.Create, titled("mine", "local"))

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 2 || res.Uploaded != 1 {
		t.Errorf("result = %+v, want 2 downloaded, 1 uploaded", res)
	}
	got, err := h.db.GetRecord(ctx, "p1")
	if err != nil || got.Title() != "from web" {
		t.Errorf("local p1 = %+v, %v", got, err)
	}

	res, err = h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 0 {
		t.Errorf("second run downloaded %d, want 0", res.Downloaded)
	}
}

func TestSyncPullFailureIsContained(t *testing.T) {
	h := newHarness(t, Options{Pull: true})
	h.enqueue(t, queue.Create, titled("x", "x"))
	h.o.SetRemote(listFailRemote{h.rs})

	res, err := h.o.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 || res.Errors != 1 {
		t.Errorf("result = %+v, want uploaded:1 errors:1", res)
	}
}

type listFailRemote struct{ *fakeRemote }

func (listFailRemote) ListUpdatedSince(context.Context, time.Time) ([]record.Record, error) {
	return nil, &remote.TransientError{Op: "list", Err: errors.New("timeout")}
}

// brokenLocal fails every write to the local store.
type brokenLocal struct{ *store.DB }

func (brokenLocal) PutRecord(context.Context, record.Record) error {
	return errors.New("disk I/O error")
}

func TestSyncLocalFaultAbortsRun(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, queue.Create, titled("x", "x"))
	o, err := New(context.Background(), Deps{Queue: h.q, Local: brokenLocal{h.db}, Remote: h.rs, Bus: h.bus}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	failed, unsub := h.bus.Subscribe(string(bus.KindRunFailed), 1)
	defer unsub()

	if _, err := o.Sync(context.Background()); err == nil {
		t.Fatal("Sync succeeded despite local store failure")
	}
	if o.machine.Current() != status.Idle {
		t.Errorf("state = %s after fault, want IDLE", o.machine.Current())
	}
	select {
	case evt := <-failed:
		if rf, ok := evt.Payload.(RunFailure); !ok || rf.Err == "" {
			t.Errorf("run failed payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no run failed event")
	}
}

func TestResolveConflictCallerDriven(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.rs.Put(record.Record{ID: "x", UpdatedAt: time.Now(), Content: map[string]any{"title": "remote"}})
	h.db.PutRecord(ctx, record.Record{ID: "x", UpdatedAt: time.Now().Add(-time.Hour), Content: map[string]any{"title": "local"}})

	got, err := h.o.ResolveConflict(ctx, "x", conflict.UseRemote)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title() != "remote" {
		t.Errorf("resolved title = %q, want remote", got.Title())
	}
	local, _ := h.db.GetRecord(ctx, "x")
	if local.Title() != "remote" {
		t.Errorf("local title = %q, want remote", local.Title())
	}
	if calls := h.rs.callLog(); len(calls) != 0 {
		t.Errorf("UseRemote wrote to remote: %v", calls)
	}

	got, err = h.o.ResolveConflict(ctx, "x", conflict.UseLocal)
	if err != nil {
		t.Fatal(err)
	}
	remoteX, _ := h.rs.Get(ctx, "x")
	if !remoteX.UpdatedAt.Equal(got.UpdatedAt) {
		t.Errorf("remote %v and resolved %v disagree", remoteX.UpdatedAt, got.UpdatedAt)
	}
	if h.o.machine.Current() != status.Idle {
		t.Errorf("state = %s after resolve, want IDLE", h.o.machine.Current())
	}
	if _, err := h.o.Sync(ctx); err != nil {
		t.Errorf("Sync after resolve: %v", err)
	}
}

func TestCheckpointsSurviveRestart(t *testing.T) {
	h := newHarness(t, Options{Pull: true})
	h.rs.Put(record.Record{ID: "p", UpdatedAt: time.Now().Add(-time.Second)})
	if _, err := h.o.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	last := h.o.LastSyncAt()
	if last.IsZero() {
		t.Fatal("LastSyncAt zero after run")
	}

	o2, err := New(context.Background(), Deps{Queue: h.q, Local: h.db, Remote: h.rs, Checkpoints: NewReconciler(h.db, nil)}, Options{Pull: true})
	if err != nil {
		t.Fatal(err)
	}
	if !o2.LastSyncAt().Equal(last) {
		t.Errorf("restored LastSyncAt = %v, want %v", o2.LastSyncAt(), last)
	}
	res, err := o2.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 0 {
		t.Errorf("downloaded %d after restart, want 0 (watermark restored)", res.Downloaded)
	}
}

// editFailRemote fails the first n updates whose payload carries title.
type editFailRemote struct {
	*fakeRemote
	title string
	n     int
}

func (f *editFailRemote) Update(ctx context.Context, id string, partial record.Record, expected time.Time) (record.Record, error) {
	if partial.Title() == f.title && f.n > 0 {
		f.n--
		return record.Record{}, &remote.TransientError{Op: "update", ID: id, Err: errors.New("503 service unavailable")}
	}
	return f.fakeRemote.Update(ctx, id, partial, expected)
}

func TestSyncSameRecordEditsApplyInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Pull: true})
	t0 := record.Millis(time.Now().Add(-time.Hour))
	h.rs.Put(record.Record{ID: "x", UpdatedAt: t0, Content: map[string]any{"title": "v0"}})
	if err := h.db.PutRecord(ctx, record.Record{ID: "x", UpdatedAt: t0, Content: map[string]any{"title": "v3"}}); err != nil {
		t.Fatal(err)
	}
	h.enqueue(t, queue.Update, titled("x", "v1"), queue.WithBaseUpdatedAt(t0))
	h.enqueue(t, queue.Update, titled("x", "v2"), queue.WithBaseUpdatedAt(t0))
	h.enqueue(t, queue.Update, titled("x", "v3"), queue.WithBaseUpdatedAt(t0))

	// v2 fails once; v3 must not overtake it.
	h.o.SetRemote(&editFailRemote{fakeRemote: h.rs, title: "v2", n: 1})

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 || res.Conflicts != 0 {
		t.Errorf("first run = %+v, want uploaded:1 conflicts:0", res)
	}
	snap := h.q.Snapshot()
	if len(snap) != 2 || snap[0].Payload.Title() != "v2" || snap[1].Payload.Title() != "v3" {
		t.Fatalf("queue after first run = %+v, want v2 then v3", snap)
	}
	for _, it := range snap {
		if !it.BaseUpdatedAt.After(t0) {
			t.Errorf("%s base = %v, want moved past %v", it.Payload.Title(), it.BaseUpdatedAt, t0)
		}
	}
	local, _ := h.db.GetRecord(ctx, "x")
	if local.Title() != "v3" {
		t.Errorf("local title = %q while edits are queued, want v3", local.Title())
	}

	res, err = h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 2 || res.Conflicts != 0 {
		t.Errorf("second run = %+v, want uploaded:2 conflicts:0", res)
	}
	remoteX, _ := h.rs.Get(ctx, "x")
	local, _ = h.db.GetRecord(ctx, "x")
	if remoteX.Title() != "v3" || local.Title() != "v3" || remoteX.Merged {
		t.Errorf("remote = %+v, local = %+v, want unmerged v3", remoteX, local)
	}
	if calls := h.rs.callLog(); !reflect.DeepEqual(calls, []string{"update x", "update x", "update x"}) {
		t.Errorf("remote calls = %v", calls)
	}
}

func TestSyncPullFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Pull: true})
	// Written by another device before our upload reaches the remote.
	h.rs.Put(record.Record{ID: "other", UpdatedAt: time.Now().Add(-time.Second), Content: map[string]any{"title": "theirs"}})
	h.enqueue(t, queue.Create, titled("mine", "ours"))

	h.o.SetRemote(listFailRemote{h.rs})
	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 1 || res.Errors != 1 {
		t.Fatalf("first run = %+v, want uploaded:1 errors:1", res)
	}

	h.o.SetRemote(h.rs)
	res, err = h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 1 {
		t.Errorf("second run = %+v, want downloaded:1", res)
	}
	got, err := h.db.GetRecord(ctx, "other")
	if err != nil || got.Title() != "theirs" {
		t.Errorf("local other = %+v, %v", got, err)
	}

	cp, err := NewReconciler(h.db, nil).Checkpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Watermark.IsZero() {
		t.Error("watermark not saved after a successful pull")
	}
}

func TestSyncWatermarkStaysBelowHeldRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Pull: true})
	t0 := record.Millis(time.Now().Add(-time.Hour))
	remoteAt := record.Millis(time.Now().Add(-time.Minute))
	h.rs.Put(record.Record{ID: "x", UpdatedAt: remoteAt, Content: map[string]any{"title": "remote"}})
	h.rs.Put(record.Record{ID: "y", UpdatedAt: remoteAt.Add(time.Second), Content: map[string]any{"title": "other"}})
	h.rs.failures["x"] = 1
	h.enqueue(t, queue.Update, titled("x", "local"), queue.WithBaseUpdatedAt(t0))

	res, err := h.o.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 1 || h.q.Len() != 1 {
		t.Fatalf("result = %+v, queue len %d, want y downloaded and x still queued", res, h.q.Len())
	}
	cp, err := NewReconciler(h.db, nil).Checkpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Watermark.Before(remoteAt) {
		t.Errorf("watermark = %v, want below held record at %v", cp.Watermark, remoteAt)
	}
}
