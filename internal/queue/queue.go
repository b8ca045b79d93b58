package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/record"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of failed remote applications after which
// an item is dropped.
const DefaultMaxRetries = 3

// ErrNotFound is returned when no live item has the given sequence number.
var ErrNotFound = errors.New("queue item not found")

// Options configures a Queue.
type Options struct {
	MaxRetries int
	Bus        *bus.Bus
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Queue is the ordered list of pending mutations. Every mutation is flushed
// to the Persister before the call returns. The mutex is held across the
// flush so the persisted order always matches the in-memory order.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	nextSeq    int64
	store      Persister
	maxRetries int
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// Open restores the queue from store. A nil store gives a memory-only queue.
func Open(ctx context.Context, store Persister, opts Options) (*Queue, error) {
	q := &Queue{
		store:      store,
		maxRetries: opts.MaxRetries,
		bus:        opts.Bus,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
		nextSeq:    1,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = uuid.NewString
	}

	if store != nil {
		items, err := store.LoadQueue(ctx)
		if err != nil {
			return nil, fmt.Errorf("load queue: %w", err)
		}
		q.items = items
		for _, it := range items {
			if it.Seq >= q.nextSeq {
				q.nextSeq = it.Seq + 1
			}
		}
		if len(items) > 0 {
			q.logger.Info("queue restored", zap.Int("items", len(items)))
		}
	}
	return q, nil
}

// MaxRetries returns the retry budget per item.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*Item)

// WithBaseUpdatedAt records the remote updated_at an update was based on.
func WithBaseUpdatedAt(t time.Time) EnqueueOption {
	return func(it *Item) { it.BaseUpdatedAt = record.Millis(t) }
}

// Enqueue appends a mutation. The payload id is used as the record id, or a
// new one is generated. A persistence failure is logged and the in-memory
// item is kept; the only returned errors are for invalid input.
func (q *Queue) Enqueue(ctx context.Context, action Action, payload record.Record, opts ...EnqueueOption) (Item, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Item{}, err
	}
	if payload.ID == "" {
		if action != Create {
			return Item{}, fmt.Errorf("%s requires a record id", action)
		}
		payload.ID = q.newID()
	}

	q.mu.Lock()
	it := Item{
		Seq:        q.nextSeq,
		ID:         payload.ID,
		Action:     action,
		Payload:    payload.Clone(),
		EnqueuedAt: record.Millis(q.now()),
	}
	for _, opt := range opts {
		opt(&it)
	}
	q.nextSeq++
	q.items = append(q.items, it)
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist queue after enqueue; item kept in memory",
			zap.Error(err), zap.Int64("seq", it.Seq), zap.String("record_id", it.ID))
	}
	q.mu.Unlock()

	q.logger.Debug("enqueued", zap.String("action", string(action)), zap.Int64("seq", it.Seq), zap.String("record_id", it.ID))
	q.bus.Publish(bus.Event{Kind: bus.KindItemEnqueued, Payload: it.clone()})
	return it.clone(), nil
}

// DequeueProcessed removes an item after it was applied remotely.
func (q *Queue) DequeueProcessed(ctx context.Context, seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(seq)
	if idx < 0 {
		return fmt.Errorf("dequeue %d: %w", seq, ErrNotFound)
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if err := q.persistLocked(ctx); err != nil {
		return fmt.Errorf("persist after dequeue %d: %w", seq, err)
	}
	return nil
}

// MarkFailed records a failed remote application. Once the attempt count
// reaches the retry budget the item is removed and dropped is true; the
// returned item carries the final attempt count either way.
func (q *Queue) MarkFailed(ctx context.Context, seq int64, cause error) (it Item, dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(seq)
	if idx < 0 {
		return Item{}, false, fmt.Errorf("mark failed %d: %w", seq, ErrNotFound)
	}
	q.items[idx].AttemptCount++
	if cause != nil {
		q.items[idx].LastError = cause.Error()
	}
	it = q.items[idx].clone()

	if it.AttemptCount >= q.maxRetries {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		dropped = true
		q.logger.Warn("dropping item after exhausting retries",
			zap.Int64("seq", seq), zap.String("record_id", it.ID),
			zap.Int("attempts", it.AttemptCount), zap.String("last_error", it.LastError))
	} else {
		q.logger.Info("item failed, will retry next run",
			zap.Int64("seq", seq), zap.String("record_id", it.ID),
			zap.Int("attempts", it.AttemptCount), zap.Int("max_retries", q.maxRetries))
	}

	if perr := q.persistLocked(ctx); perr != nil {
		return it, dropped, fmt.Errorf("persist after failure of %d: %w", seq, perr)
	}
	return it, dropped, nil
}

// Rebase moves the base version of every live item for id enqueued after
// seq forward to base. It is called once an earlier item for the same record
// was written remotely, so that write is not seen as a foreign change.
func (q *Queue) Rebase(ctx context.Context, id string, seq int64, base time.Time) error {
	base = record.Millis(base)
	q.mu.Lock()
	defer q.mu.Unlock()

	changed := 0
	for i := range q.items {
		it := &q.items[i]
		if it.ID != id || it.Seq <= seq || !it.BaseUpdatedAt.Before(base) {
			continue
		}
		it.BaseUpdatedAt = base
		changed++
	}
	if changed == 0 {
		return nil
	}
	if err := q.persistLocked(ctx); err != nil {
		return fmt.Errorf("persist after rebase of %s: %w", id, err)
	}
	return nil
}

// Snapshot returns a copy of the pending items in enqueue order. Items
// enqueued after the call are not part of the returned slice.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// Get returns a copy of the live item with the given sequence number.
func (q *Queue) Get(seq int64) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if idx := q.indexLocked(seq); idx >= 0 {
		return q.items[idx].clone(), true
	}
	return Item{}, false
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every pending item.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	err := q.persistLocked(ctx)
	q.mu.Unlock()

	q.logger.Info("queue cleared", zap.Int("dropped", n))
	q.bus.Publish(bus.Event{Kind: bus.KindQueueCleared, Payload: n})
	if err != nil {
		return fmt.Errorf("persist after clear: %w", err)
	}
	return nil
}

func (q *Queue) indexLocked(seq int64) int {
	for i := range q.items {
		if q.items[i].Seq == seq {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	items := make([]Item, len(q.items))
	copy(items, q.items)
	return q.store.SaveQueue(ctx, items)
}
