package remote

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/offsync/internal/record"
)

// MemoryStore is an in-process Store. It backs the reference server's
// memory mode and the engine tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record.Record
	now     func() time.Time
}

// NewMemoryStore returns an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[string]record.Record), now: now}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, r record.Record) (record.Record, error) {
	if r.ID == "" {
		return record.Record{}, fmt.Errorf("create: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.records[r.ID]; ok {
		return record.Record{}, &ConflictError{ID: r.ID, Remote: cur.Clone()}
	}
	r = r.Clone()
	r.UpdatedAt = NextUpdatedAt(m.now(), time.Time{})
	m.records[r.ID] = r
	return r.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, partial record.Record, expectedUpdatedAt time.Time) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok {
		return record.Record{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if !expectedUpdatedAt.IsZero() && cur.UpdatedAt.After(record.Millis(expectedUpdatedAt)) {
		return record.Record{}, &ConflictError{ID: id, Remote: cur.Clone()}
	}
	partial.ID = id
	next := cur.Overlay(partial)
	next.Merged = partial.Merged
	next.MergedAt = partial.MergedAt
	next.UpdatedAt = NextUpdatedAt(m.now(), cur.UpdatedAt)
	m.records[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[id]
	if !ok {
		return record.Record{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return cur.Clone(), nil
}

func (m *MemoryStore) ListUpdatedSince(_ context.Context, since time.Time) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []record.Record
	for _, r := range m.records {
		if r.UpdatedAt.After(since) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b record.Record) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Put stores r verbatim, bypassing version checks. Used to seed fixtures.
func (m *MemoryStore) Put(r record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r = r.Clone()
	r.UpdatedAt = record.Millis(r.UpdatedAt)
	m.records[r.ID] = r
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
