// Package remote defines the remote record store the sync engine reconciles
// against, and the error taxonomy its transports report.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/offsync/internal/record"
)

// ErrNotFound is returned by Get and Update when the remote has no record
// with the given id.
var ErrNotFound = errors.New("remote record not found")

// Store is a remote record store keyed by record id. Every stored record
// carries an updated_at assigned by the store.
type Store interface {
	Create(ctx context.Context, r record.Record) (record.Record, error)
	// Update applies partial on top of the stored record. A non-zero
	// expectedUpdatedAt makes the update conditional: if the stored record
	// is newer, a *ConflictError carrying the stored record is returned.
	Update(ctx context.Context, id string, partial record.Record, expectedUpdatedAt time.Time) (record.Record, error)
	// Delete is idempotent: deleting a missing record succeeds.
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (record.Record, error)
	// ListUpdatedSince returns records with updated_at strictly after since,
	// oldest first.
	ListUpdatedSince(ctx context.Context, since time.Time) ([]record.Record, error)
	// Ping reports whether the store is reachable at all.
	Ping(ctx context.Context) error
}

// ConflictError reports that the remote copy diverged from the version a
// mutation was based on.
type ConflictError struct {
	ID     string
	Remote record.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: remote updated at %s",
		e.ID, e.Remote.UpdatedAt.Format(time.RFC3339Nano))
}

// TransientError is a network or server fault worth retrying later.
type TransientError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransientError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AsConflict returns the conflict carried by err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	_, ok := AsConflict(err)
	return ok
}

// IsTransient reports whether err is worth retrying on a later run. Context
// deadlines count as transient: they are how per-item timeouts surface.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// NextUpdatedAt returns the updated_at a store assigns to a new version: the
// current time, but always at least one millisecond past prev.
func NextUpdatedAt(now, prev time.Time) time.Time {
	now = record.Millis(now)
	if prev.IsZero() {
		return now
	}
	if floor := record.Millis(prev).Add(time.Millisecond); now.Before(floor) {
		return floor
	}
	return now
}
