// Package queue holds the durable, ordered buffer of local mutations waiting
// to be applied to the remote store.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/offsync/internal/record"
)

// Action is the kind of mutation a queue item carries.
type Action string

const (
	Create Action = "create"
	Update Action = "update"
	Delete Action = "delete"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case Create, Update, Delete:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q: must be create, update or delete", s)
	}
}

// Item is one pending mutation. Seq is assigned on enqueue and is unique
// within the queue; ID is the target record id and may repeat.
type Item struct {
	Seq           int64
	ID            string
	Action        Action
	Payload       record.Record
	BaseUpdatedAt time.Time // remote updated_at the mutation was based on
	EnqueuedAt    time.Time
	AttemptCount  int
	LastError     string
}

func (it Item) clone() Item {
	it.Payload = it.Payload.Clone()
	return it
}

// Persister is the durable backing for the queue. SaveQueue receives the full
// ordered list and must replace whatever was stored before.
type Persister interface {
	LoadQueue(ctx context.Context) ([]Item, error)
	SaveQueue(ctx context.Context, items []Item) error
}
