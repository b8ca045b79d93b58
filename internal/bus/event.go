package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter on the
// namespace prefix ("sync.", "queue.").
const (
	KindStateChanged     = "sync.state_changed"
	KindRunStarted       = "sync.run_started"
	KindProgress         = "sync.progress"
	KindRunCompleted     = "sync.run_completed"
	KindRunFailed        = "sync.run_failed"
	KindConflictDetected = "sync.conflict_detected"
	KindItemDropped      = "sync.item_dropped"

	KindItemEnqueued = "queue.item_enqueued"
	KindQueueCleared = "queue.cleared"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
