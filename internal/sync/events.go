package sync

import (
	"time"

	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
)

// RunResult is the outcome of one run. It is carried by the RunCompleted
// event and returned from Sync.
type RunResult struct {
	Uploaded   int          `json:"uploaded"`
	Downloaded int          `json:"downloaded"`
	Conflicts  int          `json:"conflicts"`
	Errors     int          `json:"errors"`
	DurationMs int64        `json:"duration_ms"`
	Failed     []FailedItem `json:"failed,omitempty"`
}

// FailedItem describes a queue item dropped after exhausting its retries.
type FailedItem struct {
	Seq      int64        `json:"seq"`
	ID       string       `json:"id"`
	Action   queue.Action `json:"action"`
	Attempts int          `json:"attempts"`
	Err      string       `json:"error"`
}

// RunStarted is the payload of bus.KindRunStarted.
type RunStarted struct {
	Total     int       `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

// Progress is the payload of bus.KindProgress, emitted before each item.
type Progress struct {
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	CurrentID  string `json:"current_id"`
	Percentage int    `json:"percentage"`
}

// RunFailure is the payload of bus.KindRunFailed.
type RunFailure struct {
	Err     string    `json:"error"`
	Partial RunResult `json:"partial"`
}

// ConflictResolved is the payload of bus.KindConflictDetected.
type ConflictResolved struct {
	ID       string          `json:"id"`
	Policy   conflict.Policy `json:"policy"`
	Source   string          `json:"source"` // "upload", "pull" or "caller"
	Resolved record.Record   `json:"resolved"`
}
