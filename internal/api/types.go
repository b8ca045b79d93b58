package api

import (
	"time"

	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
	intsync "github.com/matheus3301/offsync/internal/sync"
)

type EnqueueRequest struct {
	Action string        `json:"action"`
	Record record.Record `json:"record"`
}

// Item is the wire form of a queued mutation.
type Item struct {
	Seq           int64         `json:"seq"`
	ID            string        `json:"id"`
	Action        string        `json:"action"`
	Payload       record.Record `json:"payload"`
	BaseUpdatedAt time.Time     `json:"base_updated_at,omitzero"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	AttemptCount  int           `json:"attempt_count"`
	LastError     string        `json:"last_error,omitempty"`
}

func itemFromQueue(it queue.Item) Item {
	return Item{
		Seq:           it.Seq,
		ID:            it.ID,
		Action:        string(it.Action),
		Payload:       it.Payload,
		BaseUpdatedAt: it.BaseUpdatedAt,
		EnqueuedAt:    it.EnqueuedAt,
		AttemptCount:  it.AttemptCount,
		LastError:     it.LastError,
	}
}

type SyncResponse struct {
	Result intsync.RunResult `json:"result"`
}

type StatusResponse struct {
	Profile         string    `json:"profile"`
	IsSyncing       bool      `json:"is_syncing"`
	State           string    `json:"state"`
	LastSyncAt      time.Time `json:"last_sync_at,omitzero"`
	NextSyncAt      time.Time `json:"next_sync_at,omitzero"`
	PendingCount    int       `json:"pending_count"`
	AutoSyncEnabled bool      `json:"auto_sync_enabled"`
	IntervalMinutes int       `json:"interval_minutes"`
	EventsDropped   uint64    `json:"events_dropped"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
}

type SetAutoSyncRequest struct {
	Enabled bool `json:"enabled"`
}

type SetIntervalRequest struct {
	Minutes int `json:"minutes"`
}

type ResolveConflictRequest struct {
	ID     string `json:"id"`
	Policy string `json:"policy,omitempty"`
}

type RecordRequest struct {
	ID string `json:"id"`
}

type RecordResponse struct {
	Record record.Record `json:"record"`
}

type ListQueueResponse struct {
	Items []Item `json:"items"`
}

type ClearQueueResponse struct {
	Cleared int `json:"cleared"`
}

type WatchRequest struct {
	// Prefix filters event kinds; empty means every kind.
	Prefix string `json:"prefix,omitempty"`
}

// EventEnvelope wraps one bus event for streaming.
type EventEnvelope struct {
	EventID    string    `json:"event_id"`
	Profile    string    `json:"profile"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       string    `json:"kind"`
	Payload    any       `json:"payload,omitempty"`
}
