package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/offsync/internal/queue"
	"github.com/matheus3301/offsync/internal/record"
)

var _ queue.Persister = (*DB)(nil)

// LoadQueue returns the persisted sync queue in enqueue order.
func (db *DB) LoadQueue(ctx context.Context) ([]queue.Item, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, record_id, action, payload, base_updated_at, enqueued_at, attempt_count, last_error
		FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sync queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []queue.Item
	for rows.Next() {
		var (
			it               queue.Item
			action, payload  string
			baseMs, enqueued int64
		)
		if err := rows.Scan(&it.Seq, &it.ID, &action, &payload, &baseMs, &enqueued, &it.AttemptCount, &it.LastError); err != nil {
			return nil, err
		}
		if it.Action, err = queue.ParseAction(action); err != nil {
			return nil, fmt.Errorf("queue item %d: %w", it.Seq, err)
		}
		if it.Payload, err = record.Unmarshal([]byte(payload)); err != nil {
			return nil, fmt.Errorf("queue item %d: %w", it.Seq, err)
		}
		it.BaseUpdatedAt = fromMillis(baseMs)
		it.EnqueuedAt = fromMillis(enqueued)
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveQueue replaces the persisted queue with items in a single transaction.
func (db *DB) SaveQueue(ctx context.Context, items []queue.Item) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("clear sync queue: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_queue (seq, record_id, action, payload, base_updated_at, enqueued_at, attempt_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, it := range items {
		payload, err := record.Marshal(it.Payload)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, it.Seq, it.ID, string(it.Action), string(payload),
			toMillis(it.BaseUpdatedAt), toMillis(it.EnqueuedAt), it.AttemptCount, it.LastError); err != nil {
			return fmt.Errorf("insert queue item %d: %w", it.Seq, err)
		}
	}
	return tx.Commit()
}
