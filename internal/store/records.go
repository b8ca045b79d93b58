package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/offsync/internal/record"
)

// ErrRecordNotFound is returned when no local copy exists for an id.
var ErrRecordNotFound = errors.New("record not found")

// GetRecord returns the local copy of a record.
func (db *DB) GetRecord(ctx context.Context, id string) (record.Record, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return record.Unmarshal([]byte(data))
}

// PutRecord inserts or replaces the local copy of a record.
func (db *DB) PutRecord(ctx context.Context, r record.Record) error {
	if r.ID == "" {
		return errors.New("put record: empty id")
	}
	data, err := record.Marshal(r)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO records (id, updated_at, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data`,
		r.ID, toMillis(r.UpdatedAt), string(data))
	if err != nil {
		return fmt.Errorf("put record %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRecord removes the local copy of a record. Missing ids are not an error.
func (db *DB) DeleteRecord(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// ListRecords returns local copies updated strictly after since, oldest
// first. A zero since lists everything. A limit of 0 means no limit.
func (db *DB) ListRecords(ctx context.Context, since time.Time, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT data FROM records WHERE updated_at > ?
		ORDER BY updated_at ASC, id ASC LIMIT ?`, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []record.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := record.Unmarshal([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
