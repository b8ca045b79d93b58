// Package pgstore is a Postgres-backed remote.Store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/record"
	"github.com/matheus3301/offsync/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS remote_records (
    id         TEXT   PRIMARY KEY,
    updated_at BIGINT NOT NULL,
    data       JSONB  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remote_records_updated_at ON remote_records (updated_at);
`

// Store implements remote.Store on a pgx pool. Versions are compared on
// updated_at in milliseconds, and conditional updates lock the row.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

var _ remote.Store = (*Store)(nil)

// Open connects to dsn and creates the table if needed.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	logger.Info("postgres remote store ready")
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Create(ctx context.Context, r record.Record) (record.Record, error) {
	if r.ID == "" {
		return record.Record{}, errors.New("create: empty id")
	}
	var out record.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, found, err := s.lockRow(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if found {
			return &remote.ConflictError{ID: r.ID, Remote: cur}
		}
		out = r.Clone()
		out.UpdatedAt = remote.NextUpdatedAt(s.now(), time.Time{})
		return s.write(ctx, tx, out)
	})
	return out, s.classify("create", r.ID, err)
}

func (s *Store) Update(ctx context.Context, id string, partial record.Record, expectedUpdatedAt time.Time) (record.Record, error) {
	var out record.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, found, err := s.lockRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("update %s: %w", id, remote.ErrNotFound)
		}
		if !expectedUpdatedAt.IsZero() && cur.UpdatedAt.After(record.Millis(expectedUpdatedAt)) {
			return &remote.ConflictError{ID: id, Remote: cur}
		}
		partial.ID = id
		out = cur.Overlay(partial)
		out.Merged = partial.Merged
		out.MergedAt = partial.MergedAt
		out.UpdatedAt = remote.NextUpdatedAt(s.now(), cur.UpdatedAt)
		return s.write(ctx, tx, out)
	})
	return out, s.classify("update", id, err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM remote_records WHERE id = $1`, id)
	return s.classify("delete", id, err)
}

func (s *Store) Get(ctx context.Context, id string) (record.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM remote_records WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Record{}, fmt.Errorf("get %s: %w", id, remote.ErrNotFound)
	}
	if err != nil {
		return record.Record{}, s.classify("get", id, err)
	}
	return record.Unmarshal(data)
}

func (s *Store) ListUpdatedSince(ctx context.Context, since time.Time) ([]record.Record, error) {
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM remote_records WHERE updated_at > $1
		ORDER BY updated_at ASC, id ASC`, sinceMs)
	if err != nil {
		return nil, s.classify("list", "", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := record.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("list", "", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.classify("ping", "", s.pool.Ping(ctx))
}

func (s *Store) lockRow(ctx context.Context, tx pgx.Tx, id string) (record.Record, bool, error) {
	var data []byte
	err := tx.QueryRow(ctx, `SELECT data FROM remote_records WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	r, err := record.Unmarshal(data)
	return r, true, err
}

func (s *Store) write(ctx context.Context, tx pgx.Tx, r record.Record) error {
	data, err := record.Marshal(r)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO remote_records (id, updated_at, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at, data = EXCLUDED.data`,
		r.ID, r.UpdatedAt.UnixMilli(), string(data))
	return err
}

// classify passes domain errors through and turns database faults into
// transient errors.
func (s *Store) classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if remote.IsConflict(err) || errors.Is(err, remote.ErrNotFound) {
		return err
	}
	s.logger.Warn("postgres remote error", zap.String("op", op), zap.String("record_id", id), zap.Error(err))
	return &remote.TransientError{Op: op, ID: id, Err: err}
}
