package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/offsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys in sync_state.
const (
	checkpointLastSync  = "last_sync_at"
	checkpointWatermark = "pull_watermark"
)

// Checkpointer persists the run checkpoints across restarts.
type Checkpointer interface {
	Checkpoints(ctx context.Context) (Checkpoints, error)
	SaveCheckpoints(ctx context.Context, cp Checkpoints) error
}

// Checkpoints are the values that survive a restart. LastSyncAt is the local
// time the last run completed. Watermark is the highest remote updated_at a
// successful pull has listed, used as the lower bound of the next pull.
type Checkpoints struct {
	LastSyncAt time.Time
	Watermark  time.Time
}

// Reconciler manages sync checkpoints in the profile database.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key string, t time.Time) error {
	return r.db.SetState(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// GetCheckpoint retrieves a sync checkpoint value. Unset keys yield the zero
// time.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := r.db.GetState(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return t, nil
}

// Checkpoints loads both checkpoints.
func (r *Reconciler) Checkpoints(ctx context.Context) (Checkpoints, error) {
	var cp Checkpoints
	var err error
	if cp.LastSyncAt, err = r.GetCheckpoint(ctx, checkpointLastSync); err != nil {
		return cp, err
	}
	if cp.Watermark, err = r.GetCheckpoint(ctx, checkpointWatermark); err != nil {
		return cp, err
	}
	return cp, nil
}

// SaveCheckpoints stores both checkpoints. Zero values are skipped.
func (r *Reconciler) SaveCheckpoints(ctx context.Context, cp Checkpoints) error {
	if !cp.LastSyncAt.IsZero() {
		if err := r.UpdateCheckpoint(ctx, checkpointLastSync, cp.LastSyncAt); err != nil {
			return err
		}
	}
	if !cp.Watermark.IsZero() {
		if err := r.UpdateCheckpoint(ctx, checkpointWatermark, cp.Watermark); err != nil {
			return err
		}
	}
	r.logger.Debug("checkpoints saved", zap.Time("last_sync_at", cp.LastSyncAt), zap.Time("watermark", cp.Watermark))
	return nil
}
