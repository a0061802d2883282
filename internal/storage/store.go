// Package storage persists learner checkpoints and per-run episode
// aggregates. Backends: in-memory (default) and SQLite behind the `sqlite`
// build tag.
package storage

import (
	"context"

	"tracerl/internal/model"
)

// Store defines the persistence operations of the training pipeline.
// Checkpoints are keyed by run id; Latest returns the newest checkpoint
// across all saves for a run.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
}
