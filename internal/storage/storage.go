package storage

import (
	"context"
	"time"

	"github.com/dshills/escarabajo/pkg/types"
)

// Storage persists the history of sync runs
type Storage interface {
	// RecordRun stores a run and its per-source results atomically
	RecordRun(ctx context.Context, run *Run) error

	// GetRun returns a run with its results
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs, newest first, without results
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// SourceHistory returns the most recent results for one source
	SourceHistory(ctx context.Context, source string, limit int) ([]RunResult, error)

	// PruneRuns deletes all but the newest keep runs
	PruneRuns(ctx context.Context, keep int) (int, error)

	Close() error
}

// Run is one batch operation
type Run struct {
	ID         string
	Operation  string // scan, sync_all, sync_paths, ensure_one, purge
	StartedAt  time.Time
	FinishedAt time.Time
	Counts     types.Counts
	Canceled   bool
	Error      string // structural failure that aborted the batch
	Results    []RunResult
}

// Duration returns how long the run took
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunResult is the outcome of one source within a run
type RunResult struct {
	RunID      string
	Source     string
	Artifact   string
	Status     types.Status
	Reason     string
	DurationMS int64
	At         time.Time // when the run finished
}
