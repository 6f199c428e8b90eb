package kb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/escarabajo/internal/config"
	"github.com/dshills/escarabajo/internal/discovery"
	"github.com/dshills/escarabajo/internal/ledger"
	"github.com/dshills/escarabajo/internal/orchestrator"
	"github.com/dshills/escarabajo/internal/storage"
	"github.com/dshills/escarabajo/internal/telemetry"
	"github.com/dshills/escarabajo/pkg/types"
)

// Operation names recorded in logs, metrics and run history
const (
	OpSyncAll   = "sync_all"
	OpSyncPaths = "sync_paths"
	OpEnsureOne = "ensure_one"
	OpPurge     = "purge"
)

// ScanOptions overrides the configured globs for one call
type ScanOptions struct {
	Globs        []string
	ExcludeGlobs []string
}

// SyncOptions configures SyncAll
type SyncOptions struct {
	ScanOptions
	OCR *bool // nil uses the configured value
}

// Report is the result of a batch sync
type Report struct {
	RunID string `json:"run_id"`
	types.Counts
	OutPaths []string        `json:"out_paths"`
	Results  []types.Outcome `json:"results"`
}

// Scan returns the SourceKeys that match the configured or overridden globs
func (s *Service) Scan(ctx context.Context, opts ScanOptions) ([]string, error) {
	eng := s.current()
	scanner, err := eng.scannerFor(opts)
	if err != nil {
		return nil, err
	}
	return scanner.Scan(ctx)
}

// scannerFor returns the configured scanner or one built from overrides
func (e *engine) scannerFor(opts ScanOptions) (*discovery.Scanner, error) {
	if len(opts.Globs) == 0 && len(opts.ExcludeGlobs) == 0 {
		return e.scanner, nil
	}
	include := opts.Globs
	if len(include) == 0 {
		include = e.cfg.Globs
	}
	exclude := opts.ExcludeGlobs
	if len(exclude) == 0 {
		exclude = e.cfg.ExcludeGlobs
	}
	return discovery.New(e.mapper.RepoRoot(), discovery.Options{
		Include:          include,
		Exclude:          exclude,
		RespectGitignore: e.cfg.RespectGitignore,
		SkipDirs:         skipDirs(e.paths),
	})
}

// skipDirs lists the directories discovery never descends into
func skipDirs(paths config.Paths) []string {
	return []string{".git", config.DirName, paths.KBRel}
}

// SyncAll discovers every source and brings its artifact up to date
func (s *Service) SyncAll(ctx context.Context, opts SyncOptions) (*Report, error) {
	eng := s.current()

	scanner, err := eng.scannerFor(opts.ScanOptions)
	if err != nil {
		return nil, err
	}
	keys, err := scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}

	return s.run(ctx, eng, OpSyncAll, keys, opts.OCR)
}

// SyncPaths brings the given sources up to date. Inputs may be absolute or
// repository-relative; duplicates are processed once. Inputs that do not
// name a source inside the repository get an error result in place.
func (s *Service) SyncPaths(ctx context.Context, paths []string, ocr *bool) (*Report, error) {
	eng := s.current()

	type item struct {
		key     string
		invalid *types.Outcome
	}
	items := make([]item, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	var keys []string

	for _, p := range paths {
		key, err := eng.mapper.Normalize(p)
		if err != nil {
			items = append(items, item{invalid: &types.Outcome{
				Source: p,
				Status: types.StatusError,
				Reason: err.Error(),
				Err:    err,
			}})
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, item{key: key})
		keys = append(keys, key)
	}

	rep, err := s.run(ctx, eng, OpSyncPaths, keys, ocr)
	if err != nil {
		return nil, err
	}

	// Interleave rejected inputs at their original positions
	results := make([]types.Outcome, 0, len(items))
	next := 0
	for _, it := range items {
		if it.invalid != nil {
			results = append(results, *it.invalid)
			continue
		}
		results = append(results, rep.Results[next])
		next++
	}
	rep.Results = results
	rep.Counts = types.Count(results)
	return rep, nil
}

// EnsureOne regenerates src if needed and returns the repository-relative
// artifact path. It never returns a stale or missing path: any failure is
// returned as a typed error.
func (s *Service) EnsureOne(ctx context.Context, src string, ocr *bool) (string, error) {
	eng := s.current()

	key, err := eng.mapper.Normalize(src)
	if err != nil {
		return "", err
	}

	rep, err := s.run(ctx, eng, OpEnsureOne, []string{key}, ocr)
	if err != nil {
		return "", err
	}

	out := rep.Results[0]
	if !out.OK() {
		if out.Err != nil {
			return "", out.Err
		}
		return "", fmt.Errorf("%w: %s", types.ErrExtractionFailed, out.Reason)
	}
	return out.Artifact, nil
}

// run processes keys as one batch and commits the ledger changes once
func (s *Service) run(ctx context.Context, eng *engine, operation string, keys []string, ocr *bool) (*Report, error) {
	runID := uuid.NewString()
	logger := telemetry.EnrichLogger(s.logger, runID, operation)

	ctx, span := telemetry.StartBatchSpan(ctx, operation, runID, len(keys))
	defer span.End()

	started := time.Now()
	logger.Debug("batch started", "sources", len(keys))

	rep, err := s.runBatch(ctx, eng, keys, ocr)
	finished := time.Now()

	run := &storage.Run{
		ID:         runID,
		Operation:  operation,
		StartedAt:  started,
		FinishedAt: finished,
		Canceled:   ctx.Err() != nil,
	}

	if err != nil {
		telemetry.EndSpanWithError(span, err)
		logger.Error("batch aborted", "error", err)
		run.Error = err.Error()
		s.recordRun(ctx, logger, run)
		return nil, err
	}

	rep.RunID = runID
	run.Counts = rep.Counts
	for _, out := range rep.Results {
		run.Results = append(run.Results, storage.RunResult{
			Source:     out.Source,
			Artifact:   out.Artifact,
			Status:     out.Status,
			Reason:     out.Reason,
			DurationMS: out.DurationMS,
		})
	}

	s.recorder.RecordBatch(ctx, operation, rep.Counts, finished.Sub(started))
	s.recordRun(ctx, logger, run)

	logger.Info("batch finished",
		"processed", rep.Processed,
		"ok", rep.OK,
		"skipped", rep.Skipped,
		"errors", rep.Errors,
		"duration_ms", finished.Sub(started).Milliseconds(),
	)
	return rep, nil
}

func (s *Service) runBatch(ctx context.Context, eng *engine, keys []string, ocr *bool) (*Report, error) {
	snapshot, err := eng.store.Load()
	if err != nil {
		return nil, err
	}

	batch, err := eng.orch.SyncMany(ctx, snapshot, keys, eng.syncOptions(ocr))
	if err != nil {
		return nil, err
	}

	// Finished sources are committed even when the caller gave up
	if len(batch.Entries()) > 0 {
		if _, err := eng.store.Commit(context.WithoutCancel(ctx), batch.Apply); err != nil {
			return nil, err
		}
	}

	return newReport(batch), nil
}

func newReport(batch *orchestrator.Batch) *Report {
	rep := &Report{
		Counts:   batch.Counts(),
		Results:  batch.Outcomes,
		OutPaths: []string{},
	}
	for _, out := range batch.Outcomes {
		if out.OK() && out.Artifact != "" {
			rep.OutPaths = append(rep.OutPaths, out.Artifact)
		}
	}
	return rep
}

// commitRemovals drops ledger entries in one atomic rewrite
func (s *Service) commitRemovals(ctx context.Context, eng *engine, logger *slog.Logger, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := eng.store.Commit(context.WithoutCancel(ctx), func(l *ledger.Ledger) error {
		removed := 0
		for _, k := range keys {
			if l.Remove(k) {
				removed++
			}
		}
		logger.Debug("ledger entries removed", "count", removed)
		return nil
	})
	return err
}

// Match reports whether key is a source under the current configuration
func (s *Service) Match(key string) bool {
	return s.current().scanner.Match(key)
}

// ExcludedDir reports whether discovery skips the repository-relative dir
func (s *Service) ExcludedDir(dir string) bool {
	return s.current().scanner.ExcludedDir(dir)
}
