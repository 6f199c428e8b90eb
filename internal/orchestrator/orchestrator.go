// Package orchestrator turns sources into cached artifacts. It owns the
// worker pool, per-source locking, change detection and atomic artifact
// writes, and hands ledger changes back to the caller to commit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/escarabajo/internal/detect"
	"github.com/dshills/escarabajo/internal/extract"
	"github.com/dshills/escarabajo/internal/fsutil"
	"github.com/dshills/escarabajo/internal/ledger"
	"github.com/dshills/escarabajo/internal/lock"
	"github.com/dshills/escarabajo/internal/pathmap"
	"github.com/dshills/escarabajo/internal/telemetry"
	"github.com/dshills/escarabajo/pkg/types"
)

// Extractors resolves the extractor for a source path
type Extractors interface {
	Lookup(path string) (extract.Extractor, bool)
}

// Config contains the collaborators of an Orchestrator
type Config struct {
	Mapper         *pathmap.Mapper
	Extractors     Extractors
	Locks          *lock.Manager // per-source locks
	Workers        int           // default: runtime.NumCPU()
	ExtractTimeout time.Duration // zero disables the bound
	Writer         fsutil.AtomicWriter
	Recorder       telemetry.Recorder
	Logger         *slog.Logger
	Now            func() time.Time
}

// Options are the per-call settings of SyncMany
type Options struct {
	Policy  detect.Policy
	Extract extract.Options
}

// Orchestrator runs extraction for batches of sources. A single
// Orchestrator coalesces concurrent work on the same source so that one
// extraction serves every caller.
type Orchestrator struct {
	mapper         *pathmap.Mapper
	extractors     Extractors
	locks          *lock.Manager
	workers        int
	extractTimeout time.Duration
	writer         fsutil.AtomicWriter
	recorder       telemetry.Recorder
	logger         *slog.Logger
	now            func() time.Time

	flight singleflight.Group
}

// New creates an Orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Mapper == nil {
		return nil, errors.New("path mapper is required")
	}
	if cfg.Extractors == nil {
		return nil, errors.New("extractors are required")
	}
	if cfg.Locks == nil {
		locks, err := lock.New(lock.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Locks = locks
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = telemetry.NoopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		mapper:         cfg.Mapper,
		extractors:     cfg.Extractors,
		locks:          cfg.Locks,
		workers:        cfg.Workers,
		extractTimeout: cfg.ExtractTimeout,
		writer:         cfg.Writer,
		recorder:       cfg.Recorder,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}, nil
}

// Locks returns the per-source lock manager
func (o *Orchestrator) Locks() *lock.Manager {
	return o.locks
}

// Batch is the result of SyncMany. Outcomes are in input order. The ledger
// changes are held until the caller commits them with Apply.
type Batch struct {
	Outcomes []types.Outcome
	entries  []ledger.Entry
}

// Counts tallies the batch outcomes
func (b *Batch) Counts() types.Counts {
	return types.Count(b.Outcomes)
}

// Entries returns the ledger entries produced by the batch
func (b *Batch) Entries() []ledger.Entry {
	out := make([]ledger.Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Apply upserts the batch entries into l
func (b *Batch) Apply(l *ledger.Ledger) error {
	for _, e := range b.entries {
		if err := l.Upsert(e); err != nil {
			return fmt.Errorf("apply %s: %w", e.Source, err)
		}
	}
	return nil
}

// result is what one source contributes to a batch
type result struct {
	outcome types.Outcome
	entry   *ledger.Entry
}

// SyncMany processes keys with bounded parallelism. snapshot is the ledger
// state used for change detection; it is only read. Per-source failures are
// reported in the outcomes. An error is returned only for failures that make
// the whole batch meaningless, such as an unwritable cache root.
//
// Sources not yet started when ctx is canceled get an error outcome
// wrapping types.ErrCanceled. Sources already holding their lock run to
// completion.
func (o *Orchestrator) SyncMany(ctx context.Context, snapshot *ledger.Ledger, keys []string, opts Options) (*Batch, error) {
	if snapshot == nil {
		snapshot = ledger.New()
	}
	if err := fsutil.EnsureDir(o.mapper.CacheRoot()); err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}

	results := make([]result, len(keys))

	g := new(errgroup.Group)
	g.SetLimit(o.workers)

	for i, key := range keys {
		if ctx.Err() != nil {
			results[i] = canceled(key, ctx.Err())
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = canceled(key, ctx.Err())
				return nil
			}
			results[i] = o.syncOne(ctx, snapshot, key, opts)
			return nil
		})
	}

	// Workers never return errors
	_ = g.Wait()

	batch := &Batch{Outcomes: make([]types.Outcome, len(results))}
	for i, r := range results {
		batch.Outcomes[i] = r.outcome
		if r.entry != nil {
			batch.entries = append(batch.entries, *r.entry)
		}
	}

	return batch, nil
}

// syncOne validates a key and runs its regeneration once per concurrent
// group of callers
func (o *Orchestrator) syncOne(ctx context.Context, snapshot *ledger.Ledger, key string, opts Options) result {
	if err := pathmap.ValidateKey(key); err != nil {
		return failed(key, "", err)
	}

	artifactRel, err := o.mapper.MapRel(key)
	if err != nil {
		return failed(key, "", err)
	}

	srcPath := filepath.Join(o.mapper.RepoRoot(), filepath.FromSlash(key))
	info, err := fsutil.Stat(srcPath)
	if err != nil {
		return failed(key, "", fmt.Errorf("%w: %v", types.ErrSourceNotFound, err))
	}
	if !info.Exists || info.IsDir {
		return failed(key, "", fmt.Errorf("%w: %s", types.ErrSourceNotFound, key))
	}

	ex, ok := o.extractors.Lookup(srcPath)
	if !ok {
		return failed(key, "", fmt.Errorf("%w: %s", types.ErrUnsupportedType, filepath.Ext(key)))
	}

	flightKey := fmt.Sprintf("%s|%s|%+v", key, opts.Policy, opts.Extract)
	for {
		v, _, shared := o.flight.Do(flightKey, func() (any, error) {
			return o.regenerate(ctx, snapshot, key, artifactRel, ex, opts), nil
		})
		r := v.(result)

		// A shared run that was canceled by another caller's context says
		// nothing about this caller.
		if shared && errors.Is(r.outcome.Err, types.ErrCanceled) && ctx.Err() == nil {
			continue
		}
		return r
	}
}

// regenerate runs under the source lock. Once the lock is held the work is
// detached from cancellation.
func (o *Orchestrator) regenerate(ctx context.Context, snapshot *ledger.Ledger, key, artifactRel string, ex extract.Extractor, opts Options) result {
	logger := o.logger.With("source", key)

	tok, err := o.locks.Acquire(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return canceled(key, ctx.Err())
		}
		logger.Warn("source lock not acquired", "error", err)
		return failed(key, "", err)
	}
	defer func() { _ = tok.Release() }()

	ctx = context.WithoutCancel(ctx)
	o.recorder.RecordLockWait(ctx, tok.Waited())

	ctx, span := telemetry.StartSourceSpan(ctx, key)
	start := o.now()

	r := o.process(ctx, logger, snapshot, key, artifactRel, ex, opts)

	elapsed := o.now().Sub(start)
	r.outcome.DurationMS = elapsed.Milliseconds()
	if r.entry != nil {
		r.entry.DurationMS = r.outcome.DurationMS
	}

	telemetry.EndSourceSpan(span, r.outcome)
	o.recorder.RecordExtraction(ctx, extract.Format(key), r.outcome.Status, elapsed)

	return r
}

func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, snapshot *ledger.Ledger, key, artifactRel string, ex extract.Extractor, opts Options) result {
	srcPath := filepath.Join(o.mapper.RepoRoot(), filepath.FromSlash(key))
	artPath, err := o.mapper.Map(key)
	if err != nil {
		return failed(key, "", err)
	}

	srcInfo, err := fsutil.Stat(srcPath)
	if err != nil || !srcInfo.Exists {
		return failed(key, "", fmt.Errorf("%w: %s", types.ErrSourceNotFound, key))
	}
	srcDigest, srcSize, err := fsutil.FileDigest(srcPath)
	if err != nil {
		return failed(key, "", fmt.Errorf("%w: %v", types.ErrSourceNotFound, err))
	}

	artInfo, err := fsutil.Stat(artPath)
	if err != nil {
		artInfo = fsutil.FileInfo{}
	}

	prev, hasPrev := snapshot.Get(key)
	var recorded string
	if hasPrev && prev.Status != types.StatusError {
		recorded = prev.SourceDigest
	}

	regenerate := detect.RequiresRegeneration(opts.Policy,
		detect.SourceMeta{ModTime: srcInfo.ModTime, Digest: srcDigest, RecordedDigest: recorded},
		detect.ArtifactMeta{Exists: artInfo.Exists && !artInfo.IsDir, ModTime: artInfo.ModTime},
	)

	entry := ledger.Entry{
		Source:        key,
		Artifact:      artifactRel,
		SourceModTime: srcInfo.ModTime.UTC(),
		SourceDigest:  srcDigest,
		SourceSize:    srcSize,
	}

	if !regenerate {
		if hasPrev && prev.Status != types.StatusError && prev.ArtifactDigest != "" {
			entry = prev
			entry.Artifact = artifactRel
			entry.SourceModTime = srcInfo.ModTime.UTC()
		} else {
			o.fillArtifact(&entry, artPath)
		}
		mt := artInfo.ModTime.UTC()
		entry.ArtifactModTime = &mt
		entry.Status = types.StatusSkipped
		entry.Reason = ""

		logger.Debug("source unchanged")
		return result{
			outcome: types.Outcome{Source: key, Artifact: artifactRel, Status: types.StatusSkipped},
			entry:   &entry,
		}
	}

	text, err := o.extract(ctx, ex, srcPath, opts.Extract)
	if err != nil {
		logger.Warn("extraction failed", "error", err)
		return o.errorResult(entry, artPath, err)
	}

	data := []byte(text)
	if err := o.writer.WriteFile(artPath, data); err != nil {
		logger.Error("artifact write failed", "artifact", artifactRel, "error", err)
		return o.errorResult(entry, artPath, fmt.Errorf("%w: %w", types.ErrWriteFailed, err))
	}

	entry.Status = types.StatusOK
	entry.ArtifactDigest = fsutil.BytesDigest(data)
	entry.ArtifactSize = int64(len(data))
	if st, err := fsutil.Stat(artPath); err == nil && st.Exists {
		mt := st.ModTime.UTC()
		entry.ArtifactModTime = &mt
	}

	logger.Debug("artifact written", "artifact", artifactRel, "bytes", len(data))
	return result{
		outcome: types.Outcome{Source: key, Artifact: artifactRel, Status: types.StatusOK},
		entry:   &entry,
	}
}

// extract runs the extractor under the configured timeout. A timed out
// extractor is abandoned; it never writes into the cache itself.
func (o *Orchestrator) extract(ctx context.Context, ex extract.Extractor, path string, opts extract.Options) (string, error) {
	if o.extractTimeout <= 0 {
		text, err := ex.Extract(ctx, path, opts)
		if err != nil {
			return "", fmt.Errorf("%w: %w", types.ErrExtractionFailed, err)
		}
		return text, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.extractTimeout)
	defer cancel()

	type extraction struct {
		text string
		err  error
	}
	done := make(chan extraction, 1)
	go func() {
		text, err := ex.Extract(ctx, path, opts)
		done <- extraction{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("%w: %w", types.ErrExtractionFailed, r.err)
		}
		return r.text, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: timed out after %s", types.ErrExtractionFailed, o.extractTimeout)
	}
}

// errorResult records a failed regeneration. Any previous artifact is left
// in place and described as found on disk.
func (o *Orchestrator) errorResult(entry ledger.Entry, artPath string, err error) result {
	o.fillArtifact(&entry, artPath)
	entry.Status = types.StatusError
	entry.Reason = err.Error()

	return result{
		outcome: types.Outcome{Source: entry.Source, Status: types.StatusError, Reason: entry.Reason, Err: err},
		entry:   &entry,
	}
}

// fillArtifact describes the artifact currently on disk, if any
func (o *Orchestrator) fillArtifact(entry *ledger.Entry, artPath string) {
	entry.ArtifactModTime = nil
	entry.ArtifactDigest = ""
	entry.ArtifactSize = 0

	st, err := fsutil.Stat(artPath)
	if err != nil || !st.Exists || st.IsDir {
		return
	}
	digest, size, err := fsutil.FileDigest(artPath)
	if err != nil {
		return
	}
	mt := st.ModTime.UTC()
	entry.ArtifactModTime = &mt
	entry.ArtifactDigest = digest
	entry.ArtifactSize = size
}

func failed(key, artifact string, err error) result {
	return result{outcome: types.Outcome{
		Source:   key,
		Artifact: artifact,
		Status:   types.StatusError,
		Reason:   err.Error(),
		Err:      err,
	}}
}

func canceled(key string, cause error) result {
	return failed(key, "", fmt.Errorf("%w: %v", types.ErrCanceled, cause))
}
