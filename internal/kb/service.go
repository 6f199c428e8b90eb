// Package kb implements the sync workflows of a repository knowledge base:
// discovery, batch sync, single-source ensure, listing, purge and the
// configuration and status surface shared by the MCP server and the CLI.
package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dshills/escarabajo/internal/config"
	"github.com/dshills/escarabajo/internal/detect"
	"github.com/dshills/escarabajo/internal/discovery"
	"github.com/dshills/escarabajo/internal/extract"
	"github.com/dshills/escarabajo/internal/fsutil"
	"github.com/dshills/escarabajo/internal/ledger"
	"github.com/dshills/escarabajo/internal/lock"
	"github.com/dshills/escarabajo/internal/orchestrator"
	"github.com/dshills/escarabajo/internal/pathmap"
	"github.com/dshills/escarabajo/internal/storage"
	"github.com/dshills/escarabajo/internal/telemetry"
	"github.com/dshills/escarabajo/pkg/types"
)

// historyKeep bounds the number of runs kept in the history database
const historyKeep = 200

// Options configures Open
type Options struct {
	Root          string
	ServerVersion string
	Logger        *slog.Logger
	Recorder      telemetry.Recorder

	// OCR is the engine used for PDF pages without a text layer. Nil means
	// OCR requests fail with extract.ErrOCRUnavailable.
	OCR extract.OCREngine

	// Extractors overrides the built-in format registry
	Extractors orchestrator.Extractors

	// Writer is used for artifacts and the ledger document
	Writer fsutil.AtomicWriter
}

// Service is the knowledge base of one repository. It is safe for
// concurrent use; configuration updates take effect for operations that
// start after the update.
type Service struct {
	root          string
	serverVersion string
	logger        *slog.Logger
	recorder      telemetry.Recorder
	extractors    orchestrator.Extractors
	writer        fsutil.AtomicWriter

	mu      sync.RWMutex
	eng     *engine
	history storage.Storage
}

// engine holds the components derived from one configuration
type engine struct {
	cfg     config.Config
	paths   config.Paths
	mapper  *pathmap.Mapper
	scanner *discovery.Scanner
	store   *ledger.Store
	orch    *orchestrator.Orchestrator
}

// Open prepares the workspace of the repository at opts.Root, creating a
// default configuration when none exists
func Open(opts Options) (*Service, error) {
	root, err := pathmap.ResolveRoot(opts.Root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("repository root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", root)
	}

	cfg, err := config.Ensure(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	s := &Service{
		root:          root,
		serverVersion: opts.ServerVersion,
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		extractors:    opts.Extractors,
		writer:        opts.Writer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = telemetry.NoopRecorder{}
	}
	if s.extractors == nil {
		s.extractors = extract.Default(opts.OCR)
	}

	eng, err := s.build(cfg)
	if err != nil {
		return nil, err
	}
	s.eng = eng

	if cfg.History {
		if err := s.openHistory(eng.paths.History); err != nil {
			// History is an audit aid; the engine works without it
			s.logger.Warn("run history disabled", "error", err)
		}
	}

	return s, nil
}

// build derives the engine components from cfg
func (s *Service) build(cfg config.Config) (*engine, error) {
	paths, err := config.ResolvePaths(s.root, cfg)
	if err != nil {
		return nil, err
	}

	mapper, err := pathmap.New(s.root, paths.KBRoot, "")
	if err != nil {
		return nil, err
	}

	scanner, err := discovery.New(s.root, discovery.Options{
		Include:          cfg.Globs,
		Exclude:          cfg.ExcludeGlobs,
		RespectGitignore: cfg.RespectGitignore,
		SkipDirs:         skipDirs(paths),
	})
	if err != nil {
		return nil, err
	}

	onCorrupt, err := ledger.ParseCorruptPolicy(cfg.OnCorruptLedger)
	if err != nil {
		return nil, err
	}
	store, err := ledger.NewStore(ledger.Options{
		Path:          paths.Ledger,
		LockDir:       paths.LedgerLocks,
		LockTimeout:   cfg.LockTimeout,
		OnCorrupt:     onCorrupt,
		KBDir:         paths.KBRel,
		ServerVersion: s.serverVersion,
		Writer:        s.writer,
		Logger:        s.logger,
	})
	if err != nil {
		return nil, err
	}

	locks, err := lock.New(lock.Config{Dir: paths.SourceLocks, Timeout: cfg.LockTimeout})
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Mapper:         mapper,
		Extractors:     s.extractors,
		Locks:          locks,
		Workers:        cfg.Workers,
		ExtractTimeout: cfg.ExtractTimeout,
		Writer:         s.writer,
		Recorder:       s.recorder,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}

	return &engine{
		cfg:     cfg,
		paths:   paths,
		mapper:  mapper,
		scanner: scanner,
		store:   store,
		orch:    orch,
	}, nil
}

func (s *Service) openHistory(path string) error {
	if err := fsutil.EnsureDir(s.eng.paths.Dir); err != nil {
		return err
	}
	h, err := storage.NewSQLiteStorage(path)
	if err != nil {
		return err
	}
	s.history = h
	return nil
}

// current returns the engine for a new operation
func (s *Service) current() *engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng
}

// Root returns the absolute repository root
func (s *Service) Root() string {
	return s.root
}

// Paths returns the resolved workspace layout
func (s *Service) Paths() config.Paths {
	return s.current().paths
}

// Config returns the effective configuration
func (s *Service) Config() config.Config {
	return s.current().cfg
}

// UpdateConfig deep-merges updates into the persisted configuration and
// switches the service to the result. An invalid update changes nothing.
func (s *Service) UpdateConfig(updates map[string]any) (config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := config.Update(s.root, updates)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv()

	eng, err := s.build(cfg)
	if err != nil {
		return config.Config{}, err
	}
	s.eng = eng

	switch {
	case cfg.History && s.history == nil:
		if err := s.openHistory(eng.paths.History); err != nil {
			s.logger.Warn("run history disabled", "error", err)
		}
	case !cfg.History && s.history != nil:
		if err := s.history.Close(); err != nil {
			s.logger.Warn("failed to close run history", "error", err)
		}
		s.history = nil
	}

	s.logger.Info("configuration updated", "kb_dir", cfg.KBDir, "skip_unchanged", cfg.SkipUnchanged)
	return cfg, nil
}

// Close releases the history database
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return nil
	}
	err := s.history.Close()
	s.history = nil
	return err
}

// Ledger loads the committed ledger
func (s *Service) Ledger() (*ledger.Ledger, error) {
	return s.current().store.Load()
}

// RunSummary is one entry of the recent run list
type RunSummary struct {
	ID         string       `json:"run_id"`
	Operation  string       `json:"operation"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Counts     types.Counts `json:"counts"`
	Canceled   bool         `json:"canceled,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// StatusReport summarizes the knowledge base
type StatusReport struct {
	Root          string               `json:"root"`
	KBDir         string               `json:"kb_dir"`
	Ledger        string               `json:"ledger"`
	GeneratedAt   *time.Time           `json:"generated_at,omitempty"`
	ServerVersion string               `json:"server_version,omitempty"`
	Entries       int                  `json:"entries"`
	ByStatus      map[types.Status]int `json:"by_status"`
	RecentRuns    []RunSummary         `json:"recent_runs,omitempty"`
}

// Status reports ledger totals and the most recent runs. recent <= 0
// omits the run list.
func (s *Service) Status(ctx context.Context, recent int) (*StatusReport, error) {
	eng := s.current()

	l, err := eng.store.Load()
	if err != nil {
		return nil, err
	}

	rep := &StatusReport{
		Root:          s.root,
		KBDir:         eng.paths.KBRel,
		Ledger:        eng.paths.Ledger,
		ServerVersion: l.ServerVersion,
		Entries:       l.Len(),
		ByStatus:      l.Counts(),
	}
	if !l.GeneratedAt.IsZero() {
		t := l.GeneratedAt
		rep.GeneratedAt = &t
	}

	if recent > 0 {
		runs, err := s.recentRuns(ctx, recent)
		if err != nil {
			s.logger.Warn("failed to read run history", "error", err)
		}
		rep.RecentRuns = runs
	}
	return rep, nil
}

func (s *Service) recentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.history == nil {
		return nil, nil
	}

	runs, err := s.history.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunSummary{
			ID:         r.ID,
			Operation:  r.Operation,
			StartedAt:  r.StartedAt,
			DurationMS: r.Duration().Milliseconds(),
			Counts:     r.Counts,
			Canceled:   r.Canceled,
			Error:      r.Error,
		})
	}
	return out, nil
}

// SourceHistory returns the recorded results for one source, newest first
func (s *Service) SourceHistory(ctx context.Context, src string, limit int) ([]storage.RunResult, error) {
	key, err := s.current().mapper.Normalize(src)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.history == nil {
		return nil, errors.New("run history is disabled")
	}
	return s.history.SourceHistory(ctx, key, limit)
}

// recordRun stores a finished run. Failures are logged and otherwise
// ignored.
func (s *Service) recordRun(ctx context.Context, logger *slog.Logger, run *storage.Run) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.history == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := s.history.RecordRun(ctx, run); err != nil {
		logger.Warn("failed to record run", "error", err)
		return
	}
	if _, err := s.history.PruneRuns(ctx, historyKeep); err != nil {
		logger.Warn("failed to prune run history", "error", err)
	}
}

// syncOptions maps the configuration and a per-call OCR override onto
// orchestrator options
func (e *engine) syncOptions(ocr *bool) orchestrator.Options {
	opts := orchestrator.Options{
		Policy: detect.PolicyFor(e.cfg.SkipUnchanged),
		Extract: extract.Options{
			OCR:            e.cfg.OCR,
			PageDelimiter:  e.cfg.PDF.PageDelimiter,
			SlideDelimiter: e.cfg.PPTX.SlideDelimiter,
			KeepTables:     e.cfg.DOCX.KeepTables,
		},
	}
	if ocr != nil {
		opts.Extract.OCR = *ocr
	}
	return opts
}
