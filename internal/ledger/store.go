package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/escarabajo/internal/fsutil"
	"github.com/dshills/escarabajo/internal/lock"
	"github.com/dshills/escarabajo/pkg/types"
)

// lockKey names the single global ledger lock
const lockKey = "index"

// CorruptPolicy decides what Load does with an unreadable document
type CorruptPolicy int

const (
	// AbortOnCorrupt surfaces ErrCorruptLedger to the caller. Default.
	AbortOnCorrupt CorruptPolicy = iota
	// RebuildOnCorrupt starts from an empty ledger. The corrupt document is
	// preserved next to the ledger under a timestamped name before it is
	// overwritten, and the decision is logged.
	RebuildOnCorrupt
)

// ParseCorruptPolicy parses "abort" or "rebuild"
func ParseCorruptPolicy(s string) (CorruptPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return AbortOnCorrupt, nil
	case "rebuild":
		return RebuildOnCorrupt, nil
	default:
		return AbortOnCorrupt, fmt.Errorf("unknown corrupt ledger policy %q", s)
	}
}

// Options configures a Store
type Options struct {
	Path          string        // ledger document path
	LockDir       string        // directory for the global ledger lock file
	LockTimeout   time.Duration // wait bound for the ledger lock
	OnCorrupt     CorruptPolicy
	KBDir         string // cache root recorded in the document, repo-relative
	ServerVersion string
	Writer        fsutil.AtomicWriter
	Logger        *slog.Logger
	Now           func() time.Time
}

// Store loads and saves the ledger document
type Store struct {
	path          string
	onCorrupt     CorruptPolicy
	kbDir         string
	serverVersion string
	writer        fsutil.AtomicWriter
	logger        *slog.Logger
	now           func() time.Time
	locks         *lock.Manager
}

// NewStore creates a ledger store
func NewStore(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	locks, err := lock.New(lock.Config{Dir: opts.LockDir, Timeout: opts.LockTimeout})
	if err != nil {
		return nil, err
	}

	return &Store{
		path:          opts.Path,
		onCorrupt:     opts.OnCorrupt,
		kbDir:         opts.KBDir,
		serverVersion: opts.ServerVersion,
		writer:        opts.Writer,
		logger:        opts.Logger,
		now:           opts.Now,
		locks:         locks,
	}, nil
}

// Path returns the ledger document path
func (s *Store) Path() string {
	return s.path
}

// Load reads the durable ledger. A missing document yields an empty
// ledger. An unreadable one yields ErrCorruptLedger unless the store was
// configured to rebuild, in which case an empty ledger is returned and the
// document is left in place until the next Commit replaces it.
func (s *Store) Load() (*Ledger, error) {
	return s.load(false)
}

func (s *Store) load(backup bool) (*Ledger, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		l := New()
		l.KBDir = s.kbDir
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	l := New()
	err = json.Unmarshal(data, l)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, types.ErrCorruptLedger) {
		err = fmt.Errorf("%w: %v", types.ErrCorruptLedger, err)
	}
	if s.onCorrupt != RebuildOnCorrupt {
		return nil, err
	}

	if backup {
		dst := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405Z"))
		if rerr := os.Rename(s.path, dst); rerr != nil {
			return nil, fmt.Errorf("failed to preserve corrupt ledger: %w", rerr)
		}
		s.logger.Warn("rebuilding corrupt ledger from empty",
			slog.String("path", s.path),
			slog.String("backup", dst),
			slog.String("error", err.Error()))
	} else {
		s.logger.Warn("ledger is corrupt, treating as empty",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
	}

	l = New()
	l.KBDir = s.kbDir
	return l, nil
}

// Save atomically replaces the durable document with l. Callers that may
// race with other writers should use Commit instead.
func (s *Store) Save(l *Ledger) error {
	l.Version = FormatVersion
	l.GeneratedAt = s.now().UTC()
	if s.kbDir != "" {
		l.KBDir = s.kbDir
	}
	if s.serverVersion != "" {
		l.ServerVersion = s.serverVersion
	}

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	data = append(data, '\n')

	if err := s.writer.WriteFile(s.path, data); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

// Commit serializes a read-modify-write of the durable ledger. It takes the
// global ledger lock, reloads the latest document, lets fn mutate it and
// saves the result. Nothing is written if fn fails. The committed ledger
// is returned.
func (s *Store) Commit(ctx context.Context, fn func(*Ledger) error) (*Ledger, error) {
	tok, err := s.locks.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	defer func() { _ = tok.Release() }()

	l, err := s.load(true)
	if err != nil {
		return nil, err
	}

	if err := fn(l); err != nil {
		return nil, err
	}

	if err := s.Save(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Backups lists preserved corrupt documents, oldest first
func (s *Store) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".corrupt-*")
	if err != nil {
		return nil, err
	}
	return matches, nil
}
