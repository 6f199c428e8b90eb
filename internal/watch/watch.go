// Package watch keeps a knowledge base fresh by syncing sources as they
// change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/escarabajo/internal/lock"
)

const (
	// DefaultDebounce is how long a path must stay quiet before it is synced
	DefaultDebounce = 500 * time.Millisecond
	// MinDebounce is the shortest debounce accepted; shorter positive
	// values are raised to it
	MinDebounce = 10 * time.Millisecond
)

// Matcher decides which files are sources and which directories to skip.
// *discovery.Scanner implements it.
type Matcher interface {
	Match(key string) bool
	ExcludedDir(dir string) bool
}

// SyncFunc syncs a batch of SourceKeys
type SyncFunc func(ctx context.Context, keys []string) error

// Config configures a Watcher
type Config struct {
	Root     string
	Matcher  Matcher
	Sync     SyncFunc
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches a repository tree recursively. Changed sources are
// queued, and once a source has been quiet for the debounce interval it is
// handed to Sync. At most one Sync runs at a time; sources changing during
// a run wait for the next flush.
type Watcher struct {
	root     string
	matcher  Matcher
	sync     SyncFunc
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	queue map[string]time.Time // SourceKey -> last event

	guard lock.RunGuard
	wg    sync.WaitGroup
}

// New creates a watcher and registers every non-excluded directory under
// the root. Events are not processed until Run is called.
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("root is required")
	}
	if cfg.Matcher == nil || cfg.Sync == nil {
		return nil, errors.New("matcher and sync function are required")
	}
	switch {
	case cfg.Debounce <= 0:
		cfg.Debounce = DefaultDebounce
	case cfg.Debounce < MinDebounce:
		cfg.Debounce = MinDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     filepath.Clean(cfg.Root),
		matcher:  cfg.Matcher,
		sync:     cfg.Sync,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		fsw:      fsw,
		queue:    make(map[string]time.Time),
	}

	if err := w.addTree(w.root, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is done. It waits for an in-flight Sync
// before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.wg.Wait()
	defer func() { _ = w.fsw.Close() }()

	ticker := time.NewTicker(w.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// tick is the interval between queue flushes; it must stay positive for
// time.NewTicker
func (w *Watcher) tick() time.Duration {
	return max(w.debounce/2, MinDebounce/2)
}

// Pending returns the queued SourceKeys, sorted
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.queue))
	for k := range w.queue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		// Removals and renames away leave nothing to sync; chmod changes
		// no content
		return
	}

	rel, ok := w.rel(event.Name)
	if !ok {
		return
	}

	fi, err := os.Lstat(event.Name)
	if err != nil {
		return
	}
	if fi.IsDir() {
		if event.Has(fsnotify.Create) && !w.matcher.ExcludedDir(rel) {
			// Files may land in a new directory before its watch exists
			if err := w.addTree(event.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", rel, "error", err)
			}
		}
		return
	}
	if fi.Mode().IsRegular() {
		w.enqueue(rel)
	}
}

// addTree watches dir and its subdirectories. With queueFiles, matching
// files already present are queued.
func (w *Watcher) addTree(dir string, queueFiles bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}

		rel, ok := w.rel(p)
		if !ok && p != w.root {
			return nil
		}

		if d.IsDir() {
			if p != w.root && w.matcher.ExcludedDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
			return nil
		}
		if queueFiles && d.Type().IsRegular() {
			w.enqueue(rel)
		}
		return nil
	})
}

func (w *Watcher) enqueue(key string) {
	if !w.matcher.Match(key) {
		return
	}
	w.mu.Lock()
	w.queue[key] = time.Now()
	w.mu.Unlock()
}

// takeReady removes and returns the keys quiet for at least the debounce
// interval
func (w *Watcher) takeReady(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var keys []string
	for k, at := range w.queue {
		if now.Sub(at) >= w.debounce {
			keys = append(keys, k)
			delete(w.queue, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// flush starts a Sync for ready keys unless one is already running
func (w *Watcher) flush(ctx context.Context) {
	if !w.guard.TryAcquire() {
		return
	}

	keys := w.takeReady(time.Now())
	if len(keys) == 0 {
		w.guard.Release()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.guard.Release()

		w.logger.Info("syncing changed sources", "count", len(keys))
		if err := w.sync(ctx, keys); err != nil {
			w.logger.Error("watch sync failed", "error", err)
		}
	}()
}

// rel converts an absolute path under the root into a SourceKey
func (w *Watcher) rel(p string) (string, bool) {
	r, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	r = filepath.ToSlash(r)
	if r == "." || r == ".." || strings.HasPrefix(r, "../") {
		return "", false
	}
	return r, true
}
