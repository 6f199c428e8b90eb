package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/escarabajo/pkg/types"
)

const (
	// DefaultTimeout bounds how long Acquire waits for a held lock.
	DefaultTimeout = 10 * time.Minute
	// DefaultRetry is the poll interval for cross-process contention.
	DefaultRetry = 25 * time.Millisecond
)

// Config configures a Manager
type Config struct {
	Dir     string        // Directory holding lock files; empty disables cross-process locking
	Timeout time.Duration // Maximum wait per Acquire; <= 0 waits until ctx is done
	Retry   time.Duration // Poll interval for file lock contention
}

// Manager grants exclusive, key-scoped leases. One lock exists per distinct
// key; unrelated keys never contend. Within the process a buffered channel
// per key serializes holders; across processes an OS file lock does, which
// the kernel releases if the holder dies.
type Manager struct {
	dir     string
	timeout time.Duration
	retry   time.Duration

	mu   sync.Mutex
	keys map[string]*keyLock
}

// keyLock is the in-process lock for one key, reference counted so the map
// does not grow without bound
type keyLock struct {
	sem  chan struct{}
	refs int
}

// Token is the handle for one held lease. Release is idempotent.
type Token struct {
	key    string
	m      *Manager
	file   *os.File
	once   sync.Once
	waited time.Duration
}

// New creates a lock manager
func New(cfg Config) (*Manager, error) {
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}
	return &Manager{
		dir:     cfg.Dir,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		keys:    make(map[string]*keyLock),
	}, nil
}

// Acquire blocks until the lease for key is held, ctx is done, or the
// timeout elapses (ErrLockTimeout).
func (m *Manager) Acquire(ctx context.Context, key string) (*Token, error) {
	start := time.Now()

	waitCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	kl := m.ref(key)
	select {
	case kl.sem <- struct{}{}:
	case <-waitCtx.Done():
		m.unref(key)
		return nil, m.waitErr(ctx, key)
	}

	tok := &Token{key: key, m: m}
	if m.dir != "" {
		f, err := m.lockFile(waitCtx, key)
		if err != nil {
			<-kl.sem
			m.unref(key)
			if waitCtx.Err() != nil {
				return nil, m.waitErr(ctx, key)
			}
			return nil, err
		}
		tok.file = f
	}
	tok.waited = time.Since(start)
	return tok, nil
}

// WithLock runs fn while holding the lease for key. The lease is released
// on every exit path.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	tok, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = tok.Release() }()
	return fn()
}

// TryAcquire acquires the lease for key without waiting. It returns false
// when another holder has it.
func (m *Manager) TryAcquire(key string) (*Token, bool, error) {
	kl := m.ref(key)
	select {
	case kl.sem <- struct{}{}:
	default:
		m.unref(key)
		return nil, false, nil
	}

	tok := &Token{key: key, m: m}
	if m.dir != "" {
		f, err := m.openLockFile(key)
		if err != nil {
			<-kl.sem
			m.unref(key)
			return nil, false, err
		}
		ok, err := tryLockFile(f)
		if err != nil || !ok {
			_ = f.Close()
			<-kl.sem
			m.unref(key)
			return nil, false, err
		}
		tok.file = f
	}
	return tok, true, nil
}

// Key returns the key this token holds.
func (t *Token) Key() string { return t.key }

// Waited returns how long Acquire blocked before the lease was granted.
func (t *Token) Waited() time.Duration { return t.waited }

// Release gives up the lease.
func (t *Token) Release() error {
	var err error
	t.once.Do(func() {
		if t.file != nil {
			err = unlockFile(t.file)
			if cerr := t.file.Close(); err == nil {
				err = cerr
			}
		}
		t.m.release(t.key)
	})
	return err
}

// Path returns the lock file used for key. Distinct keys map to distinct
// files.
func (m *Manager) Path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])+".lock")
}

func (m *Manager) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	kl, ok := m.keys[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		m.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (m *Manager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kl, ok := m.keys[key]
	if !ok {
		return
	}
	kl.refs--
	if kl.refs == 0 {
		delete(m.keys, key)
	}
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	kl, ok := m.keys[key]
	m.mu.Unlock()
	if ok {
		<-kl.sem
	}
	m.unref(key)
}

func (m *Manager) waitErr(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s after %v", types.ErrLockTimeout, key, m.timeout)
}

func (m *Manager) openLockFile(key string) (*os.File, error) {
	f, err := os.OpenFile(m.Path(key), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}

// lockFile polls a non-blocking OS lock until it is granted or ctx is done
func (m *Manager) lockFile(ctx context.Context, key string) (*os.File, error) {
	f, err := m.openLockFile(key)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()

	for {
		ok, err := tryLockFile(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if ok {
			return f, nil
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
