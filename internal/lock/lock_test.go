package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/escarabajo/pkg/types"
)

func newTestManager(t *testing.T, dir string, timeout time.Duration) *Manager {
	t.Helper()

	m, err := New(Config{Dir: dir, Timeout: timeout, Retry: 5 * time.Millisecond})
	require.NoError(t, err)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t, t.TempDir(), time.Second)

	tok, err := m.Acquire(context.Background(), "docs/a.docx")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.docx", tok.Key())
	require.NoError(t, tok.Release())

	// Release is idempotent
	require.NoError(t, tok.Release())

	// Registry is empty once nobody holds the key
	m.mu.Lock()
	assert.Empty(t, m.keys)
	m.mu.Unlock()

	tok, err = m.Acquire(context.Background(), "docs/a.docx")
	require.NoError(t, err)
	require.NoError(t, tok.Release())
}

func TestAcquire_SameKeySerializes(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 5*time.Second)

	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "same", func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen, "at most one holder at a time")
}

func TestAcquire_DistinctKeysDoNotContend(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 100*time.Millisecond)

	a, err := m.Acquire(context.Background(), "docs/a.docx")
	require.NoError(t, err)
	defer a.Release()

	start := time.Now()
	b, err := m.Acquire(context.Background(), "docs/b.pptx")
	require.NoError(t, err)
	defer b.Release()

	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquire_Timeout(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 30*time.Millisecond)

	held, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer held.Release()

	_, err = m.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, types.ErrLockTimeout)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 0)

	held, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Two managers over the same directory stand in for two processes: each
// holds its own descriptor, so only the OS lock serializes them.
func TestAcquire_CrossManagerFileLock(t *testing.T) {
	dir := t.TempDir()
	first := newTestManager(t, dir, time.Second)
	second := newTestManager(t, dir, 40*time.Millisecond)

	tok, err := first.Acquire(context.Background(), "docs/a.docx")
	require.NoError(t, err)

	_, err = second.Acquire(context.Background(), "docs/a.docx")
	assert.ErrorIs(t, err, types.ErrLockTimeout)

	// Closing the holder's descriptor frees the lock, as a process exit would
	require.NoError(t, tok.Release())

	tok2, err := second.Acquire(context.Background(), "docs/a.docx")
	require.NoError(t, err)
	require.NoError(t, tok2.Release())
}

func TestTryAcquire(t *testing.T) {
	m := newTestManager(t, t.TempDir(), time.Second)

	tok, ok, err := m.TryAcquire("k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAcquire("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tok.Release())

	tok, ok, err = m.TryAcquire("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tok.Release())
}

func TestPath_DistinctKeys(t *testing.T) {
	m := newTestManager(t, t.TempDir(), time.Second)

	// Naive separator replacement would make these collide
	assert.NotEqual(t, m.Path("a/b"), m.Path("a__b"))
	assert.Equal(t, m.Path("a/b"), m.Path("a/b"))
}

func TestNew_InProcessOnly(t *testing.T) {
	m := newTestManager(t, "", time.Second)

	tok, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, tok.file)
	require.NoError(t, tok.Release())
}

func TestRunGuard(t *testing.T) {
	var g RunGuard

	require.True(t, g.TryAcquire())
	assert.True(t, g.Running())
	assert.False(t, g.TryAcquire())

	g.Release()
	assert.False(t, g.Running())
	assert.True(t, g.TryAcquire())
}
