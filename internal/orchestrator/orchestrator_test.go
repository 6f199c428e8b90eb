package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/escarabajo/internal/detect"
	"github.com/dshills/escarabajo/internal/extract"
	"github.com/dshills/escarabajo/internal/fsutil"
	"github.com/dshills/escarabajo/internal/ledger"
	"github.com/dshills/escarabajo/internal/lock"
	"github.com/dshills/escarabajo/internal/pathmap"
	"github.com/dshills/escarabajo/internal/telemetry"
	"github.com/dshills/escarabajo/pkg/types"
)

// stubExtractor echoes the source content and tracks concurrency
type stubExtractor struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	fail     atomic.Bool
}

func (s *stubExtractor) Extract(ctx context.Context, path string, opts extract.Options) (string, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return "", fmt.Errorf("%w: stub failure", extract.ErrCorrupt)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "# " + filepath.Base(path) + "\n\n" + string(data) + "\n", nil
}

type fixture struct {
	root   string
	mapper *pathmap.Mapper
	stub   *stubExtractor
	orch   *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	root := t.TempDir()
	mapper, err := pathmap.New(root, ".escarabajo/kb", "")
	require.NoError(t, err)

	stub := &stubExtractor{}
	reg := extract.NewRegistry()
	reg.Register(".docx", stub)
	reg.Register(".pdf", stub)

	cfg := Config{
		Mapper:     mapper,
		Extractors: reg,
		Workers:    4,
		Logger:     telemetry.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)

	return &fixture{root: mapper.RepoRoot(), mapper: mapper, stub: stub, orch: orch}
}

func (f *fixture) write(t *testing.T, key, content string) string {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (f *fixture) artifact(t *testing.T, key string) string {
	t.Helper()
	p, err := f.mapper.Map(key)
	require.NoError(t, err)
	return p
}

var always = Options{Policy: detect.Always, Extract: extract.DefaultOptions()}
var skipUnchanged = Options{Policy: detect.SkipUnchanged, Extract: extract.DefaultOptions()}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	mapper, err := pathmap.New(t.TempDir(), "kb", "")
	require.NoError(t, err)
	_, err = New(Config{Mapper: mapper})
	assert.Error(t, err)
}

func TestSyncMany_OutcomesInInputOrder(t *testing.T) {
	f := newFixture(t, nil)
	keys := []string{"z.docx", "a/b.docx", "missing.docx", "m.pdf", "notes.txt"}
	f.write(t, "z.docx", "zz")
	f.write(t, "a/b.docx", "bb")
	f.write(t, "m.pdf", "mm")
	f.write(t, "notes.txt", "tt")

	batch, err := f.orch.SyncMany(context.Background(), nil, keys, always)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, len(keys))

	for i, key := range keys {
		assert.Equal(t, key, batch.Outcomes[i].Source)
	}

	assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
	assert.Equal(t, ".escarabajo/kb/z.docx.md", batch.Outcomes[0].Artifact)
	assert.Equal(t, types.StatusOK, batch.Outcomes[1].Status)
	assert.True(t, errors.Is(batch.Outcomes[2].Err, types.ErrSourceNotFound))
	assert.Equal(t, types.StatusOK, batch.Outcomes[3].Status)
	assert.True(t, errors.Is(batch.Outcomes[4].Err, types.ErrUnsupportedType))
	assert.Empty(t, batch.Outcomes[4].Artifact)

	assert.Equal(t, types.Counts{Processed: 5, OK: 3, Errors: 2}, batch.Counts())

	// Missing and unsupported sources leave the ledger alone
	entries := batch.Entries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, types.StatusOK, e.Status)
		assert.NotEmpty(t, e.SourceDigest)
		assert.NotEmpty(t, e.ArtifactDigest)
		require.NotNil(t, e.ArtifactModTime)
	}

	got, err := os.ReadFile(f.artifact(t, "a/b.docx"))
	require.NoError(t, err)
	assert.Equal(t, "# b.docx\n\nbb\n", string(got))
}

func TestSyncMany_EntryDigestsMatchDisk(t *testing.T) {
	f := newFixture(t, nil)
	src := f.write(t, "doc.docx", "content")

	batch, err := f.orch.SyncMany(context.Background(), nil, []string{"doc.docx"}, always)
	require.NoError(t, err)

	l := ledger.New()
	require.NoError(t, batch.Apply(l))

	e, ok := l.Get("doc.docx")
	require.True(t, ok)

	srcDigest, srcSize, err := fsutil.FileDigest(src)
	require.NoError(t, err)
	artDigest, artSize, err := fsutil.FileDigest(f.artifact(t, "doc.docx"))
	require.NoError(t, err)

	assert.Equal(t, srcDigest, e.SourceDigest)
	assert.Equal(t, srcSize, e.SourceSize)
	assert.Equal(t, artDigest, e.ArtifactDigest)
	assert.Equal(t, artSize, e.ArtifactSize)
	assert.Equal(t, ".escarabajo/kb/doc.docx.md", e.Artifact)
}

func TestSyncMany_PathTraversalRejected(t *testing.T) {
	f := newFixture(t, nil)
	outside := filepath.Join(filepath.Dir(f.root), "outside.docx")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	t.Cleanup(func() { _ = os.Remove(outside) })

	batch, err := f.orch.SyncMany(context.Background(), nil, []string{"../outside.docx", "/etc/passwd.docx"}, always)
	require.NoError(t, err)

	for _, out := range batch.Outcomes {
		assert.Equal(t, types.StatusError, out.Status)
		assert.True(t, errors.Is(out.Err, types.ErrPathTraversal), out.Reason)
	}
	assert.Empty(t, batch.Entries())
	assert.Zero(t, f.stub.calls.Load())
}

func TestSyncMany_AtMostOneExtractionPerSource(t *testing.T) {
	f := newFixture(t, nil)
	f.stub.delay = 20 * time.Millisecond
	f.write(t, "same.docx", "shared")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := f.orch.SyncMany(context.Background(), nil, []string{"same.docx", "same.docx"}, always)
			assert.NoError(t, err)
			for _, out := range batch.Outcomes {
				assert.Equal(t, types.StatusOK, out.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.stub.maxSeen.Load())
	assert.GreaterOrEqual(t, f.stub.calls.Load(), int32(1))

	got, err := os.ReadFile(f.artifact(t, "same.docx"))
	require.NoError(t, err)
	assert.Equal(t, "# same.docx\n\nshared\n", string(got))
}

func TestSyncMany_SerializedAcrossOrchestrators(t *testing.T) {
	lockDir := t.TempDir()
	stub := &stubExtractor{delay: 20 * time.Millisecond}

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "p.docx"), []byte("p"), 0644))

	newOrch := func() *Orchestrator {
		mapper, err := pathmap.New(root, "kb", "")
		require.NoError(t, err)
		locks, err := lock.New(lock.Config{Dir: lockDir, Retry: time.Millisecond})
		require.NoError(t, err)
		reg := extract.NewRegistry()
		reg.Register(".docx", stub)
		o, err := New(Config{Mapper: mapper, Extractors: reg, Locks: locks, Logger: telemetry.Discard()})
		require.NoError(t, err)
		return o
	}
	a, b := newOrch(), newOrch()

	var wg sync.WaitGroup
	for _, o := range []*Orchestrator{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := o.SyncMany(context.Background(), nil, []string{"p.docx"}, always)
			assert.NoError(t, err)
			assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stub.maxSeen.Load())
}

func TestSyncMany_DistinctSourcesRunInParallel(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Workers = 4 })
	f.stub.delay = 50 * time.Millisecond
	keys := []string{"a.docx", "b.docx", "c.docx", "d.docx"}
	for _, k := range keys {
		f.write(t, k, k)
	}

	batch, err := f.orch.SyncMany(context.Background(), nil, keys, always)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Counts().OK)
	assert.Greater(t, f.stub.maxSeen.Load(), int32(1))
}

func TestSyncMany_WorkersBoundParallelism(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Workers = 2 })
	f.stub.delay = 10 * time.Millisecond
	var keys []string
	for i := 0; i < 8; i++ {
		k := fmt.Sprintf("d%d.docx", i)
		f.write(t, k, k)
		keys = append(keys, k)
	}

	batch, err := f.orch.SyncMany(context.Background(), nil, keys, always)
	require.NoError(t, err)
	assert.Equal(t, 8, batch.Counts().OK)
	assert.LessOrEqual(t, f.stub.maxSeen.Load(), int32(2))
}

func TestSyncMany_SkipUnchangedUsesDigest(t *testing.T) {
	f := newFixture(t, nil)
	src := f.write(t, "doc.docx", "aaaa")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, past, past))

	ctx := context.Background()
	l := ledger.New()

	batch, err := f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
	require.NoError(t, batch.Apply(l))
	require.Equal(t, int32(1), f.stub.calls.Load())

	batch, err = f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkipped, batch.Outcomes[0].Status)
	assert.Equal(t, ".escarabajo/kb/doc.docx.md", batch.Outcomes[0].Artifact)
	require.NoError(t, batch.Apply(l))
	assert.Equal(t, int32(1), f.stub.calls.Load())

	e, _ := l.Get("doc.docx")
	assert.Equal(t, types.StatusSkipped, e.Status)
	assert.NotEmpty(t, e.ArtifactDigest)

	// Same size, same mtime, different content
	require.NoError(t, os.WriteFile(src, []byte("aaab"), 0644))
	require.NoError(t, os.Chtimes(src, past, past))

	batch, err = f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
	assert.Equal(t, int32(2), f.stub.calls.Load())

	got, err := os.ReadFile(f.artifact(t, "doc.docx"))
	require.NoError(t, err)
	assert.Contains(t, string(got), "aaab")
}

func TestSyncMany_MissingArtifactAlwaysRegenerates(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "doc.docx", "x")
	ctx := context.Background()
	l := ledger.New()

	batch, err := f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	require.NoError(t, batch.Apply(l))

	require.NoError(t, os.Remove(f.artifact(t, "doc.docx")))

	batch, err = f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
	assert.Equal(t, int32(2), f.stub.calls.Load())
	assert.FileExists(t, f.artifact(t, "doc.docx"))
}

func TestSyncMany_PreviousErrorIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "doc.docx", "x")
	ctx := context.Background()
	l := ledger.New()

	f.stub.fail.Store(true)
	batch, err := f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	require.NoError(t, batch.Apply(l))
	assert.Equal(t, types.StatusError, batch.Outcomes[0].Status)

	f.stub.fail.Store(false)
	batch, err = f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
}

func TestSyncMany_ExtractionFailureKeepsPreviousArtifact(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "doc.docx", "good")
	ctx := context.Background()

	_, err := f.orch.SyncMany(ctx, nil, []string{"doc.docx"}, always)
	require.NoError(t, err)
	before, err := os.ReadFile(f.artifact(t, "doc.docx"))
	require.NoError(t, err)

	f.stub.fail.Store(true)
	batch, err := f.orch.SyncMany(ctx, nil, []string{"doc.docx"}, always)
	require.NoError(t, err)

	out := batch.Outcomes[0]
	assert.Equal(t, types.StatusError, out.Status)
	assert.True(t, errors.Is(out.Err, types.ErrExtractionFailed))
	assert.True(t, errors.Is(out.Err, extract.ErrCorrupt))
	assert.Contains(t, out.Reason, "stub failure")
	assert.Empty(t, out.Artifact)

	entries := batch.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusError, entries[0].Status)
	assert.Equal(t, ".escarabajo/kb/doc.docx.md", entries[0].Artifact)

	after, err := os.ReadFile(f.artifact(t, "doc.docx"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSyncMany_CrashBeforeRename(t *testing.T) {
	crash := errors.New("simulated crash")
	f := newFixture(t, func(c *Config) {
		c.Writer = fsutil.AtomicWriter{BeforeRename: func(string) error { return crash }}
	})
	f.write(t, "doc.docx", "x")

	batch, err := f.orch.SyncMany(context.Background(), nil, []string{"doc.docx"}, always)
	require.NoError(t, err)

	out := batch.Outcomes[0]
	assert.Equal(t, types.StatusError, out.Status)
	assert.True(t, errors.Is(out.Err, types.ErrWriteFailed))
	assert.NoFileExists(t, f.artifact(t, "doc.docx"))

	// No temp files left in the artifact directory
	entries, err := os.ReadDir(filepath.Dir(f.artifact(t, "doc.docx")))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncMany_CrashAfterRenameReconciles(t *testing.T) {
	f := newFixture(t, nil)
	src := f.write(t, "doc.docx", "x")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, past, past))
	ctx := context.Background()

	// Artifact written, ledger never saved
	_, err := f.orch.SyncMany(ctx, nil, []string{"doc.docx"}, always)
	require.NoError(t, err)

	l := ledger.New()
	batch, err := f.orch.SyncMany(ctx, l, []string{"doc.docx"}, skipUnchanged)
	require.NoError(t, err)
	require.NoError(t, batch.Apply(l))

	assert.Equal(t, types.StatusSkipped, batch.Outcomes[0].Status)
	assert.Equal(t, int32(1), f.stub.calls.Load())

	e, ok := l.Get("doc.docx")
	require.True(t, ok)
	digest, _, err := fsutil.FileDigest(f.artifact(t, "doc.docx"))
	require.NoError(t, err)
	assert.Equal(t, digest, e.ArtifactDigest)
}

func TestSyncMany_ExtractTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	hang := extract.ExtractorFunc(func(ctx context.Context, path string, opts extract.Options) (string, error) {
		<-release
		return "late", nil
	})

	f := newFixture(t, func(c *Config) {
		reg := extract.NewRegistry()
		reg.Register(".docx", hang)
		c.Extractors = reg
		c.ExtractTimeout = 50 * time.Millisecond
	})
	f.write(t, "slow.docx", "x")

	start := time.Now()
	batch, err := f.orch.SyncMany(context.Background(), nil, []string{"slow.docx"}, always)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	out := batch.Outcomes[0]
	assert.Equal(t, types.StatusError, out.Status)
	assert.True(t, errors.Is(out.Err, types.ErrExtractionFailed))
	assert.Contains(t, out.Reason, "timed out")
	assert.NoFileExists(t, f.artifact(t, "slow.docx"))
}

func TestSyncMany_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.docx", "a")
	f.write(t, "b.docx", "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := f.orch.SyncMany(ctx, nil, []string{"a.docx", "b.docx"}, always)
	require.NoError(t, err)

	for _, out := range batch.Outcomes {
		assert.Equal(t, types.StatusError, out.Status)
		assert.True(t, errors.Is(out.Err, types.ErrCanceled))
	}
	assert.Empty(t, batch.Entries())
	assert.Zero(t, f.stub.calls.Load())
}

func TestSyncMany_StartedWorkCompletesAfterCancel(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once

	ex := extract.ExtractorFunc(func(ctx context.Context, path string, opts extract.Options) (string, error) {
		once.Do(func() { close(started) })
		<-proceed
		return "done", ctx.Err()
	})

	f := newFixture(t, func(c *Config) {
		reg := extract.NewRegistry()
		reg.Register(".docx", ex)
		c.Extractors = reg
		c.Workers = 1
	})
	f.write(t, "first.docx", "1")
	f.write(t, "second.docx", "2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Batch, 1)
	go func() {
		batch, err := f.orch.SyncMany(ctx, nil, []string{"first.docx", "second.docx"}, always)
		assert.NoError(t, err)
		done <- batch
	}()

	<-started
	cancel()
	close(proceed)

	batch := <-done
	assert.Equal(t, types.StatusOK, batch.Outcomes[0].Status)
	assert.FileExists(t, f.artifact(t, "first.docx"))

	assert.Equal(t, types.StatusError, batch.Outcomes[1].Status)
	assert.True(t, errors.Is(batch.Outcomes[1].Err, types.ErrCanceled))
	assert.Len(t, batch.Entries(), 1)
}

func TestSyncMany_LockTimeout(t *testing.T) {
	locks, err := lock.New(lock.Config{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	f := newFixture(t, func(c *Config) { c.Locks = locks })
	f.write(t, "held.docx", "x")

	tok, err := locks.Acquire(context.Background(), "held.docx")
	require.NoError(t, err)
	defer func() { _ = tok.Release() }()

	batch, err := f.orch.SyncMany(context.Background(), nil, []string{"held.docx"}, always)
	require.NoError(t, err)

	out := batch.Outcomes[0]
	assert.Equal(t, types.StatusError, out.Status)
	assert.True(t, errors.Is(out.Err, types.ErrLockTimeout))
	assert.Empty(t, batch.Entries())
	assert.Zero(t, f.stub.calls.Load())
}

func TestSyncMany_UnwritableCacheRootAbortsBatch(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "doc.docx", "x")

	// A regular file where the cache root should be
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, ".escarabajo"), 0755))
	require.NoError(t, os.WriteFile(f.mapper.CacheRoot(), []byte("not a dir"), 0644))

	_, err := f.orch.SyncMany(context.Background(), nil, []string{"doc.docx"}, always)
	assert.Error(t, err)
	assert.Zero(t, f.stub.calls.Load())
}

func TestBatch_ApplyRejectsInvalidEntry(t *testing.T) {
	b := &Batch{entries: []ledger.Entry{{Source: "x.docx", Status: types.StatusError}}}
	err := b.Apply(ledger.New())
	assert.True(t, errors.Is(err, types.ErrMissingReason))
}
