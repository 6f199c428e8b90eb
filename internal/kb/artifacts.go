package kb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/dshills/escarabajo/internal/fsutil"
	"github.com/dshills/escarabajo/internal/lock"
	"github.com/dshills/escarabajo/internal/pathmap"
	"github.com/dshills/escarabajo/internal/storage"
	"github.com/dshills/escarabajo/internal/telemetry"
	"github.com/dshills/escarabajo/pkg/types"
)

// Artifact describes one file under the cache root
type Artifact struct {
	Out    string       `json:"out"`              // repository-relative artifact path
	Src    string       `json:"src,omitempty"`    // source it was derived from
	Status types.Status `json:"status,omitempty"` // ledger status, empty when untracked
}

// ListArtifacts returns every artifact under the cache root, sorted by path
func (s *Service) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	eng := s.current()

	l, err := eng.store.Load()
	if err != nil {
		return nil, err
	}

	files, err := cacheFiles(ctx, eng.mapper.CacheRoot())
	if err != nil {
		return nil, err
	}

	items := make([]Artifact, 0, len(files))
	for _, abs := range files {
		out, err := eng.mapper.RepoRel(abs)
		if err != nil {
			continue
		}
		item := Artifact{Out: out}
		if key, ok := eng.mapper.Unmap(abs); ok {
			item.Src = key
			if e, ok := l.Get(key); ok {
				item.Status = e.Status
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// cacheFiles lists regular files below root, skipping in-flight temp files
func cacheFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if fsutil.IsTempName(d.Name()) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk cache root: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Selector chooses artifacts to purge. Globs match artifact paths relative
// to the cache root; Sources name source documents. An empty selector
// selects every file carrying the artifact suffix.
type Selector struct {
	Globs   []string
	Sources []string
}

// Empty reports whether the selector names nothing
func (sel Selector) Empty() bool {
	return len(sel.Globs) == 0 && len(sel.Sources) == 0
}

// PurgeResult lists what Purge removed
type PurgeResult struct {
	RunID   string   `json:"run_id"`
	Deleted []string `json:"deleted"`
	Sources []string `json:"sources"` // ledger entries removed
}

// Purge deletes the selected artifacts and their ledger entries. Each
// artifact is removed under its source lock before the ledger entries are
// dropped in one atomic rewrite. Source documents are never touched.
func (s *Service) Purge(ctx context.Context, sel Selector) (*PurgeResult, error) {
	eng := s.current()
	runID := uuid.NewString()
	logger := telemetry.EnrichLogger(s.logger, runID, OpPurge)
	started := time.Now()

	for _, g := range sel.Globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("%w: %q", types.ErrInvalidGlob, g)
		}
	}

	selected := make(map[string]bool)
	for _, src := range sel.Sources {
		key, err := eng.mapper.Normalize(src)
		if err != nil {
			return nil, err
		}
		selected[key] = true
	}
	globs := sel.Globs
	if sel.Empty() {
		// Everything the mapper could have produced, nothing else
		globs = []string{"**/*" + eng.mapper.Suffix()}
	}
	matchGlob := func(artifactRel string) bool {
		for _, g := range globs {
			if ok, _ := doublestar.Match(g, artifactRel); ok {
				return true
			}
		}
		return false
	}

	l, err := eng.store.Load()
	if err != nil {
		return nil, err
	}

	// Targets are keyed by source when the artifact maps back to one
	targets := make(map[string]string) // abs artifact -> source key ("" if untracked)
	files, err := cacheFiles(ctx, eng.mapper.CacheRoot())
	if err != nil {
		return nil, err
	}
	for _, abs := range files {
		rel, err := filepath.Rel(eng.mapper.CacheRoot(), abs)
		if err != nil {
			continue
		}
		key, _ := eng.mapper.Unmap(abs)
		if matchGlob(filepath.ToSlash(rel)) || (key != "" && selected[key]) {
			targets[abs] = key
		}
	}

	// Ledger entries whose artifact is selected, even when the file is gone
	removeKeys := make(map[string]bool)
	for _, e := range l.Entries() {
		art, err := eng.mapper.Map(e.Source)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(eng.mapper.CacheRoot(), art)
		if err != nil {
			continue
		}
		if selected[e.Source] || matchGlob(filepath.ToSlash(rel)) {
			removeKeys[e.Source] = true
		}
	}

	res := &PurgeResult{RunID: runID, Deleted: []string{}, Sources: []string{}}
	abss := make([]string, 0, len(targets))
	for abs := range targets {
		abss = append(abss, abs)
	}
	sort.Strings(abss)

	locks := eng.orch.Locks()
	for _, abs := range abss {
		key := targets[abs]
		removed, err := s.removeArtifact(ctx, locks, key, abs)
		if err != nil {
			return nil, err
		}
		if !removed {
			continue
		}
		fsutil.PruneEmptyDirs(filepath.Dir(abs), eng.mapper.CacheRoot())
		if out, err := eng.mapper.RepoRel(abs); err == nil {
			res.Deleted = append(res.Deleted, out)
		}
	}

	for k := range removeKeys {
		res.Sources = append(res.Sources, k)
	}
	sort.Strings(res.Sources)

	if err := s.commitRemovals(ctx, eng, logger, res.Sources); err != nil {
		return nil, err
	}

	finished := time.Now()
	s.recordRun(ctx, logger, &storage.Run{
		ID:         runID,
		Operation:  OpPurge,
		StartedAt:  started,
		FinishedAt: finished,
		Counts:     types.Counts{Processed: len(res.Deleted), OK: len(res.Deleted)},
	})
	logger.Info("purge finished", "deleted", len(res.Deleted), "ledger_entries", len(res.Sources))
	return res, nil
}

// removeArtifact deletes one artifact, under its source lock when it maps
// back to a source
func (s *Service) removeArtifact(ctx context.Context, locks *lock.Manager, key, abs string) (bool, error) {
	if key == "" {
		return fsutil.RemoveFile(abs)
	}

	tok, err := locks.Acquire(ctx, key)
	if err != nil {
		return false, err
	}
	defer func() { _ = tok.Release() }()

	return fsutil.RemoveFile(abs)
}

// Text is artifact content returned by ReadText
type Text struct {
	Out       string `json:"out"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Bytes     int64  `json:"bytes"` // full artifact size
}

// ReadText returns the content of an artifact. It is refused unless the
// configuration exposes content. maxBytes <= 0 reads the whole artifact;
// a truncated read never ends inside a UTF-8 sequence.
func (s *Service) ReadText(out string, maxBytes int) (*Text, error) {
	eng := s.current()
	if !eng.cfg.ExposeContent {
		return nil, types.ErrContentNotExposed
	}

	rel, err := pathmap.Normalize(eng.mapper.RepoRoot(), out)
	if err != nil {
		return nil, err
	}
	abs := filepath.Join(eng.mapper.RepoRoot(), filepath.FromSlash(rel))
	cacheRel, err := eng.mapper.RepoRel(eng.mapper.CacheRoot())
	if err != nil {
		return nil, err
	}
	if rel != cacheRel && !strings.HasPrefix(rel, cacheRel+"/") {
		return nil, fmt.Errorf("%w: %q is outside the cache root", types.ErrPathTraversal, out)
	}

	f, err := os.Open(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", types.ErrArtifactNotFound, rel)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", types.ErrArtifactNotFound, rel)
	}

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, int64(maxBytes))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	truncated := int64(len(data)) < fi.Size()
	if truncated {
		data = trimPartialRune(data)
	}

	return &Text{
		Out:       path.Clean(rel),
		Content:   strings.ToValidUTF8(string(data), "\uFFFD"),
		Truncated: truncated,
		Bytes:     fi.Size(),
	}, nil
}

// trimPartialRune drops an incomplete UTF-8 sequence at the end of data
func trimPartialRune(data []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if !utf8.FullRune(data[len(data)-i:]) {
			return data[:len(data)-i]
		}
		break
	}
	return data
}
