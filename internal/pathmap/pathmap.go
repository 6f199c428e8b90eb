// Package pathmap maps repository-relative source keys to artifact paths
// inside the cache root, and back.
package pathmap

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dshills/escarabajo/pkg/types"
)

// DefaultSuffix is appended to the full source path to form an artifact name.
const DefaultSuffix = ".md"

// Mapper maps SourceKeys to artifact paths. It is immutable and safe for
// concurrent use.
type Mapper struct {
	repoRoot  string // absolute, symlinks resolved
	cacheRoot string // absolute, inside repoRoot
	cacheRel  string // slash form, relative to repoRoot
	suffix    string
}

// New creates a Mapper. cacheDir may be absolute or relative to repoRoot
// and must resolve inside repoRoot.
func New(repoRoot, cacheDir, suffix string) (*Mapper, error) {
	root, err := ResolveRoot(repoRoot)
	if err != nil {
		return nil, err
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}

	cache := cacheDir
	if !filepath.IsAbs(cache) {
		cache = filepath.Join(root, cache)
	}
	cache = filepath.Clean(cache)

	rel, err := filepath.Rel(root, cache)
	if err != nil || rel == "." || escapes(filepath.ToSlash(rel)) {
		return nil, fmt.Errorf("%w: cache directory %q", types.ErrPathTraversal, cacheDir)
	}

	return &Mapper{
		repoRoot:  root,
		cacheRoot: cache,
		cacheRel:  filepath.ToSlash(rel),
		suffix:    suffix,
	}, nil
}

// RepoRoot returns the absolute repository root.
func (m *Mapper) RepoRoot() string { return m.repoRoot }

// CacheRoot returns the absolute cache root.
func (m *Mapper) CacheRoot() string { return m.cacheRoot }

// Suffix returns the artifact suffix.
func (m *Mapper) Suffix() string { return m.suffix }

// Map returns the absolute artifact path for key. It is pure: no
// filesystem access.
func (m *Mapper) Map(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	out := filepath.Join(m.cacheRoot, filepath.FromSlash(key)+m.suffix)
	if !within(m.cacheRoot, out) {
		return "", fmt.Errorf("%w: %q", types.ErrPathTraversal, key)
	}
	return out, nil
}

// MapRel returns the artifact path for key relative to the repository root,
// in slash form.
func (m *Mapper) MapRel(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return path.Join(m.cacheRel, key) + m.suffix, nil
}

// Unmap is the best-effort inverse of Map. artifact may be absolute or
// relative to the repository root. It returns false when the artifact lies
// outside the cache root or lacks the suffix.
func (m *Mapper) Unmap(artifact string) (string, bool) {
	abs := artifact
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.repoRoot, filepath.FromSlash(artifact))
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(m.cacheRoot, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || escapes(rel) || !strings.HasSuffix(rel, m.suffix) {
		return "", false
	}

	key := strings.TrimSuffix(rel, m.suffix)
	if ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}

// RepoRel converts an absolute path inside the repository to slash form
// relative to the root.
func (m *Mapper) RepoRel(abs string) (string, error) {
	rel, err := filepath.Rel(m.repoRoot, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if escapes(rel) {
		return "", fmt.Errorf("%w: %q", types.ErrPathTraversal, abs)
	}
	return rel, nil
}

// InCache reports whether the repository-relative key points inside the
// cache root.
func (m *Mapper) InCache(key string) bool {
	return key == m.cacheRel || strings.HasPrefix(key, m.cacheRel+"/")
}

// Normalize converts a user-supplied source path (absolute, or relative to
// the repository root) into a SourceKey. Symlinks are resolved when the path
// exists so that aliases collapse onto one key.
func (m *Mapper) Normalize(input string) (string, error) {
	return Normalize(m.repoRoot, input)
}

// Normalize converts input into a SourceKey relative to root, which must
// already be resolved with ResolveRoot.
func Normalize(root, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", types.ErrEmptyPath
	}

	p := filepath.FromSlash(input)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}

	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("%w: %q", types.ErrPathTraversal, input)
	}
	key := filepath.ToSlash(rel)
	if key == "." {
		return "", fmt.Errorf("%w: %q", types.ErrEmptyPath, input)
	}
	if escapes(key) {
		return "", fmt.Errorf("%w: %q", types.ErrPathTraversal, input)
	}
	return key, nil
}

// ValidateKey checks that key is already a normalized SourceKey.
func ValidateKey(key string) error {
	if key == "" || key == "." {
		return types.ErrEmptyPath
	}
	if strings.ContainsRune(key, '\\') || path.IsAbs(key) || filepath.IsAbs(key) || filepath.VolumeName(key) != "" {
		return fmt.Errorf("%w: %q is not repository-relative", types.ErrPathTraversal, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", types.ErrPathTraversal, key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q is not normalized", types.ErrPathTraversal, key)
	}
	return nil
}

// ResolveRoot returns the absolute, symlink-resolved form of a repository root.
func ResolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repository root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to resolve repository root: %w", err)
	}
	return abs, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return !escapes(filepath.ToSlash(rel)) && rel != "."
}
