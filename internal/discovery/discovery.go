// Package discovery finds candidate source documents in a repository.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/dshills/escarabajo/pkg/types"
)

// Options selects which files are sources
type Options struct {
	Include          []string // doublestar patterns, repo-relative
	Exclude          []string
	RespectGitignore bool     // honor the repository's root .gitignore
	SkipDirs         []string // repo-relative directories never descended into
}

// Scanner matches repository files against include and exclude globs
type Scanner struct {
	root     string
	include  []string
	exclude  []string
	skipDirs map[string]bool
	ignore   *ignore.GitIgnore
}

// New creates a scanner rooted at root
func New(root string, opts Options) (*Scanner, error) {
	for _, p := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", types.ErrInvalidGlob, p)
		}
	}

	s := &Scanner{
		root:     root,
		include:  opts.Include,
		exclude:  opts.Exclude,
		skipDirs: make(map[string]bool, len(opts.SkipDirs)),
	}
	for _, d := range opts.SkipDirs {
		d = strings.Trim(path.Clean(filepath.ToSlash(d)), "/")
		if d != "" && d != "." {
			s.skipDirs[d] = true
		}
	}

	if opts.RespectGitignore {
		gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read .gitignore: %w", err)
		}
		s.ignore = gi
	}
	return s, nil
}

// Scan returns the sorted SourceKeys of all matching regular files
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, an unreadable root is fatal
			if p == s.root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if s.ExcludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.Match(rel) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

// Match reports whether the SourceKey key is a source: it matches an
// include pattern and no exclude pattern, lies outside skipped
// directories and is not ignored by git.
func (s *Scanner) Match(key string) bool {
	if !matchAny(s.include, key) || matchAny(s.exclude, key) {
		return false
	}
	for dir := path.Dir(key); dir != "."; dir = path.Dir(dir) {
		if s.skipDirs[dir] {
			return false
		}
	}
	if s.ignore != nil && s.ignore.MatchesPath(key) {
		return false
	}
	return true
}

// ExcludedDir reports whether the repo-relative directory dir can be
// pruned: it is a skipped directory or an exclude pattern of the form
// "<dir>/**" covers everything below it.
func (s *Scanner) ExcludedDir(dir string) bool {
	if s.skipDirs[dir] {
		return true
	}
	for _, p := range s.exclude {
		prefix, ok := strings.CutSuffix(p, "/**")
		if !ok {
			continue
		}
		if m, _ := doublestar.Match(prefix, dir); m {
			return true
		}
	}
	return false
}

// Root returns the repository root
func (s *Scanner) Root() string {
	return s.root
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if m, _ := doublestar.Match(p, name); m {
			return true
		}
	}
	return false
}

// Exists reports whether the SourceKey names an existing regular file
func (s *Scanner) Exists(key string) bool {
	fi, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(key)))
	return err == nil && fi.Mode().IsRegular()
}
