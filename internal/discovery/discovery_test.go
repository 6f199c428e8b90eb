package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	defaultInclude = []string{"**/*.docx", "**/*.pptx", "**/*.pdf"}
	defaultExclude = []string{".git/**", ".escarabajo/**", "node_modules/**", "**/~$*", "**/*.tmp"}
)

func touch(t *testing.T, root string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"top.pdf",
		"docs/a.docx",
		"docs/b.pptx",
		"docs/~$a.docx",
		"docs/notes.txt",
		"docs/deep/nested/c.PDF",
		"docs/deep/nested/d.pdf",
		".git/objects/x.pdf",
		"node_modules/pkg/readme.pdf",
		".escarabajo/kb/docs/a.docx.md",
		".escarabajo/kb/stale.pdf",
	)

	s, err := New(root, Options{Include: defaultInclude, Exclude: defaultExclude})
	require.NoError(t, err)

	keys, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"docs/a.docx",
		"docs/b.pptx",
		"docs/deep/nested/d.pdf",
		"top.pdf",
	}, keys)
}

func TestScan_OverlappingIncludesAreUnique(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "docs/a.docx")

	s, err := New(root, Options{Include: []string{"**/*.docx", "docs/*"}})
	require.NoError(t, err)

	keys, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.docx"}, keys)
}

func TestScan_SkipDirs(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "cache/kb/a.pdf", "b.pdf")

	s, err := New(root, Options{Include: defaultInclude, SkipDirs: []string{"cache/kb"}})
	require.NoError(t, err)

	keys, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.pdf"}, keys)
	assert.True(t, s.ExcludedDir("cache/kb"))
	assert.False(t, s.Match("cache/kb/a.pdf"))
}

func TestScan_RespectGitignore(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "build/out.pdf", "keep.pdf", "secret.docx")
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("build/\nsecret.docx\n"), 0644))

	s, err := New(root, Options{Include: defaultInclude, RespectGitignore: true})
	require.NoError(t, err)
	keys, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.pdf"}, keys)

	s, err = New(root, Options{Include: defaultInclude})
	require.NoError(t, err)
	keys, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestNew_MissingGitignoreIsFine(t *testing.T) {
	_, err := New(t.TempDir(), Options{Include: defaultInclude, RespectGitignore: true})
	assert.NoError(t, err)
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(t.TempDir(), Options{Include: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestMatch(t *testing.T) {
	s, err := New(t.TempDir(), Options{Include: defaultInclude, Exclude: defaultExclude})
	require.NoError(t, err)

	assert.True(t, s.Match("a.docx"))
	assert.True(t, s.Match("x/y/z.pptx"))
	assert.False(t, s.Match("x/y/z.txt"))
	assert.False(t, s.Match("x/~$lock.docx"))
	assert.False(t, s.Match("node_modules/a.pdf"))
	assert.True(t, s.ExcludedDir(".git"))
	assert.True(t, s.ExcludedDir("node_modules"))
	assert.False(t, s.ExcludedDir("docs"))
}

func TestScan_Canceled(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.pdf")

	s, err := New(root, Options{Include: defaultInclude})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
