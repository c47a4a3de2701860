package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, root string) []string {
	t.Helper()
	var got []string
	for e, err := range Walk(root) {
		require.NoError(t, err)
		got = append(got, e.Kind.String()+":"+e.RelPath)
	}
	return got
}

func TestWalk_DepthFirstLexicalOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "c.hcl"), "")
	writeFile(t, filepath.Join(root, "a.hcl"), "")
	writeFile(t, filepath.Join(root, "b", "z.hcl"), "")
	writeFile(t, filepath.Join(root, "b", "y", "x.hcl"), "")

	got := collect(t, root)
	assert.Equal(t, []string{
		"file:a.hcl",
		"dir:b",
		"dir:b/y",
		"file:b/y/x.hcl",
		"file:b/z.hcl",
		"file:c.hcl",
	}, got)
}

func TestWalk_IsRestartable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "one.txt"), "1")
	writeFile(t, filepath.Join(root, "two", "three.txt"), "3")

	seq := Walk(root)
	var first, second []string
	for e, err := range seq {
		require.NoError(t, err)
		first = append(first, e.RelPath)
	}
	for e, err := range seq {
		require.NoError(t, err)
		second = append(second, e.RelPath)
	}
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestWalk_StopsEarly(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		writeFile(t, filepath.Join(root, name), name)
	}

	count := 0
	for _, err := range Walk(root) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestWalk_ReportsSymlinksWithoutFollowing(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "nope")
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	got := collect(t, root)
	assert.Equal(t, []string{"symlink:link"}, got)
}

func TestWalk_MissingRoot(t *testing.T) {
	var errs []error
	for _, err := range Walk(filepath.Join(t.TempDir(), "missing")) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], fs.ErrNotExist)
}
