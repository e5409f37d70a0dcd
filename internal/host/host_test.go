package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memHost(t *testing.T, files map[string]string) *FS {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		p := filepath.Join("/project", name)
		require.NoError(t, fs.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	}
	return NewWithFs("/project", fs)
}

func TestReadWrite(t *testing.T) {
	h := memHost(t, map[string]string{"a.txt": "alpha"})

	got, err := h.ReadText("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)

	require.NoError(t, h.WriteText("sub/b.txt", "beta"))
	assert.True(t, h.Exists("/project/sub/b.txt", false))

	_, err = h.ReadText("missing.txt")
	assert.Error(t, err)

	err = h.WriteText("../outside.txt", "x")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestVirtualFiles(t *testing.T) {
	h := memHost(t, map[string]string{"doc.md": "on disk"})
	require.NoError(t, h.SetVirtualFile("scratch.md", "in memory"))

	assert.True(t, h.Exists("scratch.md", true))
	assert.False(t, h.Exists("scratch.md", false))
	assert.True(t, h.IsVirtualFile("/project/scratch.md"))

	got, err := h.ReadText("scratch.md")
	require.NoError(t, err)
	assert.Equal(t, "in memory", got)

	h.ClearVirtualFiles()
	assert.False(t, h.Exists("scratch.md", true))
}

func TestFindFiles(t *testing.T) {
	h := memHost(t, map[string]string{
		"README.md":          "",
		"docs/a.md":          "",
		"docs/deep/b.md":     "",
		"src/main.go":        "",
		".env":               "SECRET=1",
		".git/config":        "",
		"docs/deep/c.gpspec": "",
	})

	got, err := h.FindFiles("**/*.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "docs/a.md", "docs/deep/b.md"}, got)

	got, err = h.FindFiles("docs/*.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.md"}, got)

	got, err = h.FindFiles("**")
	require.NoError(t, err)
	assert.NotContains(t, got, ".env")
	assert.NotContains(t, got, ".git/config")
}

func TestResolvePath(t *testing.T) {
	h := NewWithFs("/project", afero.NewMemMapFs())
	assert.Equal(t, "/project/a/b.txt", h.ResolvePath("a", "b.txt"))
	assert.Equal(t, "/etc/hosts", h.ResolvePath("/etc/hosts"))
	assert.Equal(t, "/project", h.ProjectFolder())
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()
	p, err := SafeJoin(base, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "a", "b.txt"), p)

	_, err = SafeJoin(base, "../escape")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = SafeJoin(base, "")
	assert.ErrorIs(t, err, ErrInvalidPath)

	p, err = SafeJoin(base, "..foo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "..foo"), p)
}

func TestIsWithinDirRealFollowsSymlinks(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(base, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	lexical, err := IsWithinDir(base, filepath.Join(link, "f.txt"))
	require.NoError(t, err)
	assert.True(t, lexical)

	followed, err := IsWithinDirReal(base, filepath.Join(link, "new", "f.txt"))
	require.NoError(t, err)
	assert.False(t, followed)
}

func TestOSHostWrites(t *testing.T) {
	dir := t.TempDir()
	h, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, h.WriteText("x/y.txt", "z"))

	data, err := os.ReadFile(filepath.Join(dir, "x", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, "z", string(data))

	require.NoError(t, h.DeleteFile("x/y.txt"))
	assert.False(t, h.Exists("x/y.txt", false))
}
