// Package host is the file system seen by templates and the response
// interpreter: a project folder on disk with an in-memory overlay of
// virtual documents.
package host

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/youruser/gptool/internal/logging"
)

var log = logging.Get()

// Host is the file access used by the core.
type Host interface {
	ProjectFolder() string
	// ResolvePath joins segments onto the project folder unless the first
	// segment is absolute.
	ResolvePath(segments ...string) string
	ReadText(path string) (string, error)
	// Exists reports whether path exists. Virtual documents only count when
	// virtual is true.
	Exists(path string, virtual bool) bool
	WriteText(path, content string) error
	FindFiles(pattern string) ([]string, error)
}

// FS is a Host over an afero file system rooted at a project folder.
type FS struct {
	root     string
	disk     afero.Fs
	virtual  afero.Fs
	osBacked bool
}

// New returns a host over the real file system.
func New(projectFolder string) (*FS, error) {
	abs, err := filepath.Abs(projectFolder)
	if err != nil {
		return nil, errors.Wrap(err, "resolve project folder")
	}
	h := NewWithFs(abs, afero.NewOsFs())
	h.osBacked = true
	return h, nil
}

// NewWithFs returns a host over an arbitrary file system, typically an
// afero.MemMapFs in tests.
func NewWithFs(projectFolder string, disk afero.Fs) *FS {
	return &FS{
		root:    filepath.Clean(projectFolder),
		disk:    disk,
		virtual: afero.NewMemMapFs(),
	}
}

func (h *FS) ProjectFolder() string { return h.root }

func (h *FS) ResolvePath(segments ...string) string {
	if len(segments) > 0 && filepath.IsAbs(segments[0]) {
		return filepath.Join(segments...)
	}
	return filepath.Join(append([]string{h.root}, segments...)...)
}

func (h *FS) ReadText(path string) (string, error) {
	p := h.ResolvePath(path)
	if h.IsVirtualFile(p) {
		data, err := afero.ReadFile(h.virtual, p)
		return string(data), errors.Wrapf(err, "read virtual %s", path)
	}
	data, err := afero.ReadFile(h.disk, p)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return string(data), nil
}

func (h *FS) Exists(path string, virtual bool) bool {
	p := h.ResolvePath(path)
	if virtual && h.IsVirtualFile(p) {
		return true
	}
	ok, err := afero.Exists(h.disk, p)
	if err != nil {
		log.Debug("exists %s: %v", p, err)
	}
	return ok
}

// WriteText writes a file inside the project folder, creating parents.
func (h *FS) WriteText(path, content string) error {
	p := h.ResolvePath(path)
	if err := h.guard(p); err != nil {
		return err
	}
	if err := h.disk.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	if err := afero.WriteFile(h.disk, p, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	log.Debug("wrote %s (%d bytes)", p, len(content))
	return nil
}

// DeleteFile removes a file inside the project folder.
func (h *FS) DeleteFile(path string) error {
	p := h.ResolvePath(path)
	if err := h.guard(p); err != nil {
		return err
	}
	if err := h.disk.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete %s", path)
	}
	return nil
}

func (h *FS) guard(p string) error {
	check := IsWithinDir
	if h.osBacked {
		check = IsWithinDirReal
	}
	ok, err := check(h.root, p)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrPathEscape, "%s", p)
	}
	return nil
}

// SetVirtualFile adds or replaces an in-memory document.
func (h *FS) SetVirtualFile(path, content string) error {
	p := h.ResolvePath(path)
	if err := h.virtual.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "virtual mkdir")
	}
	return errors.Wrap(afero.WriteFile(h.virtual, p, []byte(content), 0o644), "virtual write")
}

// IsVirtualFile reports whether path is an in-memory document.
func (h *FS) IsVirtualFile(path string) bool {
	ok, _ := afero.Exists(h.virtual, h.ResolvePath(path))
	return ok
}

// ClearVirtualFiles drops every in-memory document.
func (h *FS) ClearVirtualFiles() {
	h.virtual = afero.NewMemMapFs()
}

var dotEnvRx = regexp.MustCompile(`(?i)(^|/)\.env$`)

// FindFiles returns project files matching a glob, relative to the project
// folder and sorted. "**" matches any number of directories. .env files are
// never returned.
func (h *FS) FindFiles(pattern string) ([]string, error) {
	pattern = filepath.ToSlash(strings.TrimPrefix(pattern, "./"))
	var out []string
	err := afero.Walk(h.disk, h.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(h.root, p)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if dotEnvRx.MatchString(rel) {
			return nil
		}
		if MatchGlob(pattern, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", pattern)
	}
	sort.Strings(out)
	return out, nil
}

// MatchGlob matches a slash separated path against a pattern where "**"
// spans directories and other segments follow path.Match rules.
func MatchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := filepath.Match(pat[0], name[0])
		if err != nil || !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}
