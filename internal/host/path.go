package host

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Path validation errors.
var (
	ErrPathEscape  = errors.New("path escapes base directory")
	ErrInvalidPath = errors.New("invalid path")
)

// SafeJoin joins baseDir with a relative path and rejects results outside
// baseDir. It returns the absolute path.
func SafeJoin(baseDir, relativePath string) (string, error) {
	if relativePath == "" || strings.ContainsRune(relativePath, '\x00') {
		return "", ErrInvalidPath
	}
	absJoined, err := filepath.Abs(filepath.Join(baseDir, relativePath))
	if err != nil {
		return "", errors.Wrap(err, "resolve path")
	}
	ok, err := IsWithinDir(baseDir, absJoined)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Wrapf(ErrPathEscape, "%s", relativePath)
	}
	return absJoined, nil
}

// IsWithinDir reports whether targetPath is lexically inside baseDir.
func IsWithinDir(baseDir, targetPath string) (bool, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return false, errors.Wrap(err, "resolve base")
	}
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false, errors.Wrap(err, "resolve target")
	}
	return contained(absBase, absTarget)
}

// IsWithinDirReal is IsWithinDir after following symlinks, for write guards.
// Paths that do not exist yet are resolved through their nearest existing
// ancestor.
func IsWithinDirReal(baseDir, targetPath string) (bool, error) {
	base, err := resolveExisting(baseDir)
	if err != nil {
		return false, err
	}
	target, err := resolveExisting(targetPath)
	if err != nil {
		return false, err
	}
	return contained(base, target)
}

func contained(base, target string) (bool, error) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false, errors.Wrap(err, "relative path")
	}
	// "..." and "..foo" are valid names, not traversals.
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

func resolveExisting(path string) (string, error) {
	current, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "resolve path")
	}
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", errors.Wrap(err, "resolve symlinks")
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", errors.Wrap(err, "resolve symlinks")
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
