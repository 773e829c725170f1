package filesystem

import (
	"os"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"golang.org/x/sys/unix"
)

// maxSymlinks is the number of symlinks followed while resolving a single
// path before giving up, matching the Linux limit on path walks.
const maxSymlinks = 255

var errTooManyLinks = errors.Sentinel("filesystem: too many levels of symbolic links")

// ResolveAndContain resolves key beneath root to its canonical location on
// disk, following symlinks the same way an open call would. The resolved path
// is returned only if root (or a directory below it) is an ancestor of it;
// every other outcome is an ErrCodeNotAuthorized error.
//
// The key is always resolved beneath root, a leading "/" does not make it an
// absolute filesystem path. Components are walked one at a time so that a
// ".." following a symlink steps out of the link's target, not out of the
// directory holding the link. Paths that do not exist yet are resolved
// through their deepest existing ancestor so that a file about to be created
// can still be checked.
//
// root must already be canonical, see canonicalRoot.
func ResolveAndContain(root string, key string) (string, error) {
	// A purely textual escape never needs to touch the disk.
	if candidate := filepath.Join(root, filepath.FromSlash(key)); !isWithin(root, candidate) {
		return "", NewBadPathResolution(key, candidate)
	}

	resolved, err := walkPath(root, key)
	if err != nil {
		if errors.Is(err, errTooManyLinks) {
			return "", NewBadPathResolution(key, "")
		}
		return "", classify(key, errors.Wrap(err, "filesystem: failed to evaluate symlink"))
	}

	if !isWithin(root, resolved) {
		return "", NewBadPathResolution(key, resolved)
	}
	return resolved, nil
}

// isWithin walks the ancestor chain of p and reports whether any ancestor is
// exactly root. Both values must be cleaned absolute paths. This is not a
// string prefix check, "/srv/data-evil" is not within "/srv/data".
func isWithin(root string, p string) bool {
	for {
		if p == root {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

// walkPath resolves the slash separated key one component at a time starting
// from the canonical directory base. Symlinks are read and their targets
// spliced in front of the remaining components before anything else is
// applied. Once a component does not exist the rest of the key is appended
// lexically, a dangling symlink is still followed through its target so the
// result is the location the kernel would create the file at.
func walkPath(base string, key string) (string, error) {
	cur := base
	pending := splitKey(key)
	links := 0
	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]
		switch c {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, c)
		st, err := os.Lstat(next)
		if err != nil {
			if !isMissingError(err) {
				return "", err
			}
			return filepath.Join(append([]string{next}, pending...)...), nil
		}
		if st.Mode()&os.ModeSymlink == 0 {
			cur = next
			continue
		}

		links++
		if links > maxSymlinks {
			return "", errTooManyLinks
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			cur = string(filepath.Separator)
		}
		pending = append(splitKey(target), pending...)
	}
	return cur, nil
}

func splitKey(key string) []string {
	return strings.Split(filepath.ToSlash(key), "/")
}

// isMissingError reports whether err means a path component is absent, or a
// path component that should be a directory is something else.
func isMissingError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOTDIR)
}

// canonicalRoot resolves a configured root directory to the form the guard
// compares against. When the directory does not exist the absolute cleaned
// path is returned so the backend can still be built and report itself as
// unavailable.
func canonicalRoot(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Wrap(err, "filesystem: failed to determine absolute root")
	}
	ep, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return abs, nil
		}
		return "", errors.Wrap(err, "filesystem: failed to evaluate root")
	}
	return ep, nil
}

// relativeKey returns the cleaned, root relative, slash separated form of a
// resolved path. It is only valid for paths that already passed
// ResolveAndContain.
func relativeKey(root string, resolved string) string {
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." {
		return ""
	}
	return strings.TrimPrefix(filepath.ToSlash(rel), "/")
}
