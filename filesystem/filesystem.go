package filesystem

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/karrick/godirwalk"
	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sys/unix"
)

// Size of the chunks written to disk between cancellation checks.
const writeChunkSize = 32 * 1024

// dirBackend implements the Backend operations for any storage that is a
// plain directory tree on the host. LocalDir and TempDir only differ in how
// their root comes to exist and how they name themselves.
type dirBackend struct {
	kind     Kind
	root     string
	denylist *ignore.GitIgnore
}

func newDirBackend(kind Kind, root string, denylist []string) dirBackend {
	b := dirBackend{kind: kind, root: root}
	if len(denylist) > 0 {
		b.denylist = ignore.CompileIgnoreLines(denylist...)
	}
	return b
}

// Path returns the canonical root directory of the backend.
func (b *dirBackend) Path() string {
	return b.root
}

func (b *dirBackend) log() *log.Entry {
	return log.WithField("subsystem", "filesystem").WithField("kind", b.kind).WithField("root", b.root)
}

// SafePath runs key through ResolveAndContain for this backend's root and
// then checks the result against the denylist. The returned path is only
// valid for the operation that asked for it, it must never be cached.
func (b *dirBackend) SafePath(key string) (string, error) {
	resolved, err := ResolveAndContain(b.root, key)
	if err != nil {
		if IsErrorCode(err, ErrCodeNotAuthorized) {
			b.log().WithField("key", key).Debug("refusing path that resolves outside of root")
		}
		return "", err
	}
	if err := b.IsIgnored(key, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// IsIgnored checks both the requested key and the location it resolved to
// against the denylist, so a symlink cannot be used to reach a denied file.
func (b *dirBackend) IsIgnored(key string, resolved string) error {
	if b.denylist == nil {
		return nil
	}
	requested := strings.TrimPrefix(path.Clean("/"+key), "/")
	for _, p := range []string{requested, relativeKey(b.root, resolved)} {
		if p != "" && b.denylist.MatchesPath(p) {
			return newErrorf(ErrCodeNotAuthorized, key, "path [%s] is on the denylist", key)
		}
	}
	return nil
}

func (b *dirBackend) Available() (bool, error) {
	st, err := os.Stat(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, classify("", errors.Wrap(err, "filesystem: failed to stat root"))
	}
	return st.IsDir(), nil
}

func (b *dirBackend) Exists(key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	resolved, err := b.SafePath(key)
	if err != nil {
		if IsErrorCode(err, ErrCodeNotAuthorized) {
			return false, nil
		}
		return false, err
	}
	if _, err := os.Stat(resolved); err != nil {
		if isMissingError(err) {
			return false, nil
		}
		return false, classify(key, err)
	}
	return true, nil
}

func (b *dirBackend) Metadata(key string) (*FileRecord, error) {
	resolved, err := b.SafePath(key)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(resolved); err != nil {
		if isMissingError(err) {
			return nil, newErrorf(ErrCodeNotFound, key, "cannot find %s", key)
		}
		return nil, classify(key, err)
	}
	// The target exists, failing to stat it now only means the size is
	// unknown.
	st, err := os.Stat(resolved)
	if err != nil {
		b.error(err).WithField("key", key).Debug("failed to stat existing file")
	}
	return b.record(key, resolved, st)
}

// record builds a FileRecord for resolved. st may be nil if the file could
// not be stat'd.
func (b *dirBackend) record(key string, resolved string, st os.FileInfo) (*FileRecord, error) {
	name := filepath.Base(resolved)
	if name == string(filepath.Separator) || name == "." {
		return nil, newErrorf(ErrCodeGeneric, key, "could not determine a filename for %s", resolved)
	}
	r := &FileRecord{
		Filename:   name,
		ParentPath: filepath.Dir(resolved),
		Mimetype:   "application/octet-stream",
	}
	if st == nil {
		return r, nil
	}
	size := st.Size()
	r.Size = &size
	r.ModTime = st.ModTime()
	r.Directory = st.IsDir()
	switch {
	case st.IsDir():
		r.Mimetype = "inode/directory"
	// Don't try to detect the type on a pipe, it will just hang.
	case st.Mode().IsRegular():
		if m, err := mimetype.DetectFile(resolved); err == nil {
			r.Mimetype = m.String()
		}
	}
	return r, nil
}

func (b *dirBackend) Read(ctx context.Context, key string) ([]byte, error) {
	f, _, err := b.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, classify(key, err)
	}
	return buf, nil
}

func (b *dirBackend) Open(ctx context.Context, key string) (io.ReadCloser, *FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, classify(key, err)
	}
	resolved, err := b.SafePath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(resolved, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, nil, classify(key, err)
	}
	// Stat through the handle we are about to read from so the check and the
	// read are against the same file.
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, classify(key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, nil, newErrorf(ErrCodeBadRequest, key, "%s is a directory", key)
	}
	r, err := b.record(key, resolved, st)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return &contextReader{ctx: ctx, f: f}, r, nil
}

func (b *dirBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return classify(key, err)
	}
	resolved, err := b.SafePath(key)
	if err != nil {
		return err
	}
	if st, err := os.Stat(resolved); err == nil {
		if st.IsDir() {
			return newErrorf(ErrCodeBadRequest, key, "cannot write to %s, it is a directory", key)
		}
	} else if !isMissingError(err) {
		return classify(key, errors.Wrap(err, "filesystem: write: failed to stat file"))
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		// Some component of the parent path is a file.
		if errors.Is(err, unix.ENOTDIR) || errors.Is(err, os.ErrExist) {
			return newErrorf(ErrCodeBadRequest, key, "cannot write to %s, a parent is not a directory", key)
		}
		return classify(key, errors.Wrap(err, "filesystem: write: failed to create directory tree"))
	}

	b.log().WithField("key", key).WithField("path", resolved).Debug("writing file")
	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, 0o644)
	if err != nil {
		return classify(key, errors.Wrap(err, "filesystem: write: failed to open file"))
	}
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return classify(key, err)
		}
		n := len(data)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		if _, err := f.Write(data[:n]); err != nil {
			_ = f.Close()
			return classify(key, errors.Wrap(err, "filesystem: write: failed to write file"))
		}
		data = data[n:]
	}
	return classify(key, f.Close())
}

func (b *dirBackend) Delete(key string) error {
	resolved, err := b.SafePath(key)
	if err != nil {
		return err
	}
	if resolved == b.root {
		return newErrorf(ErrCodeBadRequest, key, "cannot delete the root directory")
	}

	// Remove the entry the key names, not what it resolves to, so that a
	// symlink inside the root is removed rather than the file it points at.
	cleaned := path.Clean("/" + key)
	parent, err := b.SafePath(path.Dir(cleaned))
	if err != nil {
		return err
	}
	target := filepath.Join(parent, path.Base(cleaned))

	st, err := os.Lstat(target)
	if err != nil {
		return classify(key, err)
	}
	if st.IsDir() {
		return newErrorf(ErrCodeBadRequest, key, "%s is a directory", key)
	}
	b.log().WithField("key", key).WithField("path", target).Debug("deleting file")
	return classify(key, os.Remove(target))
}

func (b *dirBackend) List(ctx context.Context, key string) ([]DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(key, err)
	}
	resolved, err := b.SafePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(resolved, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, classify(key, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, classify(key, err)
	}
	if !st.IsDir() {
		return nil, newErrorf(ErrCodeBadRequest, key, "%s is not a directory", key)
	}

	b.log().WithField("path", resolved).Debug("listing directory")
	entries, err := f.ReadDir(-1)
	if err != nil {
		b.error(err).WithField("path", resolved).Error("failed to read directory")
		return nil, classify(key, err)
	}

	prefix := strings.TrimRight(key, "/")
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !utf8.ValidString(name) {
			b.log().WithField("path", resolved).WithField("name", name).Error("directory contains an invalid filename")
			return nil, newErrorf(ErrCodeGeneric, key, "invalid filename %q in %s", name, key)
		}
		full := name
		if prefix != "" {
			full = strings.TrimLeft(prefix+"/"+name, "/")
		}
		kind := EntryFile
		if e.IsDir() {
			kind = EntryDirectory
		}
		out = append(out, DirEntry{Filename: name, FullPath: full, Kind: kind})
	}
	return out, nil
}

// Usage returns the total size of all regular files at or below key.
// Symlinks are not followed.
func (b *dirBackend) Usage(ctx context.Context, key string) (int64, error) {
	resolved, err := b.SafePath(key)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(resolved)
	if err != nil {
		return 0, classify(key, err)
	}
	if !st.IsDir() {
		return st.Size(), nil
	}

	var size int64
	err = godirwalk.Walk(resolved, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, e *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !e.IsRegular() {
				return nil
			}
			info, err := os.Lstat(p)
			if err != nil {
				return err
			}
			size += info.Size()
			return nil
		},
	})
	if err != nil {
		return 0, classify(key, errors.Wrap(err, "filesystem: usage: failed to walk directory"))
	}
	return size, nil
}

// contextReader stops handing out data once its context is done.
type contextReader struct {
	ctx context.Context
	f   *os.File
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.f.Read(p)
}

func (r *contextReader) Close() error {
	return r.f.Close()
}
