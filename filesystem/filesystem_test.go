package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	. "github.com/franela/goblin"
)

func NewFs() (*LocalDir, *rootFs) {
	tmpDir, err := os.MkdirTemp(os.TempDir(), "filekid")
	if err != nil {
		panic(err)
	}
	// The system temp directory may itself be a symlink (macOS).
	tmpDir, err = filepath.EvalSymlinks(tmpDir)
	if err != nil {
		panic(err)
	}

	rfs := rootFs{root: tmpDir}

	rfs.reset()

	fs, err := NewLocalDir(filepath.Join(tmpDir, "/server"), nil)
	if err != nil {
		panic(err)
	}

	return fs, &rfs
}

type rootFs struct {
	root string
}

func (rfs *rootFs) CreateServerFile(p string, c []byte) error {
	f, err := os.Create(filepath.Join(rfs.root, "/server", p))

	if err == nil {
		f.Write(c)
		f.Close()
	}

	return err
}

func (rfs *rootFs) CreateServerFileFromString(p string, c string) error {
	return rfs.CreateServerFile(p, []byte(c))
}

func (rfs *rootFs) StatServerFile(p string) (os.FileInfo, error) {
	return os.Stat(filepath.Join(rfs.root, "/server", p))
}

func (rfs *rootFs) reset() {
	if err := os.RemoveAll(filepath.Join(rfs.root, "/server")); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := os.Mkdir(filepath.Join(rfs.root, "/server"), 0o755); err != nil {
		panic(err)
	}
}

func TestLocalDir_Name(t *testing.T) {
	g := Goblin(t)
	fs, _ := NewFs()

	g.Describe("Name", func() {
		g.It("includes the backend kind and root", func() {
			g.Assert(strings.HasPrefix(fs.Name(), "local:")).IsTrue()
			g.Assert(strings.Contains(fs.Name(), fs.Path())).IsTrue()
		})
	})
}

func TestLocalDir_Available(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("Available", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("is available when the root exists", func() {
			ok, err := fs.Available()
			g.Assert(err).IsNil()
			g.Assert(ok).IsTrue()
		})

		g.It("reports false once the root has been removed", func() {
			err := os.RemoveAll(filepath.Join(rfs.root, "/server"))
			g.Assert(err).IsNil()

			ok, err := fs.Available()
			g.Assert(err).IsNil()
			g.Assert(ok).IsFalse()
		})

		g.It("can be built for a root that does not exist yet", func() {
			l, err := NewLocalDir(filepath.Join(rfs.root, "/missing"), nil)
			g.Assert(err).IsNil()

			ok, err := l.Available()
			g.Assert(err).IsNil()
			g.Assert(ok).IsFalse()
		})
	})
}

func TestLocalDir_Exists(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("Exists", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("always reports the root as existing", func() {
			ok, err := fs.Exists("")
			g.Assert(err).IsNil()
			g.Assert(ok).IsTrue()
		})

		g.It("reports files that exist", func() {
			ok, err := fs.Exists("test.txt")
			g.Assert(err).IsNil()
			g.Assert(ok).IsFalse()

			err = rfs.CreateServerFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()

			ok, err = fs.Exists("test.txt")
			g.Assert(err).IsNil()
			g.Assert(ok).IsTrue()
		})

		g.It("reports paths outside the root as not existing", func() {
			err := rfs.CreateServerFileFromString("/../test.txt", "testing")
			g.Assert(err).IsNil()

			ok, err := fs.Exists("../test.txt")
			g.Assert(err).IsNil()
			g.Assert(ok).IsFalse()
		})
	})
}

func TestLocalDir_Metadata(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("Metadata", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("returns an error if the file does not exist", func() {
			_, err := fs.Metadata("thiscannotexist.foo")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotFound)).IsTrue()
		})

		g.It("describes a file", func() {
			err := rfs.CreateServerFileFromString("test.txt", "Hello, world!")
			g.Assert(err).IsNil()

			r, err := fs.Metadata("test.txt")
			g.Assert(err).IsNil()
			g.Assert(r.Filename).Equal("test.txt")
			g.Assert(r.ParentPath).Equal(fs.Path())
			g.Assert(r.Size != nil).IsTrue()
			g.Assert(*r.Size).Equal(int64(13))
			g.Assert(r.Directory).IsFalse()
			g.Assert(strings.HasPrefix(r.Mimetype, "text/plain")).IsTrue()
		})

		g.It("describes the root directory", func() {
			r, err := fs.Metadata("")
			g.Assert(err).IsNil()
			g.Assert(r.Filename).Equal("server")
			g.Assert(r.Directory).IsTrue()
			g.Assert(r.Mimetype).Equal("inode/directory")
		})

		g.It("cannot describe a file outside the root", func() {
			err := rfs.CreateServerFileFromString("/../test.txt", "testing")
			g.Assert(err).IsNil()

			_, err = fs.Metadata("../test.txt")
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()
		})
	})
}

func TestLocalDir_Read(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	ctx := context.Background()

	g.Describe("Read", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("reads a file if it exists on the system", func() {
			err := rfs.CreateServerFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()

			b, err := fs.Read(ctx, "test.txt")
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("testing")
		})

		g.It("returns an error if the file does not exist", func() {
			_, err := fs.Read(ctx, "test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotFound)).IsTrue()
			g.Assert(errors.Is(err, os.ErrNotExist)).IsTrue()
		})

		g.It("returns an error if the \"file\" is a directory", func() {
			err := os.Mkdir(filepath.Join(rfs.root, "/server/test.txt"), 0o755)
			g.Assert(err).IsNil()

			_, err = fs.Read(ctx, "test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()
		})

		g.It("cannot open a file outside the root directory", func() {
			err := rfs.CreateServerFileFromString("/../test.txt", "testing")
			g.Assert(err).IsNil()

			_, err = fs.Read(ctx, "/../test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()
		})

		g.It("treats absolute keys as relative to the root", func() {
			_, err := fs.Read(ctx, "/etc/thiscannotexist.foo")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotFound)).IsTrue()
		})

		g.It("does not read once the context is cancelled", func() {
			err := rfs.CreateServerFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()

			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err = fs.Read(cctx, "test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(errors.Is(err, context.Canceled)).IsTrue()
		})
	})
}

func TestLocalDir_Open(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	ctx := context.Background()

	g.Describe("Open", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("streams a file and describes it", func() {
			err := rfs.CreateServerFileFromString("test.txt", "Hello, world!")
			g.Assert(err).IsNil()

			r, rec, err := fs.Open(ctx, "test.txt")
			g.Assert(err).IsNil()
			defer r.Close()

			b, err := io.ReadAll(r)
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("Hello, world!")
			g.Assert(rec.Filename).Equal("test.txt")
			g.Assert(*rec.Size).Equal(int64(13))
		})

		g.It("stops reading when the context is cancelled", func() {
			err := rfs.CreateServerFileFromString("test.txt", "Hello, world!")
			g.Assert(err).IsNil()

			cctx, cancel := context.WithCancel(ctx)
			r, _, err := fs.Open(cctx, "test.txt")
			g.Assert(err).IsNil()
			defer r.Close()

			cancel()
			_, err = io.ReadAll(r)
			g.Assert(errors.Is(err, context.Canceled)).IsTrue()
		})
	})
}

func TestLocalDir_Write(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	ctx := context.Background()

	g.Describe("Write", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("can create a new file", func() {
			err := fs.Write(ctx, "test.txt", []byte("test file content"))
			g.Assert(err).IsNil()

			b, err := fs.Read(ctx, "test.txt")
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("test file content")

			r, err := fs.Metadata("test.txt")
			g.Assert(err).IsNil()
			g.Assert(*r.Size).Equal(int64(len("test file content")))
		})

		g.It("can create a new file inside a nested directory with leading slash", func() {
			err := fs.Write(ctx, "/some/nested/test.txt", []byte("test file content"))
			g.Assert(err).IsNil()

			b, err := fs.Read(ctx, "/some/nested/test.txt")
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("test file content")
		})

		g.It("can create a new file inside a nested directory without a trailing slash", func() {
			err := fs.Write(ctx, "some/../foo/bar/test.txt", []byte("test file content"))
			g.Assert(err).IsNil()

			b, err := fs.Read(ctx, "foo/bar/test.txt")
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("test file content")
		})

		g.It("replaces the content of an existing file", func() {
			err := rfs.CreateServerFileFromString("test.txt", "a much longer original value")
			g.Assert(err).IsNil()

			err = fs.Write(ctx, "test.txt", []byte("short"))
			g.Assert(err).IsNil()

			b, err := fs.Read(ctx, "test.txt")
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("short")
		})

		g.It("cannot create a file outside the root directory", func() {
			err := fs.Write(ctx, "/some/../foo/../../test.txt", []byte("test file content"))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()

			_, err = os.Stat(filepath.Join(rfs.root, "test.txt"))
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("cannot write through a symlink pointing outside the root", func() {
			err := os.Symlink(filepath.Join(rfs.root, "outside.txt"), filepath.Join(fs.Path(), "symlinked.txt"))
			g.Assert(err).IsNil()

			err = fs.Write(ctx, "symlinked.txt", []byte("testing"))
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()

			_, err = os.Stat(filepath.Join(rfs.root, "outside.txt"))
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("cannot write over a directory", func() {
			err := os.Mkdir(filepath.Join(fs.Path(), "dir"), 0o755)
			g.Assert(err).IsNil()

			err = fs.Write(ctx, "dir", []byte("testing"))
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()

			err = fs.Write(ctx, "", []byte("testing"))
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()
		})

		g.It("cannot write below a file", func() {
			err := rfs.CreateServerFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()

			err = fs.Write(ctx, "test.txt/foo", []byte("testing"))
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()

			err = fs.Write(ctx, "test.txt/a/foo", []byte("testing"))
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()

			b, err := fs.Read(ctx, "test.txt")
			g.Assert(err).IsNil()
			g.Assert(string(b)).Equal("testing")
		})

		g.It("does not write once the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			err := fs.Write(cctx, "test.txt", []byte("testing"))
			g.Assert(errors.Is(err, context.Canceled)).IsTrue()

			_, err = rfs.StatServerFile("test.txt")
			g.Assert(os.IsNotExist(err)).IsTrue()
		})
	})
}

func TestLocalDir_Delete(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()

	g.Describe("Delete", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("deletes a file", func() {
			err := rfs.CreateServerFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()

			err = fs.Delete("test.txt")
			g.Assert(err).IsNil()

			ok, err := fs.Exists("test.txt")
			g.Assert(err).IsNil()
			g.Assert(ok).IsFalse()
		})

		g.It("returns an error if the file does not exist", func() {
			err := fs.Delete("test.txt")
			g.Assert(IsErrorCode(err, ErrCodeNotFound)).IsTrue()
		})

		g.It("does not delete directories", func() {
			err := os.Mkdir(filepath.Join(fs.Path(), "dir"), 0o755)
			g.Assert(err).IsNil()

			err = fs.Delete("dir")
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()

			_, err = rfs.StatServerFile("dir")
			g.Assert(err).IsNil()
		})

		g.It("does not delete the root directory", func() {
			for _, k := range []string{"", "/", "foo/.."} {
				err := fs.Delete(k)
				g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()
			}

			ok, err := fs.Available()
			g.Assert(err).IsNil()
			g.Assert(ok).IsTrue()
		})

		g.It("cannot delete a file outside the root", func() {
			err := rfs.CreateServerFileFromString("/../test.txt", "testing")
			g.Assert(err).IsNil()

			err = fs.Delete("../test.txt")
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()

			_, err = os.Stat(filepath.Join(rfs.root, "test.txt"))
			g.Assert(err).IsNil()
		})

		g.It("deletes a symlink rather than its target", func() {
			err := rfs.CreateServerFileFromString("test.txt", "testing")
			g.Assert(err).IsNil()
			err = os.Symlink(filepath.Join(fs.Path(), "test.txt"), filepath.Join(fs.Path(), "link.txt"))
			g.Assert(err).IsNil()

			err = fs.Delete("link.txt")
			g.Assert(err).IsNil()

			_, err = os.Lstat(filepath.Join(fs.Path(), "link.txt"))
			g.Assert(os.IsNotExist(err)).IsTrue()
			_, err = rfs.StatServerFile("test.txt")
			g.Assert(err).IsNil()
		})
	})
}

func TestLocalDir_List(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	ctx := context.Background()

	g.Describe("List", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("lists an empty root", func() {
			entries, err := fs.List(ctx, "")
			g.Assert(err).IsNil()
			g.Assert(len(entries)).Equal(0)

			entries, err = fs.List(ctx, ".")
			g.Assert(err).IsNil()
			g.Assert(len(entries)).Equal(0)
		})

		g.It("returns an error for a directory that does not exist", func() {
			_, err := fs.List(ctx, "thiscannotexist.foo")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeNotFound)).IsTrue()
		})

		g.It("lists files relative to the key that was asked for", func() {
			err := rfs.CreateServerFileFromString("test.txt", "Hello, world!")
			g.Assert(err).IsNil()

			entries, err := fs.List(ctx, "")
			g.Assert(err).IsNil()
			g.Assert(len(entries)).Equal(1)
			g.Assert(entries[0].Filename).Equal("test.txt")
			g.Assert(entries[0].FullPath).Equal("test.txt")
			g.Assert(entries[0].Kind).Equal(EntryFile)

			_, err = fs.List(ctx, "test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()

			entries, err = fs.List(ctx, ".")
			g.Assert(err).IsNil()
			g.Assert(len(entries)).Equal(1)
			g.Assert(entries[0].Filename).Equal("test.txt")
			g.Assert(entries[0].FullPath).Equal("./test.txt")
			g.Assert(entries[0].Kind).Equal(EntryFile)
		})

		g.It("lists a nested directory", func() {
			err := os.MkdirAll(filepath.Join(fs.Path(), "foo/sub"), 0o755)
			g.Assert(err).IsNil()
			err = rfs.CreateServerFileFromString("foo/bar.txt", "testing")
			g.Assert(err).IsNil()

			for _, k := range []string{"foo", "/foo/", "foo/"} {
				entries, err := fs.List(ctx, k)
				g.Assert(err).IsNil()
				g.Assert(len(entries)).Equal(2)

				sort.Slice(entries, func(i, j int) bool { return entries[i].Filename < entries[j].Filename })
				g.Assert(entries[0].FullPath).Equal("foo/bar.txt")
				g.Assert(entries[0].Kind).Equal(EntryFile)
				g.Assert(entries[1].FullPath).Equal("foo/sub")
				g.Assert(entries[1].Kind).Equal(EntryDirectory)
			}
		})

		g.It("cannot list a directory outside the root", func() {
			_, err := fs.List(ctx, "../")
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()
		})
	})
}

func TestLocalDir_Usage(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	ctx := context.Background()

	g.Describe("Usage", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("totals regular files below a directory", func() {
			err := os.MkdirAll(filepath.Join(fs.Path(), "foo/sub"), 0o755)
			g.Assert(err).IsNil()
			g.Assert(rfs.CreateServerFileFromString("foo/a.txt", "12345")).IsNil()
			g.Assert(rfs.CreateServerFileFromString("foo/sub/b.txt", "123")).IsNil()
			g.Assert(rfs.CreateServerFileFromString("c.txt", "1")).IsNil()

			n, err := fs.Usage(ctx, "foo")
			g.Assert(err).IsNil()
			g.Assert(n).Equal(int64(8))

			n, err = fs.Usage(ctx, "")
			g.Assert(err).IsNil()
			g.Assert(n).Equal(int64(9))

			n, err = fs.Usage(ctx, "c.txt")
			g.Assert(err).IsNil()
			g.Assert(n).Equal(int64(1))
		})

		g.It("does not follow symlinks out of the root", func() {
			err := rfs.CreateServerFileFromString("/../big.txt", "0123456789")
			g.Assert(err).IsNil()
			err = os.Symlink(filepath.Join(rfs.root, "big.txt"), filepath.Join(fs.Path(), "big.txt"))
			g.Assert(err).IsNil()

			n, err := fs.Usage(ctx, "")
			g.Assert(err).IsNil()
			g.Assert(n).Equal(int64(0))
		})
	})
}

func TestLocalDir_Denylist(t *testing.T) {
	g := Goblin(t)
	_, rfs := NewFs()
	fs, err := NewLocalDir(filepath.Join(rfs.root, "/server"), []string{"*.secret"})
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	g.Describe("Denylist", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("refuses keys matching the denylist", func() {
			err := rfs.CreateServerFileFromString("a.secret", "testing")
			g.Assert(err).IsNil()

			_, err = fs.Read(ctx, "a.secret")
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()

			err = fs.Write(ctx, "b.secret", []byte("testing"))
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()

			ok, err := fs.Exists("a.secret")
			g.Assert(err).IsNil()
			g.Assert(ok).IsFalse()
		})

		g.It("refuses symlinks that resolve to a denied file", func() {
			err := rfs.CreateServerFileFromString("a.secret", "testing")
			g.Assert(err).IsNil()
			err = os.Symlink(filepath.Join(fs.Path(), "a.secret"), filepath.Join(fs.Path(), "alias.txt"))
			g.Assert(err).IsNil()

			_, err = fs.Read(ctx, "alias.txt")
			g.Assert(IsErrorCode(err, ErrCodeNotAuthorized)).IsTrue()
		})

		g.It("allows everything else", func() {
			err := fs.Write(ctx, "test.txt", []byte("testing"))
			g.Assert(err).IsNil()
		})
	})
}
