package filesystem

import (
	"context"
	"io"
	"time"

	"github.com/goccy/go-json"
)

// Backend is implemented by every kind of storage a server path can point at.
// Each method takes an untrusted, slash separated key relative to the
// backend's root and re-checks containment before touching storage.
//
// Implementations hold no locks between calls, so a Backend may be used from
// any number of goroutines at once.
type Backend interface {
	// Name returns a stable identifier that includes the backend kind and its
	// root directory.
	Name() string

	// Available reports whether the root currently exists and is usable. An
	// absent root is reported as false rather than as an error.
	Available() (bool, error)

	// Exists returns true if the key is inside the root and the target
	// exists. The empty key always exists since it is the root itself.
	Exists(key string) (bool, error)

	// Metadata returns a FileRecord describing the target of key.
	Metadata(key string) (*FileRecord, error)

	// Read returns the full contents of a file.
	Read(ctx context.Context, key string) ([]byte, error)

	// Open returns a reader for a file along with the record describing it.
	// The caller must close the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, *FileRecord, error)

	// Write creates or truncates the file at key and writes data to it. Any
	// missing parent directories inside the root are created.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a single file. Directories are never removed.
	Delete(key string) error

	// List returns the immediate children of the directory at key. The empty
	// key lists the root. No ordering is guaranteed.
	List(ctx context.Context, key string) ([]DirEntry, error)
}

// Sizer is implemented by backends that can total the space used below a key.
type Sizer interface {
	Usage(ctx context.Context, key string) (int64, error)
}

// FileRecord describes a located file or directory.
type FileRecord struct {
	Filename string
	// The absolute directory containing the file.
	ParentPath string
	// Size is nil when it could not be determined, which is not the same as
	// an empty file.
	Size      *int64
	Directory bool
	ModTime   time.Time
	Mimetype  string
}

func (r *FileRecord) MarshalJSON() ([]byte, error) {
	var modified string
	if !r.ModTime.IsZero() {
		modified = r.ModTime.Format(time.RFC3339)
	}
	return json.Marshal(struct {
		Name      string `json:"name"`
		Parent    string `json:"parent"`
		Size      *int64 `json:"size"`
		Directory bool   `json:"directory"`
		Modified  string `json:"modified,omitempty"`
		Mime      string `json:"mime,omitempty"`
	}{
		Name:      r.Filename,
		Parent:    r.ParentPath,
		Size:      r.Size,
		Directory: r.Directory,
		Modified:  modified,
		Mime:      r.Mimetype,
	})
}

type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDirectory
)

func (k EntryKind) String() string {
	if k == EntryDirectory {
		return "directory"
	}
	return "file"
}

// DirEntry is a single child returned from a List call.
type DirEntry struct {
	Filename string
	// FullPath is the caller's key joined with Filename. It is relative to
	// the backend root and never starts with a "/".
	FullPath string
	Kind     EntryKind
}

func (e DirEntry) IsDir() bool {
	return e.Kind == EntryDirectory
}
