package filesystem

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Scratch is a process owned directory backing tempdir server paths. It is
// reference counted: the creator holds the first reference and every TempDir
// built on top of it holds another. The directory and everything in it is
// removed once the last reference is released.
type Scratch struct {
	path string
	refs atomic.Int64
}

// NewScratch creates a fresh, empty scratch directory below parent, or below
// the system temporary directory if parent is empty. The caller owns one
// reference and must Release it.
func NewScratch(parent string) (*Scratch, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	p := filepath.Join(parent, "filekid-"+uuid.NewString())
	if err := os.MkdirAll(p, 0o700); err != nil {
		return nil, errors.Wrap(err, "filesystem: failed to create scratch directory")
	}
	r, err := canonicalRoot(p)
	if err != nil {
		_ = os.RemoveAll(p)
		return nil, err
	}
	s := &Scratch{path: r}
	s.refs.Store(1)
	log.WithField("subsystem", "filesystem").WithField("path", r).Debug("created scratch directory")
	return s, nil
}

// Path returns the canonical location of the scratch directory.
func (s *Scratch) Path() string {
	return s.path
}

// acquire adds a reference. It fails if the directory has already been
// released for good.
func (s *Scratch) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference, removing the directory when none are left.
func (s *Scratch) Release() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		// Released more times than acquired, the directory is already gone.
		s.refs.Store(0)
		return nil
	}
	log.WithField("subsystem", "filesystem").WithField("path", s.path).Debug("removing scratch directory")
	if err := os.RemoveAll(s.path); err != nil {
		return classify("", errors.Wrap(err, "filesystem: failed to remove scratch directory"))
	}
	return nil
}
