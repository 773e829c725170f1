package filesystem

import (
	"sync"
)

// TempDir is a backend over a Scratch directory. Nothing written to it
// survives a restart. Each TempDir holds a reference to its scratch until it
// is closed.
type TempDir struct {
	dirBackend

	scratch *Scratch
	once    sync.Once
}

// NewTempDir returns a TempDir backed by s.
func NewTempDir(s *Scratch, denylist []string) (*TempDir, error) {
	if s == nil || !s.acquire() {
		return nil, newErrorf(ErrCodeConfiguration, "", "tempdir has not been materialized")
	}
	return &TempDir{dirBackend: newDirBackend(KindTempDir, s.Path(), denylist), scratch: s}, nil
}

func (t *TempDir) Name() string {
	return "tempdir (" + t.root + ")"
}

// Close releases this handle's reference to the scratch directory. The
// directory is removed if this was the last one. Calling Close more than once
// is a no-op.
func (t *TempDir) Close() error {
	var err error
	t.once.Do(func() {
		err = t.scratch.Release()
	})
	return err
}

var (
	_ Backend = (*TempDir)(nil)
	_ Sizer   = (*TempDir)(nil)
)
