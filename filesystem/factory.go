package filesystem

import (
	"io"
	"strings"
)

// Kind is the type of storage a server path uses.
type Kind string

const (
	KindLocal   Kind = "local"
	KindTempDir Kind = "tempdir"
)

func (k *Kind) UnmarshalText(b []byte) error {
	*k = Kind(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// ServerPath describes a single configured storage root.
type ServerPath struct {
	Type Kind `json:"type"`
	// Path on disk, absolute or relative to the working directory. Required
	// for local server paths. For tempdir server paths it is filled in once
	// the scratch directory has been created.
	Path string `json:"path,omitempty"`
	// Gitignore style patterns for keys that can never be accessed.
	Denylist []string `json:"denylist,omitempty"`

	scratch *Scratch
}

// WithScratch returns a copy of the descriptor pointing at s.
func (sp ServerPath) WithScratch(s *Scratch) ServerPath {
	sp.scratch = s
	sp.Path = s.Path()
	return sp
}

// Scratch returns the scratch directory materialized for a tempdir server
// path, if any.
func (sp ServerPath) Scratch() *Scratch {
	return sp.scratch
}

// Validate checks the invariants a descriptor must meet before a backend can
// be built from it.
func (sp ServerPath) Validate() error {
	switch sp.Type {
	case KindLocal:
		if sp.Path == "" {
			return newErrorf(ErrCodeConfiguration, "", "local server path requires a path")
		}
	case KindTempDir:
		if sp.scratch == nil {
			return newErrorf(ErrCodeConfiguration, "", "tempdir server path has not been materialized")
		}
	case "":
		return newErrorf(ErrCodeConfiguration, "", "server path is missing a type")
	default:
		return newErrorf(ErrCodeConfiguration, "", "unknown server path type %q", sp.Type)
	}
	return nil
}

// New builds the backend described by sp. New kinds of storage are added
// here and nowhere else.
func New(sp ServerPath) (Backend, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	var b Backend
	switch sp.Type {
	case KindLocal:
		l, err := NewLocalDir(sp.Path, sp.Denylist)
		if err != nil {
			return nil, err
		}
		b = l
	case KindTempDir:
		t, err := NewTempDir(sp.scratch, sp.Denylist)
		if err != nil {
			return nil, err
		}
		b = t
	default:
		return nil, newErrorf(ErrCodeConfiguration, "", "unknown server path type %q", sp.Type)
	}
	return b, nil
}

// Close releases any resources held by b. Backends without resources are
// left alone.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
