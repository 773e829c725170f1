package config

import (
	"sync"

	"emperror.dev/errors"

	"github.com/filekid/filekid/filesystem"
)

// Store holds the live configuration. It is shared by reference between
// everything that needs it; readers take a snapshot and never hold the lock
// while doing I/O.
type Store struct {
	mu sync.RWMutex
	c  *Configuration
}

func NewStore(c *Configuration) *Store {
	return &Store{c: c}
}

// Get returns a copy of the current configuration. The server path map is
// copied as well so the caller can range over it without holding the lock.
func (s *Store) Get() *Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := *s.c
	c.ServerPaths = make(map[string]filesystem.ServerPath, len(s.c.ServerPaths))
	for k, v := range s.c.ServerPaths {
		c.ServerPaths[k] = v
	}
	return &c
}

// Update performs an in-situ update of the configuration while holding the
// write lock.
func (s *Store) Update(callback func(c *Configuration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	callback(s.c)
}

// ServerPath returns the descriptor for the named server path.
func (s *Store) ServerPath(name string) (filesystem.ServerPath, error) {
	s.mu.RLock()
	sp, ok := s.c.ServerPaths[name]
	s.mu.RUnlock()
	if !ok {
		return filesystem.ServerPath{}, errors.WrapIff(ErrUnknownServerPath, "%s", name)
	}
	return sp, nil
}

// Backend builds a backend for the named server path. The descriptor is read
// under the lock, the backend is constructed after it has been released. The
// caller should pass the backend to filesystem.Close when done with it.
func (s *Store) Backend(name string) (filesystem.Backend, error) {
	sp, err := s.ServerPath(name)
	if err != nil {
		return nil, err
	}
	return filesystem.New(sp)
}
