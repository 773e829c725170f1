package config

import (
	"os"
	"sort"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/asaskevich/govalidator"
	"github.com/creasty/defaults"
	"github.com/gammazero/workerpool"
	"github.com/goccy/go-json"

	"github.com/filekid/filekid/filesystem"
	"github.com/filekid/filekid/system"
)

const DefaultLocation = "filekid.json"

var (
	ErrUnknownServerPath = errors.Sentinel("config: unknown server path")
	ErrServerPathOffline = errors.Sentinel("config: server path is not online")
)

type Configuration struct {
	// Determines if filekid should be running in debug mode. This value is
	// ignored if the debug flag is passed through the command line arguments.
	Debug bool `json:"debug"`

	// The largest file, in megabytes, that will be accepted for upload.
	MaxUploadMB int64 `default:"1024" json:"max_upload_mb"`

	// Directory that tempdir server paths are created below. Defaults to the
	// system temporary directory. A tempdir server path with its own path set
	// is created below that path instead.
	ScratchDirectory string `json:"scratch_directory"`

	// The configured storage roots, keyed by the name callers use to refer to
	// them.
	ServerPaths map[string]filesystem.ServerPath `json:"server_paths"`

	// The location the configuration was loaded from.
	path string
}

// FromFile reads the configuration from the provided file and returns the
// configuration object that can then be used. Environment variables in the
// file are expanded before it is decoded.
func FromFile(path string) (*Configuration, error) {
	if st, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Errorf("config: config file %s does not exist", path)
		}
		return nil, errors.Wrap(err, "config: failed to stat config file")
	} else if st.IsDir() {
		return nil, errors.New("config: cannot use directory as configuration file path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: failed to read config file")
	}

	c, err := Parse([]byte(os.ExpandEnv(string(b))))
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// Parse decodes a configuration document, applies defaults and validates it.
func Parse(b []byte) (*Configuration, error) {
	c := &Configuration{}
	if err := defaults.Set(c); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// GetPath returns the location the configuration was loaded from.
func (c *Configuration) GetPath() string {
	return c.path
}

// Validate checks every server path name and descriptor. Tempdir server paths
// are only checked for a type here, they are validated again once they have
// been materialized.
func (c *Configuration) Validate() error {
	if c.MaxUploadMB <= 0 {
		return errors.New("config: max_upload_mb must be greater than zero")
	}
	for name, sp := range c.ServerPaths {
		if name == "" || !govalidator.IsPrintableASCII(name) || strings.ContainsAny(name, `/\`) {
			return errors.Errorf("config: invalid server path name %q", name)
		}
		if sp.Type == filesystem.KindTempDir && sp.Scratch() == nil {
			continue
		}
		if err := sp.Validate(); err != nil {
			return errors.WrapIff(err, "config: server path %s", name)
		}
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Configuration) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

// Names returns the configured server path names in sorted order.
func (c *Configuration) Names() []string {
	names := make([]string, 0, len(c.ServerPaths))
	for name := range c.ServerPaths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Materialize creates the scratch directory for every tempdir server path
// that does not have one yet. The directories belong to the configuration
// and are removed by Close.
func (c *Configuration) Materialize() error {
	for _, name := range c.Names() {
		sp := c.ServerPaths[name]
		if sp.Type != filesystem.KindTempDir || sp.Scratch() != nil {
			continue
		}
		s, err := filesystem.NewScratch(system.FirstNotEmpty(sp.Path, c.ScratchDirectory))
		if err != nil {
			return errors.WrapIff(err, "config: server path %s", name)
		}
		log.WithField("server_path", name).WithField("path", s.Path()).Debug("materialized tempdir server path")
		c.ServerPaths[name] = sp.WithScratch(s)
	}
	return nil
}

// Close releases every scratch directory created by Materialize. Backends
// still holding one keep it alive until they are closed themselves.
func (c *Configuration) Close() error {
	var errs []error
	for name, sp := range c.ServerPaths {
		if s := sp.Scratch(); s != nil {
			if err := s.Release(); err != nil {
				errs = append(errs, errors.WrapIff(err, "config: server path %s", name))
			}
		}
	}
	return errors.Combine(errs...)
}

// ServerPathStatus is the outcome of probing a single server path.
type ServerPathStatus struct {
	Name string
	Type filesystem.Kind
	// Backend is the name of the backend that was probed, empty if one could
	// not be built.
	Backend string
	// Err is nil when the server path is online. An offline path carries
	// ErrServerPathOffline.
	Err error
}

func (s ServerPathStatus) Online() bool {
	return s.Err == nil
}

// Probe builds every configured server path and checks whether it is
// available. All of the server paths are probed concurrently, the results are
// returned in name order.
func (c *Configuration) Probe() []ServerPathStatus {
	names := c.Names()
	out := make([]ServerPathStatus, len(names))

	pool := workerpool.New(4)
	for i, name := range names {
		i, name, sp := i, name, c.ServerPaths[name]
		pool.Submit(func() {
			out[i] = checkServerPath(name, sp)
		})
	}
	pool.StopWait()
	return out
}

// StartupCheck makes sure every local server path is online. Tempdir server
// paths are skipped since their directory is created on demand. Every failure
// is returned.
func (c *Configuration) StartupCheck() error {
	return StartupError(c.Probe())
}

// StartupError combines the failures of every local server path in statuses.
func StartupError(statuses []ServerPathStatus) error {
	var errs []error
	for _, st := range statuses {
		if st.Type == filesystem.KindLocal && st.Err != nil {
			errs = append(errs, st.Err)
		}
	}
	return errors.Combine(errs...)
}

func checkServerPath(name string, sp filesystem.ServerPath) ServerPathStatus {
	st := ServerPathStatus{Name: name, Type: sp.Type}
	b, err := filesystem.New(sp)
	if err != nil {
		st.Err = errors.WrapIff(err, "config: server path %s", name)
		return st
	}
	defer filesystem.Close(b)
	st.Backend = b.Name()

	ok, err := b.Available()
	if err != nil {
		st.Err = errors.WrapIff(err, "config: server path %s (%s)", name, b.Name())
	} else if !ok {
		st.Err = errors.WrapIff(ErrServerPathOffline, "%s (%s)", name, b.Name())
	} else {
		log.WithField("server_path", name).WithField("backend", b.Name()).Debug("server path is online")
	}
	return st
}
