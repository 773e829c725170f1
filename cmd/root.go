package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/filekid/filekid/config"
	"github.com/filekid/filekid/filesystem"
	"github.com/filekid/filekid/loggers/cli"
	"github.com/filekid/filekid/system"
)

// app carries the state shared by every subcommand for one invocation.
type app struct {
	configPath string
	debug      bool

	store *config.Store
}

// newRootCommand builds the filekid command tree. The configuration file is
// taken from --config, then FILEKID_CONFIG, then filekid.json in the working
// directory. The returned app must be closed once the command has run.
func newRootCommand() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:           "filekid",
		Short:         "Sandboxed file access to configured server paths",
		Version:       system.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", system.FirstNotEmpty(os.Getenv("FILEKID_CONFIG"), config.DefaultLocation), "set the location for the configuration file")
	root.PersistentFlags().BoolVarP(&a.debug, "debug", "d", envBool("FILEKID_DEBUG"), "pass in order to run filekid in debug mode")

	root.AddCommand(
		newCheckCommand(a),
		newListCommand(a),
		newStatCommand(a),
		newCatCommand(a),
		newPutCommand(a),
		newRemoveCommand(a),
		newUsageCommand(a),
		newVersionCommand(),
	)
	return root, a
}

// Execute runs the command tree. Scratch directories created while loading the
// configuration are released whether or not the command succeeded.
func Execute(ctx context.Context) error {
	root, a := newRootCommand()
	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		if err == nil {
			return cerr
		}
		log.WithField("error", cerr).Warn("failed to release scratch directories")
	}
	return err
}

func (a *app) load(cmd *cobra.Command) error {
	cli.Configure(cmd.ErrOrStderr(), a.debug)

	p := a.configPath
	if !filepath.IsAbs(p) {
		d, err := os.Getwd()
		if err != nil {
			return errors.WithStack(err)
		}
		p = filepath.Clean(filepath.Join(d, p))
	}

	c, err := config.FromFile(p)
	if err != nil {
		return err
	}
	// The flag can only turn debug mode on, never off.
	if a.debug {
		c.Debug = true
	} else if c.Debug {
		cli.Configure(cmd.ErrOrStderr(), true)
	}
	log.WithField("path", c.GetPath()).Debug("loaded configuration")

	if err := c.Materialize(); err != nil {
		_ = c.Close()
		return err
	}
	a.store = config.NewStore(c)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	s := a.store
	a.store = nil
	return s.Get().Close()
}

// backend builds the backend for a server path. The returned function must be
// called once the backend is no longer needed.
func (a *app) backend(name string) (filesystem.Backend, func(), error) {
	b, err := a.store.Backend(name)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("server_path", name).WithField("backend", b.Name()).Debug("using backend")
	return b, func() {
		if err := filesystem.Close(b); err != nil {
			log.WithField("error", err).WithField("server_path", name).Warn("failed to close backend")
		}
	}, nil
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}
