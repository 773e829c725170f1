package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/filekid/filekid/filesystem"
)

func newListCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ls <server-path> [key]",
		Short: "List the contents of a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := a.backend(args[0])
			if err != nil {
				return err
			}
			defer done()

			key := ""
			if len(args) > 1 {
				key = args[1]
			}
			entries, err := b.List(cmd.Context(), key)
			if err != nil {
				return err
			}
			sortEntries(entries)

			if asJSON {
				type entry struct {
					Name string `json:"name"`
					Path string `json:"path"`
					Kind string `json:"kind"`
				}
				out := make([]entry, len(entries))
				for i, e := range entries {
					out[i] = entry{Name: e.Filename, Path: e.FullPath, Kind: e.Kind.String()}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.Kind, e.FullPath)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as JSON")
	return cmd
}

// sortEntries orders directories before files, then by name.
func sortEntries(entries []filesystem.DirEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Filename < entries[j].Filename
	})
}

func newStatCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stat <server-path> <key>",
		Short: "Show the metadata for a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := a.backend(args[0])
			if err != nil {
				return err
			}
			defer done()

			r, err := b.Metadata(args[1])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), r)
			}

			size := "unknown"
			if r.Size != nil {
				size = humanize.IBytes(uint64(*r.Size))
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "name\t%s\n", r.Filename)
			fmt.Fprintf(w, "parent\t%s\n", r.ParentPath)
			fmt.Fprintf(w, "directory\t%t\n", r.Directory)
			fmt.Fprintf(w, "size\t%s\n", size)
			if r.Mimetype != "" {
				fmt.Fprintf(w, "mime\t%s\n", r.Mimetype)
			}
			if !r.ModTime.IsZero() {
				fmt.Fprintf(w, "modified\t%s (%s)\n", r.ModTime.Format("2006-01-02 15:04:05"), humanize.Time(r.ModTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func newCatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <server-path> <key>",
		Short: "Write the contents of a file to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := a.backend(args[0])
			if err != nil {
				return err
			}
			defer done()

			r, _, err := b.Open(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			defer r.Close()

			_, err = io.Copy(cmd.OutOrStdout(), r)
			return errors.WithStack(err)
		},
	}
}

func newPutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <server-path> <key> <local-file|->",
		Short: "Upload a local file, or stdin, to a server path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := a.store.Get().MaxUploadBytes()

			var src io.Reader = cmd.InOrStdin()
			if args[2] != "-" {
				f, err := os.Open(args[2])
				if err != nil {
					return errors.WithStack(err)
				}
				defer f.Close()
				src = f
			}

			// Read one byte past the limit so an oversized upload can be told
			// apart from one that is exactly at it.
			data, err := io.ReadAll(io.LimitReader(src, limit+1))
			if err != nil {
				return errors.WithStack(err)
			}
			if int64(len(data)) > limit {
				return errors.Errorf("upload exceeds the maximum allowed size of %s", humanize.IBytes(uint64(limit)))
			}

			b, done, err := a.backend(args[0])
			if err != nil {
				return err
			}
			defer done()

			if err := b.Write(cmd.Context(), args[1], data); err != nil {
				return err
			}
			log.WithField("server_path", args[0]).WithField("key", args[1]).WithField("size", humanize.IBytes(uint64(len(data)))).Info("wrote file")
			return nil
		},
	}
}

func newRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <server-path> <key>...",
		Short: "Delete one or more files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := a.backend(args[0])
			if err != nil {
				return err
			}
			defer done()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(4)
			for _, key := range args[1:] {
				key := key
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := b.Delete(key); err != nil {
						return err
					}
					log.WithField("server_path", args[0]).WithField("key", key).Debug("deleted file")
					return nil
				})
			}
			return g.Wait()
		},
	}
}

func newUsageCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "du <server-path> [key]",
		Short: "Show the disk space used below a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, done, err := a.backend(args[0])
			if err != nil {
				return err
			}
			defer done()

			s, ok := b.(filesystem.Sizer)
			if !ok {
				return errors.Errorf("%s does not support usage calculation", b.Name())
			}
			key := ""
			if len(args) > 1 {
				key = args[1]
			}
			n, err := s.Usage(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", humanize.IBytes(uint64(n)), b.Name())
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
