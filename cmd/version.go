package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filekid/filekid/system"
)

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and platform information",
		Args:  cobra.NoArgs,
		// Runs without a configuration file.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			i := system.GetSystemInformation()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), i)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "filekid %s (%s, %s/%s, %d cpus)\n", i.Version, i.GoVersion, i.OS, i.Architecture, i.CpuCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the information as JSON")
	return cmd
}
