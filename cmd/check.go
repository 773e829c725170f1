package cmd

import (
	"fmt"

	"emperror.dev/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/filekid/filekid/config"
)

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that every configured server path is online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := a.store.Get().Probe()

			out := cmd.OutOrStdout()
			for _, st := range statuses {
				switch {
				case st.Online():
					fmt.Fprintf(out, "%-20s %s %s\n", st.Name, color.GreenString("online"), st.Backend)
				case errors.Is(st.Err, config.ErrServerPathOffline):
					fmt.Fprintf(out, "%-20s %s %s\n", st.Name, color.YellowString("offline"), st.Backend)
				default:
					fmt.Fprintf(out, "%-20s %s %s\n", st.Name, color.RedString("error"), st.Err)
				}
			}
			return config.StartupError(statuses)
		},
	}
}
