package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	obs "netcapture/internal/infrastructure/observability"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			b := obs.Build()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s", b.Name, b.Version, b.Commit)
			if b.Date != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ", built %s", b.Date)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
		},
	}
}
