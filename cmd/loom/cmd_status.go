package main

import (
	"github.com/spf13/cobra"
)

// newStatusCmd creates the "loom status" subcommand.
func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a JSON summary of sessions and workers",
		Long: "Prints worker counts and utilization, session counts by status, progress\n" +
			"of every active session and task counters as one JSON document.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				return printJSON(cmd.OutOrStdout(), a.aggregator().Summary())
			})
		},
	}
}
