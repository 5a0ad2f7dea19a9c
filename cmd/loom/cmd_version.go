package main

import (
	"fmt"

	"loom/internal/appversion"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the "loom version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\n", appversion.String())
			return nil
		},
	}
}
