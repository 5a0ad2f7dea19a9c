package main

import (
	"fmt"
	"io"
	"log/slog"

	"loom/internal/appversion"

	"github.com/spf13/cobra"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	configPath string
	debug      bool
	logJSON    bool
}

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	cmd := &cobra.Command{
		Use:   "loom",
		Short: "Build session coordinator",
		Long: "loom tracks build sessions and the file locks they hold, runs a pool of\n" +
			"heartbeating workers and reports live progress.",
		Version:       fmt.Sprintf("loom %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), opts.debug, opts.logJSON))
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: $LOOM_HOME/config.yaml or config.toml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "log as JSON instead of text")

	cmd.AddCommand(
		newSessionCmd(opts),
		newWorkerCmd(opts),
		newSweepCmd(opts),
		newStatusCmd(opts),
		newDashCmd(opts),
		newLogsCmd(opts),
		newRunCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// parseable.
func newLogger(w io.Writer, debug, asJSON bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
