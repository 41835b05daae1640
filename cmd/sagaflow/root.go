package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags shared by all commands.
type rootOptions struct {
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sagaflow",
		Short: "Durable saga orchestration engine",
		Long: `sagaflow runs durable, replayable saga orchestrations.

The serve command hosts the engine with the travel-booking sagas behind an
HTTP API; the book command runs a single trip booking in-process and prints
the result.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
			slog.SetDefault(slog.New(handler))
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newBookCommand(opts))

	return cmd
}
