package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// newLogger builds the command logger from the persistent --verbose and
// --quiet flags. Output goes to the command's stderr.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return buildLogger(cmd.ErrOrStderr(), verbose, quiet)
}

func buildLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
