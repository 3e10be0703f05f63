// Package cmd implements the sage command line interface.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagehq/sage/internal/log"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage - retrieval and synthesis engine",
	Long: `Sage answers questions by routing them to the right knowledge
sources, searching private project knowledge, and synthesizing a cited
answer with a language model.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// newLogger builds the process logger. Debug level comes from --debug or
// the DEBUG environment variable.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if debugFlag || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}
