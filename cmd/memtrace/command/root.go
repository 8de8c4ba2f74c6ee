package command

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

var verbose bool

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "memtrace [flags] <subcommand>",
		Short:         "memtrace analyzes memory allocation captures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(
		newFlamegraphCmd(),
		newTableCmd(),
		newSummaryCmd(),
		newLiveCmd(),
	)
	return rootCmd
}

// Execute runs the command tree.
func Execute() error {
	return newRootCmd().Execute()
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}
