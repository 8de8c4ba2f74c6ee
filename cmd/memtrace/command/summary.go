package command

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/memtrace/memtrace/pkg/reader"
	"github.com/memtrace/memtrace/pkg/report"
)

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <capture>",
		Short: "print whole-capture statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, err := reader.OpenFile(newLogger(), args[0])
			if err != nil {
				return err
			}
			defer rd.Close()
			meta, err := rd.Metadata()
			if err != nil {
				return err
			}
			stats, err := rd.Stats()
			if err != nil {
				return err
			}
			return report.WriteSummary(os.Stdout, stats, meta)
		},
	}
}
