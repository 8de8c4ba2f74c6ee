package command

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/reader"
	"github.com/memtrace/memtrace/pkg/report"
)

type tableConfig struct {
	leaks        bool
	splitThreads bool
	maxRows      int
}

func newTableCmd() *cobra.Command {
	var cfg tableConfig
	cmd := &cobra.Command{
		Use:   "table <capture>",
		Short: "render a capture as a flat allocation table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTable(args[0], cfg)
		},
	}
	cmd.Flags().BoolVar(&cfg.leaks, "leaks", false, "show leaked allocations instead of the high watermark")
	cmd.Flags().BoolVar(&cfg.splitThreads, "split-threads", false, "attribute rows to their threads instead of merging")
	cmd.Flags().IntVar(&cfg.maxRows, "max-rows", 50, "maximum rows to print, 0 for all")
	return cmd
}

func runTable(path string, cfg tableConfig) error {
	logger := newLogger()
	rd, err := reader.OpenFile(logger, path)
	if err != nil {
		return err
	}
	defer rd.Close()

	meta, err := rd.Metadata()
	if err != nil {
		return err
	}
	snap, frames, err := snapshotFor(rd, cfg.leaks)
	if err != nil {
		return err
	}
	rep := &report.TableReporter{MaxRows: cfg.maxRows, Collapse: true, Color: true}
	return rep.Render(os.Stdout, snap, frames, meta, report.Options{
		ShowMemoryLeaks: cfg.leaks,
		MergeThreads:    !cfg.splitThreads,
	})
}

// snapshotFor picks the view a report renders: the end-of-stream leaks
// snapshot, or the high-watermark snapshot.
func snapshotFor(rd *reader.FileReader, leaks bool) (*liveset.Snapshot, *frame.Table, error) {
	if leaks {
		return rd.CurrentSnapshot()
	}
	snap, _, frames, err := rd.HighWatermarkSnapshot()
	return snap, frames, err
}
