package command

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/memtrace/memtrace/pkg/reader"
	"github.com/memtrace/memtrace/pkg/report"
)

type flamegraphConfig struct {
	output       string
	leaks        bool
	inverted     bool
	splitThreads bool
	maxNodes     int64
}

func newFlamegraphCmd() *cobra.Command {
	var cfg flamegraphConfig
	cmd := &cobra.Command{
		Use:   "flamegraph <capture>",
		Short: "render a capture as flame graph JSON",
		Long: "Renders the high-watermark snapshot of a capture as a flame graph. " +
			"With --leaks the end-of-stream snapshot (allocations never freed) is rendered instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlamegraph(args[0], cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.output, "output", "o", "", "output path (default stdout)")
	cmd.Flags().BoolVar(&cfg.leaks, "leaks", false, "render leaked allocations instead of the high watermark")
	cmd.Flags().BoolVar(&cfg.inverted, "inverted", false, "root the graph at leaf call sites")
	cmd.Flags().BoolVar(&cfg.splitThreads, "split-threads", false, "keep one subtree per thread instead of merging")
	cmd.Flags().Int64Var(&cfg.maxNodes, "max-nodes", report.DefaultMaxFlameGraphNodes, "maximum rendered nodes")
	return cmd
}

func runFlamegraph(path string, cfg flamegraphConfig) error {
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

	out := os.Stdout
	if cfg.output != "" {
		if out, err = os.Create(cfg.output); err != nil {
			return err
		}
		defer out.Close()
	}
	rep := &report.FlameGraphReporter{MaxNodes: cfg.maxNodes}
	return rep.Render(out, snap, frames, meta, report.Options{
		ShowMemoryLeaks: cfg.leaks,
		MergeThreads:    !cfg.splitThreads,
		Inverted:        cfg.inverted,
	})
}
