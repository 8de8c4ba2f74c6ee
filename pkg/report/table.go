package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/memtrace/memtrace/pkg/aggregate"
	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// TableReporter renders the flat table aggregation: one line per logical
// allocation, largest first.
type TableReporter struct {
	// MaxRows truncates the output; zero renders every row.
	MaxRows int
	// Collapse merges rows sharing call site, thread, and allocator kind.
	Collapse bool
	// Color enables ANSI accents on headers and totals.
	Color bool
}

func (r *TableReporter) Render(w io.Writer, snap *liveset.Snapshot, frames aggregate.FrameResolver, meta record.Metadata, opts Options) error {
	rows := aggregate.BuildRows(snap, frames, opts.aggregate())
	if r.Collapse {
		rows = aggregate.CollapseRows(rows)
	}
	aggregate.SortRowsBySize(rows)

	title := "Live allocations"
	if opts.ShowMemoryLeaks {
		title = "Leaked allocations"
	}
	heading := color.New(color.Bold)
	if !r.Color {
		heading.DisableColor()
	}
	if _, err := heading.Fprintf(w, "%s: %s in %d allocations\n",
		title, humanize.IBytes(snap.LiveBytes), len(snap.Records)); err != nil {
		return err
	}
	if meta.CommandLine != "" {
		fmt.Fprintf(w, "command: %s\n", meta.CommandLine)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tCOUNT\tALLOCATOR\tTHREAD\tLOCATION")
	shown := 0
	for i := range rows {
		if r.MaxRows > 0 && shown >= r.MaxRows {
			fmt.Fprintf(tw, "...\t\t\t\t%d more rows\n", len(rows)-shown)
			break
		}
		row := &rows[i]
		location := row.Frame.String()
		if row.Frame == (frame.Frame{}) {
			location = "<unknown>"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			humanize.IBytes(row.Size), row.AllocationCount, row.Kind, row.Thread(), location)
		shown++
	}
	return tw.Flush()
}
