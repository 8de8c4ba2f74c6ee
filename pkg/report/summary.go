package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// WriteSummary renders whole-capture statistics as plain text.
func WriteSummary(w io.Writer, stats liveset.Stats, meta record.Metadata) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	if meta.CommandLine != "" {
		fmt.Fprintf(tw, "command:\t%s\n", meta.CommandLine)
	}
	if meta.PID != 0 {
		fmt.Fprintf(tw, "pid:\t%d\n", meta.PID)
	}
	if !meta.StartTime.IsZero() && !meta.EndTime.IsZero() {
		fmt.Fprintf(tw, "duration:\t%s\n", meta.EndTime.Sub(meta.StartTime))
	}
	fmt.Fprintf(tw, "allocation records:\t%d\n", stats.TotalAllocations)
	fmt.Fprintf(tw, "bytes allocated:\t%s\n", humanize.IBytes(stats.TotalBytesAllocated))
	fmt.Fprintf(tw, "peak live bytes:\t%s\n", humanize.IBytes(stats.PeakLiveBytes))
	fmt.Fprintf(tw, "threads:\t%d\n", stats.ThreadCount)

	kinds := make([]record.AllocatorKind, 0, len(stats.AllocationsByKind))
	for kind := range stats.AllocationsByKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		fmt.Fprintf(tw, "  %s:\t%d\n", kind, stats.AllocationsByKind[kind])
	}
	return tw.Flush()
}
