// Package report renders snapshots for people: plain-text tables, summary
// statistics, and flame graph JSON documents.
package report

import (
	"io"

	"github.com/memtrace/memtrace/pkg/aggregate"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// Options select what a reporter renders. The snapshot handed to Render is
// internally consistent and immutable for the duration of the call.
type Options struct {
	// ShowMemoryLeaks marks the snapshot as an end-of-stream leaks view
	// instead of a point-in-time live view.
	ShowMemoryLeaks bool
	MergeThreads    bool
	Inverted        bool
	// Filter hides runtime-internal frames; nil applies the default lists.
	Filter *aggregate.FrameFilter
}

func (o Options) aggregate() aggregate.Options {
	filter := o.Filter
	if filter == nil {
		filter = aggregate.DefaultFrameFilter()
	}
	return aggregate.Options{
		MergeThreads: o.MergeThreads,
		Inverted:     o.Inverted,
		Filter:       filter,
	}
}

// Reporter renders one view of a snapshot.
type Reporter interface {
	Render(w io.Writer, snap *liveset.Snapshot, frames aggregate.FrameResolver, meta record.Metadata, opts Options) error
}
