package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/memtrace/memtrace/pkg/aggregate"
	"github.com/memtrace/memtrace/pkg/liveset"
	"github.com/memtrace/memtrace/pkg/record"
)

// DefaultMaxFlameGraphNodes bounds flame graph size for rendering; nodes
// below the cut collapse into "other".
const DefaultMaxFlameGraphNodes = 8192

// FlameGraphReporter renders the call-tree aggregation as a JSON document:
// a metadata envelope around the level-encoded flame graph.
type FlameGraphReporter struct {
	// MaxNodes caps the number of rendered nodes; zero uses the default.
	MaxNodes int64
}

type flameGraphDocument struct {
	CommandLine      string                `json:"commandLine,omitempty"`
	PID              int                   `json:"pid,omitempty"`
	StartTime        *time.Time            `json:"startTime,omitempty"`
	EndTime          *time.Time            `json:"endTime,omitempty"`
	TotalAllocations uint64                `json:"totalAllocations,omitempty"`
	Position         uint64                `json:"snapshotPosition"`
	LiveBytes        uint64                `json:"liveBytes"`
	MemoryLeaks      bool                  `json:"memoryLeaks"`
	Inverted         bool                  `json:"inverted"`
	MergedThreads    bool                  `json:"mergedThreads"`
	FlameGraph       *aggregate.FlameGraph `json:"flamegraph"`
}

func (r *FlameGraphReporter) Render(w io.Writer, snap *liveset.Snapshot, frames aggregate.FrameResolver, meta record.Metadata, opts Options) error {
	maxNodes := r.MaxNodes
	if maxNodes <= 0 {
		maxNodes = DefaultMaxFlameGraphNodes
	}
	tree := aggregate.NewTree(snap, frames, opts.aggregate())
	doc := flameGraphDocument{
		CommandLine:      meta.CommandLine,
		PID:              meta.PID,
		TotalAllocations: meta.TotalAllocations,
		Position:         snap.Position,
		LiveBytes:        snap.LiveBytes,
		MemoryLeaks:      opts.ShowMemoryLeaks,
		Inverted:         opts.Inverted,
		MergedThreads:    opts.MergeThreads,
		FlameGraph:       aggregate.NewFlameGraph(tree, maxNodes),
	}
	if !meta.StartTime.IsZero() {
		doc.StartTime = &meta.StartTime
	}
	if !meta.EndTime.IsZero() {
		doc.EndTime = &meta.EndTime
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
