package live

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/memtrace/memtrace/pkg/aggregate"
	"github.com/memtrace/memtrace/pkg/report"
)

// Handler serves the monitor's current snapshot as JSON. Every request
// takes its own snapshot, so handlers never share replay state.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/live/flamegraph", m.flamegraphHandler).Methods(http.MethodGet)
	r.HandleFunc("/live/table", m.tableHandler).Methods(http.MethodGet)
	return r
}

func (m *Monitor) flamegraphHandler(w http.ResponseWriter, req *http.Request) {
	snap, err := m.rd.CurrentSnapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	opts := m.opts
	if req.URL.Query().Get("inverted") == "true" {
		opts.Inverted = true
	}
	w.Header().Set("Content-Type", "application/json")
	fg := &report.FlameGraphReporter{}
	if err := fg.Render(w, snap, m.rd.Frames(), m.meta, opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Monitor) tableHandler(w http.ResponseWriter, req *http.Request) {
	snap, err := m.rd.CurrentSnapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	filter := m.opts.Filter
	if filter == nil {
		filter = aggregate.DefaultFrameFilter()
	}
	rows := aggregate.BuildRows(snap, m.rd.Frames(), aggregate.Options{
		MergeThreads: m.opts.MergeThreads,
		Filter:       filter,
	})
	rows = aggregate.CollapseRows(rows)
	aggregate.SortRowsBySize(rows)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		LiveBytes uint64          `json:"liveBytes"`
		Position  uint64          `json:"position"`
		Rows      []aggregate.Row `json:"rows"`
	}{snap.LiveBytes, snap.Position, rows}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
