package live

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memtrace/memtrace/pkg/capture"
	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/reader"
	"github.com/memtrace/memtrace/pkg/record"
	"github.com/memtrace/memtrace/pkg/report"
)

var testStack = []frame.Frame{
	{Function: "allocate", File: "app.py", Line: 7},
	{Function: "main", File: "app.py", Line: 1},
}

func startSession(t *testing.T, ctx context.Context, addr string) *capture.Tracker {
	t.Helper()
	dest, err := capture.DialSocket(ctx, nil, addr, 0)
	require.NoError(t, err)
	tracker, err := capture.NewRegistry(nil, nil).Start(capture.SessionOptions{
		Destination: dest,
		CommandLine: "python app.py",
	})
	require.NoError(t, err)
	return tracker
}

func TestMonitorEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rd, err := reader.Listen(nil, "127.0.0.1:0")
	require.NoError(t, err)

	var out bytes.Buffer
	m := NewMonitor(nil, rd, 10*time.Millisecond, &out, report.Options{MergeThreads: true})

	tracker := startSession(t, ctx, rd.Addr().String())
	require.NoError(t, services.StartAndAwaitRunning(ctx, m))

	tracker.RecordAllocation(record.KindMalloc, 0xa0, 100, 1, testStack)
	tracker.RecordAllocation(record.KindMalloc, 0xb0, 200, 1, testStack)

	handler := m.Handler()
	tableSnapshot := func() (uint64, int) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live/table", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			LiveBytes uint64 `json:"liveBytes"`
			Rows      []struct {
				Size uint64
			} `json:"rows"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.LiveBytes, len(body.Rows)
	}

	require.Eventually(t, func() bool {
		live, _ := tableSnapshot()
		return live == 300
	}, 5*time.Second, 10*time.Millisecond)

	live, rows := tableSnapshot()
	assert.Equal(t, uint64(300), live)
	// Both records share a call site and collapse into one row.
	assert.Equal(t, 1, rows)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live/flamegraph?inverted=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"inverted": true`)
	assert.Contains(t, rec.Body.String(), "allocate (app.py:7)")

	// The writer leaving terminates the monitor on its own.
	require.NoError(t, tracker.Close())
	require.NoError(t, m.AwaitTerminated(ctx))
	// The final render reflects the last records received.
	assert.Contains(t, out.String(), "Live allocations")
}

func TestMonitorStopsOnDemand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rd, err := reader.Listen(nil, "127.0.0.1:0")
	require.NoError(t, err)

	m := NewMonitor(nil, rd, time.Hour, nil, report.Options{})
	tracker := startSession(t, ctx, rd.Addr().String())
	defer tracker.Close()

	require.NoError(t, services.StartAndAwaitRunning(ctx, m))
	require.NoError(t, services.StopAndAwaitTerminated(ctx, m))

	_, err = rd.CurrentSnapshot()
	require.ErrorIs(t, err, reader.ErrClosedReader)
}
