package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessionsStarted prometheus.Counter
	recordsTotal    *prometheus.CounterVec
	bytesWritten    prometheus.Counter
	disconnects     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessionsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memtrace_capture_sessions_started_total",
			Help: "Number of capture sessions started.",
		}),
		recordsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "memtrace_capture_records_total",
			Help: "Number of records written, by record type.",
		}, []string{"type"}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memtrace_capture_bytes_written_total",
			Help: "Number of stream bytes written to the destination.",
		}),
		disconnects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memtrace_capture_disconnects_total",
			Help: "Number of times tracking was disabled after a destination write failure.",
		}),
	}
	return m
}
