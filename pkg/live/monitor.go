// Package live implements live monitoring: a polling loop over a socket
// reader that renders the current snapshot on an interval and serves it
// over HTTP.
package live

import (
	"context"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/memtrace/memtrace/pkg/reader"
	"github.com/memtrace/memtrace/pkg/record"
	"github.com/memtrace/memtrace/pkg/report"
)

// DefaultPollInterval is how often the monitor takes a current snapshot.
const DefaultPollInterval = time.Second

// Monitor polls a still-growing stream. Each cycle takes a current
// snapshot, renders it, and sleeps; there is no concurrent access to an
// index between cycles. Cancellation comes from the service context.
type Monitor struct {
	services.Service

	rd       *reader.SocketReader
	interval time.Duration
	out      io.Writer
	table    *report.TableReporter
	opts     report.Options
	meta     record.Metadata
	logger   log.Logger
}

func NewMonitor(logger log.Logger, rd *reader.SocketReader, interval time.Duration, out io.Writer, opts report.Options) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m := &Monitor{
		rd:       rd,
		interval: interval,
		out:      out,
		table:    &report.TableReporter{MaxRows: 25, Collapse: true, Color: true},
		opts:     opts,
		logger:   logger,
	}
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

func (m *Monitor) starting(ctx context.Context) error {
	level.Info(m.logger).Log("msg", "waiting for writer", "addr", m.rd.Addr())
	meta, err := m.rd.WaitForWriter(ctx)
	if err != nil {
		return err
	}
	m.meta = meta
	return nil
}

func (m *Monitor) running(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.rd.Done():
			// One final render so the last records are reflected.
			m.renderOnce()
			return m.rd.Err()
		case <-ticker.C:
			m.renderOnce()
		}
	}
}

func (m *Monitor) renderOnce() {
	snap, err := m.rd.CurrentSnapshot()
	if err != nil {
		level.Warn(m.logger).Log("msg", "snapshot failed", "err", err)
		return
	}
	if m.out == nil {
		return
	}
	if err := m.table.Render(m.out, snap, m.rd.Frames(), m.meta, m.opts); err != nil {
		level.Warn(m.logger).Log("msg", "render failed", "err", err)
	}
}

func (m *Monitor) stopping(_ error) error {
	return m.rd.Close()
}
