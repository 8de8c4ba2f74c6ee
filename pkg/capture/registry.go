package capture

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memtrace/memtrace/pkg/frame"
	"github.com/memtrace/memtrace/pkg/record"
)

// ErrAlreadyTracking reports an attempt to start or re-enter a capture
// session while one is active.
var ErrAlreadyTracking = errors.New("a capture session is already active")

// SessionOptions configure one capture session.
type SessionOptions struct {
	// Destination receives the record stream. Required.
	Destination Destination
	// WriteFooter finalizes the stream with a footer and trailer on close.
	// Set for file destinations only.
	WriteFooter bool
	// CommandLine and PID describe the traced process; both default from
	// the current process when empty.
	CommandLine string
	PID         int
}

// Registry enforces at most one active capture session per process. It is
// an explicit, injectable object rather than package state, so tests can
// build and discard their own.
type Registry struct {
	mu     sync.Mutex
	active *Tracker

	logger  log.Logger
	metrics *metrics
}

func NewRegistry(logger log.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// Start begins a new capture session. It fails with ErrAlreadyTracking
// while another session is active; closing the active session and starting
// a new one is permitted and begins a fresh sequence-number space.
func (r *Registry) Start(opts SessionOptions) (*Tracker, error) {
	if opts.Destination == nil {
		return nil, errors.New("capture: no destination")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrAlreadyTracking
	}
	if opts.CommandLine == "" {
		opts.CommandLine = strings.Join(os.Args, " ")
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	t := &Tracker{
		enc:    record.NewEncoder(opts.Destination),
		dest:   opts.Destination,
		frames: frame.NewTable(),
		meta: record.Metadata{
			StartTime:   time.Now(),
			CommandLine: opts.CommandLine,
			PID:         opts.PID,
		},
		id:          uuid.New(),
		writeFooter: opts.WriteFooter,
		registry:    r,
		logger:      r.logger,
		metrics:     r.metrics,
	}
	if err := t.enc.WriteHeader(t.meta); err != nil {
		_ = opts.Destination.Close()
		return nil, errors.Wrap(err, "write stream header")
	}
	r.active = t
	r.metrics.sessionsStarted.Inc()
	level.Debug(r.logger).Log("msg", "capture session started", "session", t.id)
	return t, nil
}

// StartFile starts a session writing to a file at path.
func (r *Registry) StartFile(path string, overwrite bool) (*Tracker, error) {
	dest, err := NewFileDestination(path, overwrite)
	if err != nil {
		return nil, err
	}
	return r.Start(SessionOptions{Destination: dest, WriteFooter: true})
}

// Active returns the currently active session, or nil.
func (r *Registry) Active() *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) release(t *Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == t {
		r.active = nil
	}
}
