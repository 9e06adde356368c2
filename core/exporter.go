package core

import (
	"context"
	"time"
)

// InputPlugin is an event source feeding the engine channel.
type InputPlugin interface {
	Start() error
	Stop() error
	SetEventChannel(ch chan<- *LogEvent)
}

// FilterPlugin decides whether a pipeline keeps an event.
type FilterPlugin interface {
	Process(event *LogEvent) bool
}

// Exporter is the capability set shared by the otlp and syslog backends.
// The engine owns each exporter's flush loop; the exporter owns its buffer,
// transport and counters.
type Exporter interface {
	Name() string

	// HandleEvent transforms and buffers one event. It never blocks and
	// never fails the caller; transform failures are counted as format
	// errors, events originating from the exporter's own module are
	// discarded.
	HandleEvent(event *LogEvent)

	// Flush drains the buffer and sends what was pending. Transport
	// failures are counted as posting errors and never escape; the
	// returned error is informational for shutdown logging.
	Flush(ctx context.Context) error

	// FlushRequests delivers eager flush requests raised by the buffer
	// size threshold.
	FlushRequests() <-chan struct{}

	// FlushInterval is the periodic flush period.
	FlushInterval() time.Duration

	// Close releases transport resources. Idempotent; called after the
	// final flush.
	Close() error

	Stats() StatsSnapshot
}

// FlushSignal is the single-slot eager-flush request channel. Requests made
// while one is already pending are absorbed.
type FlushSignal chan struct{}

// NewFlushSignal creates the request channel.
func NewFlushSignal() FlushSignal {
	return make(FlushSignal, 1)
}

// Request files an eager flush request without blocking.
func (s FlushSignal) Request() {
	select {
	case s <- struct{}{}:
	default:
	}
}
