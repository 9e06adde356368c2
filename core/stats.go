package core

import (
	"sync"
	"time"
)

// StatsSnapshot is the read-only view of one exporter's counters, exposed
// through the status endpoint and tests.
type StatsSnapshot struct {
	EventCount           uint64    `json:"event_count"`
	FormatErrorCount     uint64    `json:"format_error_count"`
	PostingErrorCount    uint64    `json:"posting_error_count"`
	SentCount            uint64    `json:"sent_count"`
	BufferedCount        int       `json:"buffered_count"`
	LastEventTime        time.Time `json:"last_event_time"`
	LastFormatError      string    `json:"last_format_error,omitempty"`
	LastFormatErrorTime  time.Time `json:"last_format_error_time"`
	LastPostingError     string    `json:"last_posting_error,omitempty"`
	LastPostingErrorTime time.Time `json:"last_posting_error_time"`
	LastSentTime         time.Time `json:"last_sent_time"`
}

// Stats tracks an exporter's counters under a lock and mirrors them into
// Prometheus when metrics are configured. sent_count counts successful
// postings, not records.
type Stats struct {
	mu      sync.RWMutex
	snap    StatsSnapshot
	metrics *ExporterMetrics
}

// NewStats creates a counter set; metrics may be nil.
func NewStats(metrics *ExporterMetrics) *Stats {
	return &Stats{metrics: metrics}
}

// Event records one event accepted into the buffer.
func (s *Stats) Event() {
	s.mu.Lock()
	s.snap.EventCount++
	s.snap.LastEventTime = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Events.Inc()
	}
}

// FormatError records one event that failed to transform.
func (s *Stats) FormatError(err error) {
	s.mu.Lock()
	s.snap.FormatErrorCount++
	s.snap.LastFormatError = err.Error()
	s.snap.LastFormatErrorTime = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.FormatErrors.Inc()
	}
}

// PostingError records one failed flush.
func (s *Stats) PostingError(err error) {
	s.mu.Lock()
	s.snap.PostingErrorCount++
	s.snap.LastPostingError = err.Error()
	s.snap.LastPostingErrorTime = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PostingErrors.Inc()
	}
}

// Sent records one successful posting that delivered records records.
func (s *Stats) Sent(records int) {
	s.mu.Lock()
	s.snap.SentCount++
	s.snap.LastSentTime = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Postings.Inc()
		s.metrics.SentRecords.Add(float64(records))
	}
}

// Buffered mirrors the current pending-buffer length into the gauge. The
// snapshot's buffered count is supplied at snapshot time instead, so this
// only touches Prometheus.
func (s *Stats) Buffered(n int) {
	if s.metrics != nil {
		s.metrics.Buffered.Set(float64(n))
	}
}

// Snapshot returns a copy of the counters; buffered is the caller-supplied
// current buffer length.
func (s *Stats) Snapshot(buffered int) StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.BufferedCount = buffered
	return snap
}
