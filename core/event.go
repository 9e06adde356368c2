package core

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SourceRef points at the code location that emitted an event.
type SourceRef struct {
	Path string `json:"path"`
	Line int    `json:"line"`
}

// LogEvent is the normalized event every input produces and every exporter
// consumes. Message holds the individual lines; exporters decide how to join
// them. Zero-value fields mean "absent": exporters only render what is set.
type LogEvent struct {
	Name          string
	Message       []string
	Level         string
	Source        *SourceRef
	Timestamp     time.Time
	Exception     string
	Count         int
	FirstOccurred time.Time
	Origin        string // name of the input that produced the event
}

// NewLogEvent creates an event stamped with the current time.
func NewLogEvent(level string, message ...string) *LogEvent {
	return &LogEvent{
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// eventPayload is the JSON shape shared by the HTTP, Kafka and file inputs.
// Timestamps arrive as float seconds since the epoch; message is either a
// single string or an array of lines.
type eventPayload struct {
	Name          string          `json:"name"`
	Message       json.RawMessage `json:"message"`
	Level         string          `json:"level"`
	Source        *SourceRef      `json:"source"`
	Timestamp     float64         `json:"timestamp"`
	Exception     string          `json:"exception"`
	Count         int             `json:"count"`
	FirstOccurred float64         `json:"first_occurred"`
}

// ParseEvent decodes one JSON event. A missing timestamp defaults to the
// current time.
func ParseEvent(data []byte) (*LogEvent, error) {
	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}

	event := &LogEvent{
		Name:      p.Name,
		Level:     p.Level,
		Source:    p.Source,
		Exception: p.Exception,
		Count:     p.Count,
	}
	if len(p.Message) > 0 {
		var single string
		if err := json.Unmarshal(p.Message, &single); err == nil {
			event.Message = []string{single}
		} else {
			var lines []string
			if err := json.Unmarshal(p.Message, &lines); err != nil {
				return nil, fmt.Errorf("invalid event message: %w", err)
			}
			event.Message = lines
		}
	}
	event.Timestamp = TimeFromEpoch(p.Timestamp)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.FirstOccurred = TimeFromEpoch(p.FirstOccurred)
	return event, nil
}

// TimeFromEpoch converts float seconds since the epoch to a time.Time.
// Non-positive or non-finite values map to the zero time.
func TimeFromEpoch(seconds float64) time.Time {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}
