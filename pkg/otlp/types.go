package otlp

// Envelope types for the OTLP/HTTP logs payload. JSON tags follow the OTLP
// JSON mapping: camelCase names, 64-bit integers rendered as decimal strings.

// ExportLogsRequest is the top-level body POSTed to /v1/logs.
type ExportLogsRequest struct {
	ResourceLogs []ResourceLogs `json:"resourceLogs"`
}

// ResourceLogs groups the records of one resource.
type ResourceLogs struct {
	Resource  Resource    `json:"resource"`
	ScopeLogs []ScopeLogs `json:"scopeLogs"`
}

// Resource describes the process emitting the records.
type Resource struct {
	Attributes []KeyValue `json:"attributes"`
}

// ScopeLogs groups the records of one instrumentation scope.
type ScopeLogs struct {
	Scope      InstrumentationScope `json:"scope"`
	LogRecords []LogRecord          `json:"logRecords"`
}

// InstrumentationScope identifies the library producing the records.
type InstrumentationScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// LogRecord is a single normalized log record. TraceID and SpanID are
// hex strings; they stay empty unless a caller correlates records with
// traces.
type LogRecord struct {
	TimeUnixNano         uint64     `json:"timeUnixNano,string"`
	ObservedTimeUnixNano uint64     `json:"observedTimeUnixNano,string"`
	SeverityNumber       int        `json:"severityNumber"`
	SeverityText         string     `json:"severityText"`
	Body                 AnyValue   `json:"body"`
	Attributes           []KeyValue `json:"attributes,omitempty"`
	TraceID              string     `json:"traceId,omitempty"`
	SpanID               string     `json:"spanId,omitempty"`
}

// KeyValue is one attribute.
type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

// AnyValue carries the string variant only; the record model never
// produces other variants.
type AnyValue struct {
	StringValue string `json:"stringValue"`
}

// String builds a string-valued attribute.
func String(key, value string) KeyValue {
	return KeyValue{Key: key, Value: AnyValue{StringValue: value}}
}
