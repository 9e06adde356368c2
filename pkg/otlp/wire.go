package otlp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
)

// Hand-rolled protobuf wire encoding for the OTLP logs subset. Only three
// wire types appear in the schema: varint for severity numbers, fixed64 for
// the nanosecond timestamps, and length-delimited for strings, bytes and
// submessages. Submessages are built bottom-up because the length prefix
// must precede the content.

const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
)

func appendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func appendTag(b []byte, field, wire int) []byte {
	return appendVarint(b, uint64(field)<<3|uint64(wire))
}

func appendVarintField(b []byte, field int, v uint64) []byte {
	b = appendTag(b, field, wireVarint)
	return appendVarint(b, v)
}

func appendFixed64Field(b []byte, field int, v uint64) []byte {
	b = appendTag(b, field, wireFixed64)
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendBytesField(b []byte, field int, p []byte) []byte {
	b = appendTag(b, field, wireBytes)
	b = appendVarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendStringField(b []byte, field int, s string) []byte {
	b = appendTag(b, field, wireBytes)
	b = appendVarint(b, uint64(len(s)))
	return append(b, s...)
}

func encodeAnyValue(v AnyValue) []byte {
	return appendStringField(nil, 1, v.StringValue)
}

func encodeKeyValue(kv KeyValue) []byte {
	b := appendStringField(nil, 1, kv.Key)
	return appendBytesField(b, 2, encodeAnyValue(kv.Value))
}

// encodeLogRecord writes fields in schema order: time_unix_nano=1,
// severity_number=2, severity_text=3, body=5, attributes=6, trace_id=9,
// span_id=10, observed_time_unix_nano=11. Absent optional fields are
// omitted entirely; the body is always present.
func encodeLogRecord(r LogRecord) ([]byte, error) {
	var b []byte
	if r.TimeUnixNano != 0 {
		b = appendFixed64Field(b, 1, r.TimeUnixNano)
	}
	if r.SeverityNumber != 0 {
		b = appendVarintField(b, 2, uint64(r.SeverityNumber))
	}
	if r.SeverityText != "" {
		b = appendStringField(b, 3, r.SeverityText)
	}
	b = appendBytesField(b, 5, encodeAnyValue(r.Body))
	for _, kv := range r.Attributes {
		b = appendBytesField(b, 6, encodeKeyValue(kv))
	}
	if r.TraceID != "" {
		id, err := hex.DecodeString(r.TraceID)
		if err != nil {
			return nil, fmt.Errorf("trace id %q: %w", r.TraceID, err)
		}
		b = appendBytesField(b, 9, id)
	}
	if r.SpanID != "" {
		id, err := hex.DecodeString(r.SpanID)
		if err != nil {
			return nil, fmt.Errorf("span id %q: %w", r.SpanID, err)
		}
		b = appendBytesField(b, 10, id)
	}
	if r.ObservedTimeUnixNano != 0 {
		b = appendFixed64Field(b, 11, r.ObservedTimeUnixNano)
	}
	return b, nil
}

func encodeResource(res Resource) []byte {
	var b []byte
	for _, kv := range res.Attributes {
		b = appendBytesField(b, 1, encodeKeyValue(kv))
	}
	return b
}

func encodeScope(s InstrumentationScope) []byte {
	var b []byte
	if s.Name != "" {
		b = appendStringField(b, 1, s.Name)
	}
	if s.Version != "" {
		b = appendStringField(b, 2, s.Version)
	}
	return b
}

func encodeScopeLogs(sl ScopeLogs) ([]byte, error) {
	b := appendBytesField(nil, 1, encodeScope(sl.Scope))
	for _, r := range sl.LogRecords {
		rb, err := encodeLogRecord(r)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, 2, rb)
	}
	return b, nil
}

func encodeResourceLogs(rl ResourceLogs) ([]byte, error) {
	b := appendBytesField(nil, 1, encodeResource(rl.Resource))
	for _, sl := range rl.ScopeLogs {
		sb, err := encodeScopeLogs(sl)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, 2, sb)
	}
	return b, nil
}

// Encode serializes an export request to protobuf wire bytes. Encoding is
// total: a ResourceLogs entry that fails (the only failure mode is an
// invalid hex trace or span id) is skipped and logged without aborting the
// remaining entries. An empty request encodes to zero bytes.
func Encode(req ExportLogsRequest) []byte {
	var b []byte
	for _, rl := range req.ResourceLogs {
		rb, err := encodeResourceLogs(rl)
		if err != nil {
			log.Printf("[OTLP] skipping unencodable resource logs entry: %v", err)
			continue
		}
		b = appendBytesField(b, 1, rb)
	}
	return b
}
