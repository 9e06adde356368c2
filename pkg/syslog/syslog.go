// Package syslog implements the RFC 5424 message format and the RFC 6587
// octet-counting framing used for syslog over a byte stream.
package syslog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NilValue is the RFC 5424 placeholder for an absent field.
const NilValue = "-"

// Facility numbers per RFC 5424 section 6.2.1.
var facilities = map[string]int{
	"kern":   0,
	"user":   1,
	"mail":   2,
	"daemon": 3,
	"auth":   4,
	"syslog": 5,
	"lpr":    6,
	"news":   7,
	"local0": 16,
	"local1": 17,
	"local2": 18,
	"local3": 19,
	"local4": 20,
	"local5": 21,
	"local6": 22,
	"local7": 23,
}

// Facility resolves a facility name (case-insensitive) to its number.
func Facility(name string) (int, error) {
	if code, ok := facilities[strings.ToLower(name)]; ok {
		return code, nil
	}
	return 0, fmt.Errorf("unknown syslog facility %q", name)
}

// FacilityNames lists the recognized facility names. Used by config
// validation error messages.
func FacilityNames() []string {
	names := make([]string, 0, len(facilities))
	for name := range facilities {
		names = append(names, name)
	}
	return names
}

// Fixed mapping from event level names to syslog severity codes. Unknown or
// absent levels fall back to informational.
var severityByLevel = map[string]int{
	"DEBUG":    7,
	"INFO":     6,
	"WARNING":  4,
	"ERROR":    3,
	"CRITICAL": 2,
}

const defaultSeverity = 6

// SeverityCode resolves a level name case-insensitively.
func SeverityCode(level string) int {
	if code, ok := severityByLevel[strings.ToUpper(level)]; ok {
		return code
	}
	return defaultSeverity
}

// PRI computes the priority value: facility*8 + severity.
func PRI(facility, severity int) int {
	return facility*8 + severity
}

// Structured-data parameter values escape backslash, double quote and
// closing bracket (RFC 5424 section 6.3.3).
var sdEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`)

// EscapeParam escapes a structured-data parameter value.
func EscapeParam(value string) string {
	return sdEscaper.Replace(value)
}

// SDParam is one key="value" pair inside a structured-data element.
type SDParam struct {
	Key   string
	Value string
}

// StructuredData renders a single SD element with the given SD-ID, or the
// nil value when there are no parameters.
func StructuredData(id string, params []SDParam) string {
	if len(params) == 0 {
		return NilValue
	}
	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(id)
	for _, p := range params {
		sb.WriteByte(' ')
		sb.WriteString(p.Key)
		sb.WriteString(`="`)
		sb.WriteString(EscapeParam(p.Value))
		sb.WriteByte('"')
	}
	sb.WriteByte(']')
	return sb.String()
}

// Timestamp renders t as RFC 3339 with microsecond precision, "Z" for UTC
// and a numeric offset otherwise.
func Timestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000Z07:00")
}

// Line assembles a complete RFC 5424 message. PROCID and MSGID are always
// the nil value; there is no trailing newline — framing is the transport's
// concern.
func Line(pri int, timestamp, hostname, appName, sd, msg string) []byte {
	return []byte(fmt.Sprintf("<%d>1 %s %s %s - - %s %s", pri, timestamp, hostname, appName, sd, msg))
}

// OctetFrame prefixes a message with its decimal byte length and a single
// space per RFC 6587 octet counting.
func OctetFrame(msg []byte) []byte {
	framed := make([]byte, 0, len(msg)+8)
	framed = strconv.AppendInt(framed, int64(len(msg)), 10)
	framed = append(framed, ' ')
	return append(framed, msg...)
}
