package otlp

import "strings"

// Severity is the OTLP severity pair assigned to a record.
type Severity struct {
	Number int
	Text   string
}

// Fixed mapping from event level names to OTLP severity. Unknown or absent
// levels fall back to INFO.
var severityByLevel = map[string]Severity{
	"DEBUG":    {Number: 5, Text: "DEBUG"},
	"INFO":     {Number: 9, Text: "INFO"},
	"WARNING":  {Number: 13, Text: "WARN"},
	"ERROR":    {Number: 17, Text: "ERROR"},
	"CRITICAL": {Number: 21, Text: "FATAL"},
}

var defaultSeverity = Severity{Number: 9, Text: "INFO"}

// MapSeverity resolves a level name case-insensitively.
func MapSeverity(level string) Severity {
	if sev, ok := severityByLevel[strings.ToUpper(level)]; ok {
		return sev
	}
	return defaultSeverity
}
