package otlp

import (
	"fmt"
	"strings"
)

// parsePairs splits a "key=value,key2=value2" string into ordered pairs.
// Whitespace around keys and values is trimmed, empty segments (such as a
// trailing comma) are skipped, values may contain further '=' characters.
// A segment without '=' or with an empty key is a format error.
func parsePairs(raw string) ([][2]string, error) {
	var pairs [][2]string
	for _, segment := range strings.Split(raw, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, found := strings.Cut(segment, "=")
		if !found {
			return nil, fmt.Errorf("%q is not in key=value form", segment)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%q has an empty key", segment)
		}
		pairs = append(pairs, [2]string{key, strings.TrimSpace(value)})
	}
	return pairs, nil
}

// ParseResourceAttributes parses user-supplied resource attributes from
// their comma-separated key=value form, preserving order.
func ParseResourceAttributes(raw string) ([]KeyValue, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, fmt.Errorf("resource attributes: %w", err)
	}
	var attrs []KeyValue
	for _, p := range pairs {
		attrs = append(attrs, String(p[0], p[1]))
	}
	return attrs, nil
}

// ParseHeaders parses extra HTTP headers from the same comma-separated
// key=value form.
func ParseHeaders(raw string) (map[string]string, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		headers[p[0]] = p[1]
	}
	return headers, nil
}
