package core

import "fmt"

// The three error classes of the pipeline. Format and posting errors are
// recovered where they occur and only surface through counters and logs;
// configuration errors are returned from plugin factories so engine build
// fails before anything starts.

// FormatError marks a single event that could not be transformed into a
// record. Other events are unaffected.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return fmt.Sprintf("format error: %v", e.Err) }
func (e *FormatError) Unwrap() error { return e.Err }

// NewFormatError wraps err as a FormatError.
func NewFormatError(err error) error { return &FormatError{Err: err} }

// PostingError marks a failed flush: a transport error or an HTTP status of
// 400 or above.
type PostingError struct {
	Err error
}

func (e *PostingError) Error() string { return fmt.Sprintf("posting error: %v", e.Err) }
func (e *PostingError) Unwrap() error { return e.Err }

// NewPostingError wraps err as a PostingError.
func NewPostingError(err error) error { return &PostingError{Err: err} }

// ConfigurationError marks an invalid plugin configuration or a failed
// connectivity probe.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("configuration error: %v", e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err as a ConfigurationError.
func NewConfigurationError(err error) error { return &ConfigurationError{Err: err} }
