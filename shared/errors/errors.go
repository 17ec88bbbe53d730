// Package errors defines the engine's error taxonomy. Every backend failure
// is one of four kinds: Transport (the wire call failed), Protocol (the
// response was well-formed but made no sense), Script (a scripted backend
// blew up) or Configuration (a bad registry entry or capability, failing
// fast at construction time).
package errors

import (
	"errors"
	"fmt"
)

// TransportError is a network or status failure. Retryable by the caller;
// the engine itself never retries silently except for idle re-authentication.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport error: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the remote side answered, but not in a shape the
// backend understands. Never retried, always surfaced.
type ProtocolError struct {
	Message string
	URL     string
}

func (e *ProtocolError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("protocol error: %s (url %s)", e.Message, e.URL)
	}
	return "protocol error: " + e.Message
}

// ScriptError is a failure raised inside an embedded script, re-raised at
// the bridge boundary with the offending source location.
type ScriptError struct {
	Message string
	File    string
	Line    int
	Params  map[string]string
}

func (e *ScriptError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("script error at %s:%d: %s", e.File, e.Line, e.Message)
	}
	return "script error: " + e.Message
}

// ConfigurationError reports a missing or invalid registry entry or
// capability.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// Is checks if err is (or wraps) an instance of T.
func Is[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func Protocolf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
