package plugin

import (
	"errors"
	"fmt"
)

// ErrorKind is the engine-wide error taxonomy. Retryable kinds are
// caught by the processor and retried within budget; terminal kinds
// become FAILED or QUARANTINED outcomes.
type ErrorKind string

const (
	// Retryable
	KindRateLimit ErrorKind = "rate_limit"
	KindNetwork   ErrorKind = "network"
	KindServer    ErrorKind = "server"
	KindTimeout   ErrorKind = "timeout"

	// Terminal
	KindNotFound          ErrorKind = "not_found"
	KindForbidden         ErrorKind = "forbidden"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindSSL               ErrorKind = "ssl_error"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindSSRFBlocked       ErrorKind = "ssrf_blocked"
	KindResponseTooLarge  ErrorKind = "response_too_large"
	KindConversionTimeout ErrorKind = "conversion_timeout"
)

var retryableKinds = map[ErrorKind]bool{
	KindRateLimit: true,
	KindNetwork:   true,
	KindServer:    true,
	KindTimeout:   true,
}

// Error is a classified plugin failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the processor may retry this failure
func (e *Error) Retryable() bool { return retryableKinds[e.Kind] }

// NewError builds a classified plugin error
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// IsRetryable reports whether err carries a retryable classification
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ConfigError is an invalid-pipeline error: cycles, unreachable sinks,
// unknown route targets, reserved labels, incompatible schemas. It
// surfaces at startup and prevents the run.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// Configf builds a ConfigError
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// RecorderError wraps a failed landscape write. Fatal to the token:
// without the write the one-terminal-outcome guarantee cannot hold.
type RecorderError struct {
	Op  string
	Err error
}

func (e *RecorderError) Error() string {
	return fmt.Sprintf("landscape write failed (%s): %v", e.Op, e.Err)
}

func (e *RecorderError) Unwrap() error { return e.Err }

// FieldCollisionError reports a transform that would silently
// overwrite an existing field.
type FieldCollisionError struct {
	Transform string
	Fields    []string
}

func (e *FieldCollisionError) Error() string {
	return fmt.Sprintf("transform %s would overwrite existing fields %v", e.Transform, e.Fields)
}
