// Package errs provides structured error types and helpers for the tickfabric
// feed pipeline.
package errs

import (
	"errors"
	"strings"
)

// Code identifies a failure category within the fabric.
type Code string

const (
	// CodeNetwork indicates a transport-level failure (dial, TLS, read).
	CodeNetwork Code = "network"
	// CodeTimeout indicates an operation that ran out of time.
	CodeTimeout Code = "timeout"
	// CodeAuth indicates a login, refresh, or credential failure.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeFrame indicates an inbound frame the pipeline could not use.
	CodeFrame Code = "frame"
	// CodeUnavailable indicates a dependency that is temporarily refusing work.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the fabric. Op
// names the failing operation ("transport.dial", "auth.login"), Venue the
// remote endpoint family when one is involved.
type E struct {
	Op      string
	Venue   string
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Venue:   "",
		Code:    code,
		HTTP:    0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap constructs an envelope around cause. A nil cause yields nil.
func Wrap(op string, code Code, cause error, opts ...Option) error {
	if cause == nil {
		return nil
	}
	return New(op, code, append(opts, WithCause(cause))...)
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithVenue records the remote endpoint family ("feed", "smartapi").
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.Message != "" {
		parts = append(parts, "msg="+e.Message)
	}
	out := strings.Join(parts, " ")
	if e.cause != nil {
		out += ": " + e.cause.Error()
	}
	return out
}

// Unwrap exposes the underlying cause for errors.Is/errors.As traversal.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the Code from err or any error it wraps. Errors outside
// this package report CodeUnavailable when unclassified.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeUnavailable
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *E
	return errors.As(err, &e) && e != nil && e.Code == code
}
