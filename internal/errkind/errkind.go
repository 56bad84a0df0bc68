// Package errkind defines the cross-package error taxonomy (kinds, not
// Go types) used to decide how a failure propagates: recovered locally,
// surfaced as a terminal worker exit, or rejected at the supervisor
// boundary.
package errkind

import "github.com/pkg/errors"

type Kind string

const (
	ConfigError       Kind = "config_error"
	IOError           Kind = "io_error"
	RateLimit         Kind = "rate_limit"
	InvalidCredential Kind = "invalid_credential"
	ModelTransient    Kind = "model_transient"
	ParseError        Kind = "parse_error"
	ValidityError     Kind = "validity_error"
	ConcurrencyLimit  Kind = "concurrency_limit"
)

// Error pairs a Kind with a human-readable message and an optional
// wrapped cause, so callers can both branch on Kind and log the
// original stack trace.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error, attaching a stack trace to the cause (if any)
// via pkg/errors so the watchdog's restart-decision logging can print
// where a restart chain actually failed.
func New(kind Kind, msg string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Msg: msg, Cause: wrapped}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
