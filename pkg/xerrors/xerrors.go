// Package xerrors tags engine errors with a severity class the stream
// layer distinguishes at the call site: Retryable, NonRetryable
// (surfaced to the caller; the stream keeps running and the cursor
// does not advance past the failed envelope), and Fatal (terminates
// the stream). Built on the usual
// fmt.Errorf("...: %w", err) wrapping idiom, extended with a severity
// tag since bare %w-wrapping alone doesn't let a caller branch on
// "should I keep this stream alive."
package xerrors

import "errors"

// Severity classifies how a stream or worker should react to an error.
type Severity int

const (
	// Retryable errors (network failures, transient storage lock
	// contention, MLS "need to wait" conditions) may succeed if the
	// same operation is attempted again.
	Retryable Severity = iota + 1
	// NonRetryable errors (invalid payload, filter mismatch, credential
	// failure, invariant-violating duplicate insert) are surfaced to
	// the caller but do not terminate the stream.
	NonRetryable
	// Fatal errors (storage corruption, identity never ready, crypto
	// provider failure) terminate the owning stream and trigger its
	// on_close callback.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the severity a caller should
// treat it with.
type Error struct {
	Severity Severity
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Severity.String()
	}
	return e.Severity.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with severity. Wrap(nil, ...) returns nil.
func Wrap(severity Severity, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Severity: severity, Err: err}
}

// SeverityOf reports the severity of err, defaulting to Retryable for
// an error that was never tagged — an untagged error is assumed to be
// a transient condition worth retrying rather than one that should
// silently terminate a long-lived stream.
func SeverityOf(err error) Severity {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Severity
	}
	return Retryable
}

// IsFatal reports whether err (or any error it wraps) is tagged Fatal.
func IsFatal(err error) bool {
	return SeverityOf(err) == Fatal
}

// IsRetryable reports whether err is tagged Retryable (or untagged).
func IsRetryable(err error) bool {
	return SeverityOf(err) == Retryable
}
