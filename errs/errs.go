// Package errs defines the error kinds surfaced by the inference core.
//
// Errors are categorized by a stable, machine-readable Code so that callers
// (and tests) can switch on failure class without string matching. Every
// error also carries a human message naming the offending configuration key
// or resource, per the propagation policy: correctness-bearing errors always
// reach the caller, there is no silent fallback.
package errs

import "fmt"

// Code is a stable identifier for a class of failure.
type Code string

const (
	NotLoaded         Code = "not_loaded"
	AlreadyGenerating Code = "already_generating"
	InvalidConfig     Code = "invalid_config"
	ManifestInvalid   Code = "manifest_invalid"
	DeviceUnavailable Code = "device_unavailable"
	LimitExceeded     Code = "limit_exceeded"
	CacheOverflow     Code = "cache_overflow"
	BasisOverflow     Code = "basis_overflow"
	ReadbackDenied    Code = "readback_denied"
	KernelUnavailable Code = "kernel_unavailable"
	BatchFallback     Code = "batch_fallback"
	Cancelled         Code = "cancelled"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Code     Code
	Resource string // offending config key or resource name, if any
	Message  string
	Err      error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Resource != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Code, e.Message, e.Resource, e.Err)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(code, "")) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithResource attaches the offending configuration key or resource name.
func (e *Error) WithResource(resource string) *Error {
	e2 := *e
	e2.Resource = resource
	return &e2
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e2 := *e
	e2.Err = err
	return &e2
}

// Of is a convenience constructor used to classify a sentinel for errors.Is checks.
func Of(code Code) *Error {
	return &Error{Code: code}
}
