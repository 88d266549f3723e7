package runtime

import (
	"errors"
	"fmt"
)

// Status is the four-level signal the native solver attaches to every call.
// Warnings are logged by the caller and execution continues; Error and
// Fatal surface as Go errors.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusErr
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusErr:
		return "error"
	case StatusFatal:
		return "fatal"
	}
	return "unknown"
}

// Property query failures. The native contract distinguishes four kinds, so
// callers can tell "the model does not define a minimum for this variable"
// apart from "no such variable".
var (
	ErrPropertyNotDefined    = errors.New("runtime: property not defined for variable")
	ErrPropertyNotApplicable = errors.New("runtime: property not applicable to variable")
	ErrPropertyInvalid       = errors.New("runtime: property invalid for variable")
	ErrProperty              = errors.New("runtime: property error")

	// ErrUnknownVariable indicates a name not declared by the model.
	ErrUnknownVariable = errors.New("runtime: unknown variable")

	// ErrClosed indicates a call on a handle after Close.
	ErrClosed = errors.New("runtime: handle is closed")
)

// StatusError carries the solver's status and message for a failed call.
type StatusError struct {
	Op     string
	Status Status
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runtime: %s returned %s: %s", e.Op, e.Status, e.Detail)
}

// PropertyError wraps one of the four property sentinels with the variable
// and query that produced it.
type PropertyError struct {
	Var   string
	Query string
	Err   error
}

func (e *PropertyError) Error() string {
	return fmt.Sprintf("%v (query %s on %q)", e.Err, e.Query, e.Var)
}

func (e *PropertyError) Unwrap() error { return e.Err }
