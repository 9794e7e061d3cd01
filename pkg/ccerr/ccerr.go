// Package ccerr defines the bounded status enum handler functions return,
// per the propagation policy: exactly one response is sent per inbound
// command, and the wrapping worker code maps Status to a response-consumer
// call.
package ccerr

import "fmt"

// Status is the bounded result of a command handler. Handlers never return
// raw Go errors across the worker boundary; they return a Status (and, for
// the two failing cases, a human-readable message).
type Status int

const (
	// Success indicates the command completed normally (OK, DATA, or
	// LIST responses all carry Success).
	Success Status = iota
	// Failure indicates a protocol-level no-op: the key did not exist,
	// or was already deleted. Still reported to the client as OK.
	Failure
	// FormatError indicates the command's header or body failed to
	// parse; the command never touched store state.
	FormatError
	// InternalError indicates an invariant violation or an allocation
	// failure; counted and logged.
	InternalError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case FormatError:
		return "format_error"
	case InternalError:
		return "internal_error"
	default:
		return "invalid"
	}
}

// Result pairs a Status with the message carried by ERROR responses. A
// zero-value Result is Success with no message.
type Result struct {
	Status  Status
	Message string
}

// Ok is the canonical success result.
var Ok = Result{Status: Success}

// NotFound is the canonical "nothing to do" result: protocol level OK, not
// ERROR.
var NotFound = Result{Status: Failure}

// Format builds a FormatError result from a printf-style message.
func Format(format string, args ...any) Result {
	return Result{Status: FormatError, Message: fmt.Sprintf(format, args...)}
}

// Internal builds an InternalError result, optionally wrapping a cause.
func Internal(format string, args ...any) Result {
	return Result{Status: InternalError, Message: fmt.Sprintf(format, args...)}
}

// InternalFromErr wraps a Go error as an InternalError result.
func InternalFromErr(err error) Result {
	return Result{Status: InternalError, Message: err.Error()}
}

// IsError reports whether the result should be surfaced as an ERROR
// response rather than OK/DATA/LIST.
func (r Result) IsError() bool {
	return r.Status == FormatError || r.Status == InternalError
}
