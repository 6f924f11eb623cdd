// Package agenterr classifies the failure modes of the schedule handler and
// binary transfer engine into the kinds enumerated by the error handling
// design: configuration failures are fatal at construction, transport and
// protocol failures are recovered locally, and everything else is logged and
// the caller continues.
package agenterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind partitions errors by how the caller is expected to react.
type Kind int

const (
	// Generic covers failures that do not fit a more specific kind below.
	Generic Kind = iota
	// Config is fatal at construction: bad schedule, malformed watch,
	// missing required option.
	Config
	// Transport is recovered locally via reconnect/retry: GSN disconnect,
	// TOS no-ack.
	Transport
	// Protocol is an unexpected ack sequence or CRC mismatch; state is
	// advanced to "already received" and/or the file is re-enqueued.
	Protocol
	// IO is a filesystem failure on a watched file; the file is skipped
	// and the loop continues.
	IO
	// ChildProcess is a spawn failure; the scheduler continues with the
	// next entry.
	ChildProcess
	// ScheduleParse rejects an incoming schedule; the prior schedule is
	// retained and the error is reported to the operator.
	ScheduleParse
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case IO:
		return "io"
	case ChildProcess:
		return "child-process"
	case ScheduleParse:
		return "schedule-parse"
	default:
		return "generic"
	}
}

// Error is the agent's canonical error value: a cause, a kind used to decide
// recovery, and a process exit code for the rare path that does unwind to
// main.
type Error struct {
	Cause error
	Kind  Kind
	Code  int
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause under kind, attaching a stack trace via pkg/errors so
// fatal construction failures can be logged with context.
func New(kind Kind, code int, format string, args ...interface{}) *Error {
	return &Error{Cause: errors.Errorf(format, args...), Kind: kind, Code: code}
}

// Wrap annotates cause with kind without discarding it; Cause(err) and
// errors.Unwrap keep working across the wrap.
func Wrap(kind Kind, code int, cause error, msg string) *Error {
	return &Error{Cause: errors.Wrap(cause, msg), Kind: kind, Code: code}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

const (
	EINVAL        = 22
	GenericCode   = 5000
	ConfigCode    = 5001
	TransportCode = 5002
	ProtocolCode  = 5003
)

// BadUsage is a Config-kind error with the conventional EINVAL exit code,
// mirroring the teacher's badUsage helper.
func BadUsage(format string, args ...interface{}) *Error {
	return New(Config, EINVAL, format, args...)
}
