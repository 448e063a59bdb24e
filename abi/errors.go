// Package abi defines the abstract error taxonomy and C-ABI-shaped surface
// described in spec.md §6-§7. The application-facing packages (socket,
// overlay, service) return a *abi.Error wrapping one of the ErrKind values
// below rather than a raw platform errno or gvisor tcpip.Error; internal
// packages such as netstack, net/binder and store return plain errors.
package abi

import "fmt"

// ErrKind is the abstract error taxonomy of spec.md §7.
type ErrKind int

const (
	// KindOK is not actually used as an error (errors are always non-nil
	// when present); it exists so ErrKind has a defined zero value.
	KindOK ErrKind = iota
	KindInvalidArg
	KindBadFD
	KindService
	KindInvalidOp
	KindNoResult
	KindResourceExhausted
	KindNoRoute
	KindWouldBlock
	KindTimeout
	KindNotConnected
	KindConnRefused
	KindReset
	KindBrokenPipe
	KindNoProtoOpt
	KindGeneral
	KindUnrecoverable
)

func (k ErrKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindInvalidArg:
		return "invalid_arg"
	case KindBadFD:
		return "bad_fd"
	case KindService:
		return "service"
	case KindInvalidOp:
		return "invalid_op"
	case KindNoResult:
		return "no_result"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNoRoute:
		return "no_route"
	case KindWouldBlock:
		return "would_block"
	case KindTimeout:
		return "timeout"
	case KindNotConnected:
		return "not_connected"
	case KindConnRefused:
		return "conn_refused"
	case KindReset:
		return "reset"
	case KindBrokenPipe:
		return "broken_pipe"
	case KindNoProtoOpt:
		return "no_protoopt"
	case KindGeneral:
		return "general"
	case KindUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Error is the error type the application-facing operations of this module
// return: an abstract kind, the operation name it occurred in, and
// optionally the lower-level cause (a stack errno, a syscall error, ...).
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, abi.Err(KindWouldBlock)) work without callers
// needing to unwrap to compare Kind by hand.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Err == nil && e.Kind == other.Kind
}

// New wraps err (which may be nil) as an abi.Error of the given kind,
// attributed to op.
func New(kind ErrKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Err returns a bare sentinel of kind with no op/cause, suitable for use
// with errors.Is as a comparison target.
func Err(kind ErrKind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the ErrKind from err, or KindGeneral if err is not an
// *Error (a stack or syscall error that escaped translation at some
// boundary -- callers should treat this as a bug to fix, not rely on it).
func KindOf(err error) ErrKind {
	if err == nil {
		return KindOK
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindGeneral
}
