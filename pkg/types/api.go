package types

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Typed Errors (stable categories for programmatic handling)
// -----------------------------------------------------------------------------

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	ErrKindNotFound        ErrKind = iota // volume, tracker, snapshot or descriptor absent
	ErrKindAlreadyExists                  // idempotent no-op (e.g., volume already tracked)
	ErrKindOutOfRange                     // index or sector outside a buffer, array or bitmap
	ErrKindNoMemory                       // page, slab or group allocation failed
	ErrKindBusy                           // resource still in use (e.g., snapshot open)
	ErrKindCorrupt                        // CBT map no longer trustworthy
	ErrKindPartialTransfer                // fewer bytes moved than requested
	ErrKindState                          // invalid operation for the current state
	ErrKindNoBuffers                      // result does not fit the caller's limit
	ErrKindIO                             // collaborator I/O failure
	ErrKindInvalid                        // malformed argument
)

var kindNames = [...]string{
	ErrKindNotFound:        "not found",
	ErrKindAlreadyExists:   "already exists",
	ErrKindOutOfRange:      "out of range",
	ErrKindNoMemory:        "no memory",
	ErrKindBusy:            "busy",
	ErrKindCorrupt:         "corrupt",
	ErrKindPartialTransfer: "partial transfer",
	ErrKindState:           "invalid state",
	ErrKindNoBuffers:       "no buffers",
	ErrKindIO:              "i/o error",
	ErrKindInvalid:         "invalid argument",
}

func (k ErrKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrKind(%d)", int(k))
}

// Error is a typed error with an optional underlying cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, types.ErrNotFound) regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels commonly returned by implementations.
var (
	// ErrNotFound indicates a missing volume, tracker, snapshot or descriptor.
	ErrNotFound = &Error{Kind: ErrKindNotFound, Msg: "not found"}
	// ErrAlreadyExists indicates the requested state is already in place.
	ErrAlreadyExists = &Error{Kind: ErrKindAlreadyExists, Msg: "already exists"}
	// ErrOutOfRange indicates an index outside a bounded structure.
	ErrOutOfRange = &Error{Kind: ErrKindOutOfRange, Msg: "index out of range"}
	// ErrNoMemory indicates an allocation failure.
	ErrNoMemory = &Error{Kind: ErrKindNoMemory, Msg: "cannot allocate memory"}
	// ErrBusy indicates the resource is still referenced.
	ErrBusy = &Error{Kind: ErrKindBusy, Msg: "resource busy"}
	// ErrCorrupt indicates the CBT data can no longer be trusted.
	ErrCorrupt = &Error{Kind: ErrKindCorrupt, Msg: "change tracking data is corrupt"}
	// ErrPartialTransfer indicates a short copy to or from an external buffer.
	ErrPartialTransfer = &Error{Kind: ErrKindPartialTransfer, Msg: "partial transfer"}
	// ErrState indicates the operation is not valid in the current state.
	ErrState = &Error{Kind: ErrKindState, Msg: "operation not permitted in current state"}
	// ErrNoBuffers indicates the result exceeds the caller-supplied limit.
	ErrNoBuffers = &Error{Kind: ErrKindNoBuffers, Msg: "no buffer space"}
	// ErrIO indicates a collaborator I/O failure.
	ErrIO = &Error{Kind: ErrKindIO, Msg: "i/o error"}
	// ErrInvalid indicates a malformed argument.
	ErrInvalid = &Error{Kind: ErrKindInvalid, Msg: "invalid argument"}
)

// Errorf builds a typed error of the given kind with a formatted message.
// Use Wrap to attach a cause.
func Errorf(kind ErrKind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind ErrKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
// The second result is false when err carries no kind.
func KindOf(err error) (ErrKind, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *TransferError:
			return ErrKindPartialTransfer, true
		case *Error:
			return v.Kind, true
		}
	}
	// Joined errors do not unwrap to a single chain.
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// TransferError reports a short copy to or from an external region.
type TransferError struct {
	Done      int   // bytes moved before the failure
	Remaining int   // bytes that were not moved
	Err       error // cause reported by the external region, if any
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("partial transfer: %d bytes moved, %d bytes left", e.Done, e.Remaining)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is makes a TransferError match ErrPartialTransfer.
func (e *TransferError) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t != nil && t.Kind == ErrKindPartialTransfer
}
