package reactorerrors

import (
	"errors"
	"fmt"
)

// Kind classifies every error surfaced by the reactor and its selectors.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindInvalidInterestOps means the requested mask is outside the valid set
	// of the selector kind. Registration state is left unchanged.
	KindInvalidInterestOps

	// KindDuplicateRegistration means the raw source is already registered.
	KindDuplicateRegistration

	// KindInvalidResourceState means the underlying source was closed or
	// cancelled outside the reactor's control. The handle should be
	// deregistered.
	KindInvalidResourceState

	// KindSelectorFailure means the multiplexer or timer service failed
	// unrecoverably. The selector is permanently closed.
	KindSelectorFailure

	// KindLockFailure means a lock request cannot be satisfied.
	KindLockFailure

	// KindInvalidArgument is a synchronous precondition violation.
	KindInvalidArgument

	// KindClosed means the reactor or selector was closed by its owner.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInterestOps:
		return "invalid_interest_ops"
	case KindDuplicateRegistration:
		return "duplicate_registration"
	case KindInvalidResourceState:
		return "invalid_resource_state"
	case KindSelectorFailure:
		return "selector_failure"
	case KindLockFailure:
		return "lock_failure"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is a kinded error. Two errors match under errors.Is when their kinds
// are equal, so callers can test against the sentinels below regardless of the
// message or the wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Error output: [kind] message ( => cause )
func (e *Error) Error() string {
	details := fmt.Sprintf("[%s] %s", e.kind, e.msg)
	if e.err != nil {
		details += fmt.Sprintf(" => %s", e.err)
	}
	return details
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.kind == e.kind
	}
	return false
}

// WithErr returns a copy of e carrying err as its cause. Sentinels are never
// mutated.
func (e *Error) WithErr(err error) *Error {
	return &Error{kind: e.kind, msg: e.msg, err: err}
}

// WithMsg returns a copy of e with a more specific message.
func (e *Error) WithMsg(format string, args ...interface{}) *Error {
	return &Error{kind: e.kind, msg: fmt.Sprintf(format, args...), err: e.err}
}

func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

var (
	ErrInvalidInterestOps    = New(KindInvalidInterestOps, "invalid interest ops")
	ErrDuplicateRegistration = New(KindDuplicateRegistration, "source already registered")
	ErrInvalidResourceState  = New(KindInvalidResourceState, "invalid resource state")
	ErrSelectorFailure       = New(KindSelectorFailure, "selector failed")
	ErrLockFailure           = New(KindLockFailure, "lock failed")
	ErrInvalidArgument       = New(KindInvalidArgument, "invalid argument")
	ErrClosed                = New(KindClosed, "closed")

	ErrSelectorClosed = New(KindSelectorFailure, "selector closed")
	ErrNotRegistered  = New(KindInvalidArgument, "handle not registered")
	ErrNilHandler     = New(KindInvalidArgument, "nil handler")

	ErrUnsupportedPlatform = New(KindSelectorFailure, "platform not supported")

	ErrTimeout = errors.New("operation timed out")
)
