// Package sdkerr defines the stable error-kind taxonomy shared by every
// component of the SDK, so callers can branch on error kind without
// string matching.
package sdkerr

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error categories every operation reports under.
type Kind string

const (
	Transport     Kind = "transport"     // connect/read/write failed or closed; retried internally
	Protocol      Kind = "protocol"      // relay rejected the request, missing field, schema error
	Decrypt       Kind = "decrypt"       // AEAD open failed or associated data mismatch
	Engine        Kind = "engine"        // the MPC engine returned an error
	Timeout       Kind = "timeout"       // round, protocol, or admission deadline exceeded
	Busy          Kind = "busy"          // another session is already active
	Backpressure  Kind = "backpressure"  // outbound queue is full
	Invalid       Kind = "invalid"       // caller-supplied argument violated a precondition
	Storage       Kind = "storage"       // keystore backend failure
	Cancelled     Kind = "cancelled"     // explicit cancellation
)

// Scope narrows a Timeout error to the phase that expired.
type Scope string

const (
	ScopeRound     Scope = "round"
	ScopeProtocol  Scope = "protocol"
	ScopeAdmission Scope = "admission"
)

// Error is the typed error every component returns or wraps its terminal
// state in. GroupID is populated whenever a partial side effect (e.g. a
// group was created before keygen failed) leaves state the caller may
// want to retry against or explicitly discard.
type Error struct {
	Kind    Kind
	Scope   Scope // only meaningful when Kind == Timeout
	Message string
	GroupID string
	Err     error
}

func (e *Error) Error() string {
	if e.Scope != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Scope, e.Message, e.Err)
		}
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Scope, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, sdkerr.ErrBusy) work by comparing kinds (and the
// scope, when the target sets one); the target's message is ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Scope != "" && t.Scope != e.Scope {
		return false
	}
	return true
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NewTimeout builds a scoped Timeout error.
func NewTimeout(scope Scope, message string) *Error {
	return &Error{Kind: Timeout, Scope: scope, Message: message}
}

// WithGroup attaches a group id to an error so the caller can retry or
// discard a partially-completed operation.
func (e *Error) WithGroup(groupID string) *Error {
	cp := *e
	cp.GroupID = groupID
	return &cp
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// sentinels for errors.Is(err, sdkerr.ErrBusy) style checks without constructing a message.
var (
	ErrBusy         = &Error{Kind: Busy}
	ErrCancelled    = &Error{Kind: Cancelled}
	ErrBackpressure = &Error{Kind: Backpressure}
)
