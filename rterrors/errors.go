// Package rterrors defines the runtime's error taxonomy (spec §7). All
// externally callable operations either return a result or an *Error carrying
// one of the Kind values below plus a free-form message.
package rterrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a runtime failure so callers (policy engines, retry loops,
// UIs) can branch on failure class without parsing message strings.
type Kind string

const (
	// KindNotConfigured indicates an operation was attempted against an agent
	// that has not been configured yet.
	KindNotConfigured Kind = "not_configured"
	// KindDisposed indicates a client-side context was used after Dispose.
	KindDisposed Kind = "disposed"
	// KindInvalidHandle indicates an empty or malformed handle.
	KindInvalidHandle Kind = "invalid_handle"
	// KindInvalidConfiguration indicates a missing AgentType or an unregistered
	// type alias.
	KindInvalidConfiguration Kind = "invalid_configuration"
	// KindPersistenceFailure indicates a durable state write failed.
	KindPersistenceFailure Kind = "persistence_failure"
	// KindSubstrateTransient indicates a retryable cluster connect/RPC/stream failure.
	KindSubstrateTransient Kind = "substrate_transient"
	// KindSubstratePermanent indicates a terminal cluster connect/RPC/stream failure.
	KindSubstratePermanent Kind = "substrate_permanent"
	// KindHandlerFault indicates user-supplied OnMessage/OnEvent returned an error.
	KindHandlerFault Kind = "handler_fault"
	// KindPlanExecutionTransient indicates a worker agent reported agent-error-transient.
	KindPlanExecutionTransient Kind = "plan_execution_transient"
	// KindPlanExecutionPermanent indicates a worker agent reported agent-error.
	KindPlanExecutionPermanent Kind = "plan_execution_permanent"
	// KindFollowUpExhausted indicates a NeedsInfo item exceeded MaxFollowUps.
	KindFollowUpExhausted Kind = "follow_up_exhausted"
)

// Error is a structured runtime failure that preserves its Kind and an
// optional cause chain while still implementing the standard error interface.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats a message according to a format specifier.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a Kind to an arbitrary cause, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause so errors.Is/As traverse the chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, rterrors.New(KindDisposed, "")) style checks against a
// sentinel built purely to carry a Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
