// Package tools holds the tool registry and the validated, rate-limited,
// audited executor that is the only path through which an agent affects
// the outside world.
package tools

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind categorizes invocation failures for the engine's propagation
// policy: step-local kinds feed back into the next reasoning step as
// context, fatal kinds finalize the execution.
type ErrorKind string

const (
	// KindUnknownTool indicates the tool is not registered.
	KindUnknownTool ErrorKind = "unknown_tool"

	// KindInvalidInput indicates the input failed schema validation.
	// The input never reaches the handler.
	KindInvalidInput ErrorKind = "invalid_input"

	// KindRateLimited indicates the (tool, agent) sliding window is full.
	KindRateLimited ErrorKind = "rate_limited"

	// KindHandlerError indicates the handler returned an error, panicked,
	// or timed out.
	KindHandlerError ErrorKind = "handler_error"

	// KindPolicyDenied indicates the agent's tool policy rejected the call.
	KindPolicyDenied ErrorKind = "policy_denied"

	// KindApprovalDenied indicates a human reviewer denied the call.
	KindApprovalDenied ErrorKind = "approval_denied"

	// KindApprovalExpired indicates the approval request lapsed unresolved.
	KindApprovalExpired ErrorKind = "approval_expired"

	// KindInternal indicates an unexpected failure inside the core.
	KindInternal ErrorKind = "internal_error"
)

// StepLocal reports whether the kind is recoverable within the run.
// Step-local failures become visible context for the next think step
// instead of aborting the execution.
func (k ErrorKind) StepLocal() bool {
	switch k {
	case KindRateLimited, KindHandlerError, KindPolicyDenied, KindInvalidInput, KindUnknownTool:
		return true
	default:
		return false
	}
}

// Retryable reports whether retrying the same call may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindHandlerError
}

// InvocationError is a structured failure from tool invocation.
type InvocationError struct {
	Kind     ErrorKind
	ToolName string
	Message  string
	Cause    error

	// RetryAfter is set for rate-limited calls.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.ToolName != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.ToolName, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// NewInvocationError creates an InvocationError with the given kind.
func NewInvocationError(kind ErrorKind, toolName, message string) *InvocationError {
	return &InvocationError{Kind: kind, ToolName: toolName, Message: message}
}

// WrapHandlerError wraps a handler failure.
func WrapHandlerError(toolName string, cause error) *InvocationError {
	return &InvocationError{
		Kind:     KindHandlerError,
		ToolName: toolName,
		Cause:    cause,
	}
}

// AsInvocationError extracts an InvocationError from an error chain.
func AsInvocationError(err error) (*InvocationError, bool) {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr, true
	}
	return nil, false
}

// KindOf returns the error kind for err, defaulting to KindInternal for
// anything the executor did not classify.
func KindOf(err error) ErrorKind {
	if invErr, ok := AsInvocationError(err); ok {
		return invErr.Kind
	}
	return KindInternal
}
