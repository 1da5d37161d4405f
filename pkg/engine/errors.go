// Package engine provides the core types and components of the Fleetwright
// orchestration engine: the operation resolver, the async operation monitor,
// the dependency graph builder, and the workflow orchestrator.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an orchestration failure. The kind decides how the
// caller reacts: validation and prerequisite failures abort before any side
// effect, execution and timeout failures are surfaced for an explicit resume,
// storage failures are retried at the transaction boundary.
type ErrorKind string

const (
	// KindValidation covers bad or missing parameters, unresolved tokens,
	// and malformed definitions. Raised before any side effect.
	KindValidation ErrorKind = "validation"

	// KindPrerequisite indicates a required prior operation is not in the
	// expected status. Optional prerequisites degrade to a warning instead.
	KindPrerequisite ErrorKind = "prerequisite_not_met"

	// KindExecution indicates a nonzero exit code or an [ERROR] marker on
	// the supervised output.
	KindExecution ErrorKind = "execution"

	// KindTimeout indicates the operation exceeded its declared timeout and
	// was explicitly cancelled.
	KindTimeout ErrorKind = "timeout"

	// KindStaleHeartbeat indicates the remote dispatcher still reports the
	// work as running while its liveness artifact has gone stale. Kept
	// distinct from KindTimeout so operators can tell "hung" from "slow".
	KindStaleHeartbeat ErrorKind = "stale_heartbeat"

	// KindStorage indicates a state store I/O failure. Retried a bounded
	// number of times at the transaction boundary, then fatal.
	KindStorage ErrorKind = "storage"

	// KindInternal indicates a bug or an unclassifiable failure.
	KindInternal ErrorKind = "internal"
)

// Error is a classified orchestration error with context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Operation is the operation id involved, if applicable.
	Operation string `json:"operation,omitempty"`

	// Resource is the external resource id involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// OutputTail holds the last lines of supervised output for execution
	// failures.
	OutputTail string `json:"output_tail,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithOperation adds the operation id to the error context.
func (e *Error) WithOperation(id string) *Error {
	e.Operation = id
	return e
}

// WithResource adds the external resource id to the error context.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithOutputTail attaches the tail of the captured output.
func (e *Error) WithOutputTail(tail string) *Error {
	e.OutputTail = tail
	return e
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// NewPrerequisiteError creates a prerequisite-not-met error.
func NewPrerequisiteError(message string, err error) *Error {
	return &Error{Kind: KindPrerequisite, Message: message, Err: err}
}

// NewExecutionError creates an execution error.
func NewExecutionError(message string, err error) *Error {
	return &Error{Kind: KindExecution, Message: message, Err: err}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// NewStaleHeartbeatError creates a stale-heartbeat error.
func NewStaleHeartbeatError(message string, err error) *Error {
	return &Error{Kind: KindStaleHeartbeat, Message: message, Err: err}
}

// NewStorageError creates a storage error.
func NewStorageError(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// kindOf extracts the kind from an error chain.
func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsValidation reports whether the error is a validation error.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsPrerequisite reports whether the error is a prerequisite-not-met error.
func IsPrerequisite(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPrerequisite
}

// IsExecution reports whether the error is an execution error.
func IsExecution(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindExecution
}

// IsTimeout reports whether the error is a timeout error.
func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsStaleHeartbeat reports whether the error is a stale-heartbeat error.
func IsStaleHeartbeat(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStaleHeartbeat
}

// IsStorage reports whether the error is a storage error.
func IsStorage(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStorage
}

// Common error codes.
const (
	ErrCodeMissingParameter = "MISSING_PARAMETER"
	ErrCodeTypeMismatch     = "TYPE_MISMATCH"
	ErrCodeUnresolvedToken  = "UNRESOLVED_TOKEN"
	ErrCodeBadDefinition    = "BAD_DEFINITION"
	ErrCodePolicy           = "POLICY_VIOLATION"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeExitNonZero      = "EXIT_NONZERO"
	ErrCodeErrorMarker      = "ERROR_MARKER"
	ErrCodeHung             = "HUNG"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
