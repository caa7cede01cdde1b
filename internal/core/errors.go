package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation        ErrorCategory = "validation"         // Invalid input
	ErrCatInvalidTransition ErrorCategory = "invalid_transition" // Phase move denied
	ErrCatNotFound          ErrorCategory = "not_found"          // Resource not found
	ErrCatIO                ErrorCategory = "io"                 // Filesystem failure
	ErrCatAgentSession      ErrorCategory = "agent_session"      // Engine-reported failure
	ErrCatGuardrail         ErrorCategory = "guardrail"          // Timeout, budget, stall
	ErrCatProviderTransient ErrorCategory = "provider_transient" // Engine auto-retry
	ErrCatConflict          ErrorCategory = "conflict"           // Concurrent modification
	ErrCatInternal          ErrorCategory = "internal"           // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]any
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: message}
}

// ErrInvalidTransition creates a denied phase-move error carrying a
// human-readable reason for the UI.
func ErrInvalidTransition(from, to Phase, reason string) *DomainError {
	return &DomainError{
		Category: ErrCatInvalidTransition,
		Code:     "INVALID_TRANSITION",
		Message:  reason,
		Details: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrIO creates a filesystem error.
func ErrIO(message string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatIO,
		Code:      "IO_FAILURE",
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// ErrAgentSession creates an engine-reported failure.
func ErrAgentSession(message string) *DomainError {
	return &DomainError{Category: ErrCatAgentSession, Code: "AGENT_SESSION_FAILED", Message: message}
}

// ErrGuardrail creates a guardrail breach error.
func ErrGuardrail(code, message string) *DomainError {
	return &DomainError{Category: ErrCatGuardrail, Code: code, Message: message, Retryable: true}
}

// ErrTimedOut creates a run-timeout guardrail error.
func ErrTimedOut(message string) *DomainError {
	return ErrGuardrail(CodeTimedOut, message)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeWorkspaceNotFound = "WORKSPACE_NOT_FOUND"
	CodeDraftNotFound     = "DRAFT_NOT_FOUND"
	CodeTimedOut          = "TIMED_OUT"
	CodeToolBudget        = "TOOL_BUDGET_EXCEEDED"
	CodeTurnStall         = "TURN_STALL"
	CodeSessionLive       = "SESSION_ALREADY_LIVE"
	CodeCounterConflict   = "ID_COUNTER_CONFLICT"

	// Validation error codes
	CodeEmptyDescription = "EMPTY_DESCRIPTION"
	CodeCriteriaRequired = "CRITERIA_REQUIRED"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeCriterionTooLong = "CRITERION_TOO_LONG"
	CodeTooManyCriteria  = "TOO_MANY_CRITERIA"
)

// Criterion caps enforced by updateTask.
const (
	MaxCriterionLength = 500
	MaxCriteriaCount   = 50
)
