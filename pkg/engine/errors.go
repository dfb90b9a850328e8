// Package engine provides the core types and components of the PlanWeave
// plan execution engine: DAG validation, reference resolution, step
// execution, level scheduling, and the plan state machine.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation logic.
type ErrorClass string

const (
	// ErrorClassStructural indicates an invalid plan graph. Structural errors
	// abort plan creation synchronously; execution never starts.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassRuntime indicates a step-level failure during execution.
	// Runtime errors are recovered locally by the scheduler's
	// required/optional policy and never crash the whole execution.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassCancelled indicates a user-initiated abort of a running plan.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with plan and step context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for propagation logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Plan is the plan ID the error relates to, if applicable.
	Plan string `json:"plan,omitempty"`

	// Step is the step ID that caused the error, if applicable.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s): %s", e.Class, e.Message, e.Step, e.unwrapMessage())
	}
	if e.Plan != "" {
		return fmt.Sprintf("[%s] %s (plan=%s): %s", e.Class, e.Message, e.Plan, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithPlan adds plan context to an error.
func (e *EngineError) WithPlan(planID string) *EngineError {
	e.Plan = planID
	return e
}

// WithStep adds step context to an error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.Step = stepID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrCodeUnknownReference    = "UNKNOWN_REFERENCE"
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeStepExecution       = "STEP_EXECUTION"
	ErrCodeReferenceResolution = "REFERENCE_RESOLUTION"
	ErrCodePlanCancelled       = "PLAN_CANCELLED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewCyclicDependencyError creates a structural error naming the offending cycle.
func NewCyclicDependencyError(cycle []string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassStructural,
		Message: fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
		Code:    ErrCodeCyclicDependency,
	}).WithDetail("cycle", cycle)
}

// NewUnknownReferenceError creates a structural error naming the missing step.
func NewUnknownReferenceError(stepID, target string) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: fmt.Sprintf("step %s references unknown step %s", stepID, target),
		Code:    ErrCodeUnknownReference,
		Step:    stepID,
	}
}

// NewStepTimeoutError creates a runtime error for a worker exceeding its budget.
func NewStepTimeoutError(stepID string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRuntime,
		Message: "step exceeded its timeout budget",
		Code:    ErrCodeStepTimeout,
		Step:    stepID,
		Err:     err,
	}
}

// NewStepExecutionError creates a runtime error for a worker-reported failure.
func NewStepExecutionError(stepID string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRuntime,
		Message: "step worker returned an error",
		Code:    ErrCodeStepExecution,
		Step:    stepID,
		Err:     err,
	}
}

// NewReferenceResolutionError creates a runtime error for a reference whose
// target step did not succeed.
func NewReferenceResolutionError(stepID, target, reason string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassRuntime,
		Message: fmt.Sprintf("cannot resolve reference to step %s: %s", target, reason),
		Code:    ErrCodeReferenceResolution,
		Step:    stepID,
	}).WithDetail("target", target)
}

// NewPlanCancelledError creates a cancellation error for a user-aborted plan.
func NewPlanCancelledError(planID string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: "plan cancelled",
		Code:    ErrCodePlanCancelled,
		Plan:    planID,
		Err:     err,
	}
}

// NewValidationError creates a structural validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewInternalError creates an internal engine error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRuntime,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// NewNotFoundError creates a structural error for a missing resource.
func NewNotFoundError(resource, id string) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Code:    ErrCodeNotFound,
	}
}

// NewConflictError creates a structural error for an operation that collides
// with existing state.
func NewConflictError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: message,
		Code:    ErrCodeConflict,
	}
}

// IsCyclicDependency returns true if the error carries the cyclic dependency code.
func IsCyclicDependency(err error) bool { return hasCode(err, ErrCodeCyclicDependency) }

// IsUnknownReference returns true if the error carries the unknown reference code.
func IsUnknownReference(err error) bool { return hasCode(err, ErrCodeUnknownReference) }

// IsStepTimeout returns true if the error carries the step timeout code.
func IsStepTimeout(err error) bool { return hasCode(err, ErrCodeStepTimeout) }

// IsReferenceResolution returns true if the error carries the reference resolution code.
func IsReferenceResolution(err error) bool { return hasCode(err, ErrCodeReferenceResolution) }

// IsPlanCancelled returns true if the error carries the plan cancelled code.
func IsPlanCancelled(err error) bool { return hasCode(err, ErrCodePlanCancelled) }

// IsNotFound returns true if the error carries the not found code.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict returns true if the error carries the conflict code.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassStructural
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
