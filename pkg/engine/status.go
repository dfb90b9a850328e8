package engine

import (
	"encoding/json"
	"fmt"
)

// PlanState represents the lifecycle state of a plan.
type PlanState string

const (
	// PlanStatePending indicates the plan is registered but not yet executing.
	PlanStatePending PlanState = "pending"

	// PlanStateRunning indicates the plan is currently executing.
	PlanStateRunning PlanState = "running"

	// PlanStateCompleted indicates every step succeeded.
	PlanStateCompleted PlanState = "completed"

	// PlanStatePartial indicates some steps failed or were skipped but the
	// final step still produced a usable artifact.
	PlanStatePartial PlanState = "partial"

	// PlanStateFailed indicates the final step could not produce an artifact.
	PlanStateFailed PlanState = "failed"
)

// IsTerminal returns true if the plan state represents a final state.
func (s PlanState) IsTerminal() bool {
	return s == PlanStateCompleted || s == PlanStatePartial || s == PlanStateFailed
}

// IsActive returns true if the plan is pending or running.
func (s PlanState) IsActive() bool {
	return s == PlanStatePending || s == PlanStateRunning
}

// Validate checks if the plan state is valid.
func (s PlanState) Validate() error {
	switch s {
	case PlanStatePending, PlanStateRunning, PlanStateCompleted,
		PlanStatePartial, PlanStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid plan state: %s", s)
	}
}

// StepType identifies the kind of computation a step performs.
// The set is closed: the compiler and worker registry reject anything else.
type StepType string

const (
	// StepTypeForecast projects input series over the plan horizon.
	StepTypeForecast StepType = "forecast"

	// StepTypePolicy checks a candidate state against policy constraints.
	StepTypePolicy StepType = "policy"

	// StepTypeOptimize solves for an allocation under constraints.
	StepTypeOptimize StepType = "optimize"

	// StepTypeDiagnose analyzes an infeasible or degraded result.
	StepTypeDiagnose StepType = "diagnose"

	// StepTypeExplain produces a narrative summary of the plan result.
	StepTypeExplain StepType = "explain"

	// StepTypeEvidence records an auditable evidence artifact.
	StepTypeEvidence StepType = "evidence"
)

// Validate checks if the step type is one of the closed enum values.
func (t StepType) Validate() error {
	switch t {
	case StepTypeForecast, StepTypePolicy, StepTypeOptimize,
		StepTypeDiagnose, StepTypeExplain, StepTypeEvidence:
		return nil
	default:
		return fmt.Errorf("invalid step type: %s", t)
	}
}

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	// StepStatusNotStarted indicates the step has not begun execution.
	StepStatusNotStarted StepStatus = "not-started"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed and wrote an artifact.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step's worker errored or timed out.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step could not run because an upstream
	// value was unavailable, or the plan was cancelled before it started.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusNotStarted, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// TraceKind represents the kind of transition recorded by a trace event.
type TraceKind string

const (
	// TraceKindPlanStarted indicates plan execution began.
	TraceKindPlanStarted TraceKind = "plan_started"

	// TraceKindPlanFinished indicates plan execution reached a terminal state.
	TraceKindPlanFinished TraceKind = "plan_finished"

	// TraceKindStepStarted indicates a step began execution.
	TraceKindStepStarted TraceKind = "step_started"

	// TraceKindStepSucceeded indicates a step completed successfully.
	TraceKindStepSucceeded TraceKind = "step_succeeded"

	// TraceKindStepFailed indicates a step's worker returned an error.
	TraceKindStepFailed TraceKind = "step_failed"

	// TraceKindStepTimeout indicates a step exceeded its timeout budget.
	TraceKindStepTimeout TraceKind = "step_timeout"

	// TraceKindStepSkipped indicates a step was skipped.
	TraceKindStepSkipped TraceKind = "step_skipped"
)

// Validate checks if the trace kind is valid.
func (k TraceKind) Validate() error {
	switch k {
	case TraceKindPlanStarted, TraceKindPlanFinished, TraceKindStepStarted,
		TraceKindStepSucceeded, TraceKindStepFailed, TraceKindStepTimeout,
		TraceKindStepSkipped:
		return nil
	default:
		return fmt.Errorf("invalid trace kind: %s", k)
	}
}

// Severity returns the log severity associated with the trace kind.
func (k TraceKind) Severity() string {
	switch k {
	case TraceKindStepFailed, TraceKindStepTimeout:
		return "error"
	case TraceKindStepSkipped:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}
