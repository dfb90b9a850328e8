package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Plan represents a single execution request: a DAG of typed computation
// steps plus the immutable inputs they operate on.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Goal is the natural-language goal the plan was compiled from.
	Goal string `json:"goal,omitempty"`

	// TemplateID identifies the template the step DAG was compiled from.
	TemplateID string `json:"template_id"`

	// Horizon is the number of periods the plan covers.
	Horizon int `json:"horizon"`

	// InputSeries are the input series and parameters, immutable at creation.
	InputSeries map[string]json.RawMessage `json:"input_series,omitempty"`

	// State is the current lifecycle state. Mutated only by the state machine.
	State PlanState `json:"state"`

	// Steps are the plan's steps in declared order.
	Steps []Step `json:"steps"`

	// RiskNotes accumulate degradation notes produced during execution.
	RiskNotes []RiskNote `json:"risk_notes,omitempty"`

	// StartedAt is when execution began, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the plan reached a terminal state, if it has.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Step returns the step with the given ID, or nil if not present.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Step represents one node in the plan DAG.
type Step struct {
	// ID is the step identifier, unique within a plan.
	ID string `json:"id"`

	// Type is the step type from the closed enum.
	Type StepType `json:"type"`

	// Inputs maps parameter names to literal values or references.
	Inputs map[string]Input `json:"inputs,omitempty"`

	// Required marks steps whose failure makes the whole plan unusable.
	Required bool `json:"required"`

	// Timeout is the execution budget. Zero means the per-type default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Status is the current execution status.
	Status StepStatus `json:"status"`
}

// Dependencies returns the IDs of every step this step's inputs reference.
// The dependency set is always derived from the inputs, never stored
// redundantly, so it cannot drift out of sync with them.
func (s *Step) Dependencies() []string {
	seen := make(map[string]bool)
	deps := make([]string, 0)
	for _, in := range s.Inputs {
		if in.Ref == nil {
			continue
		}
		if !seen[in.Ref.StepID] {
			seen[in.Ref.StepID] = true
			deps = append(deps, in.Ref.StepID)
		}
	}
	return deps
}

// IsRoot returns true if the step's inputs contain only literals.
func (s *Step) IsRoot() bool {
	for _, in := range s.Inputs {
		if in.Ref != nil {
			return false
		}
	}
	return true
}

// Artifact is the immutable, versioned output of one executed step.
type Artifact struct {
	// PlanID is the owning plan.
	PlanID string `json:"plan_id"`

	// StepID is the owning step.
	StepID string `json:"step_id"`

	// Version is the write sequence number, strictly incrementing per step.
	// Re-execution produces a new version, never an in-place mutation.
	Version int64 `json:"version"`

	// Payload is the step-type-specific structured output.
	Payload json.RawMessage `json:"payload"`

	// Checksum is the hex-encoded SHA-256 of the payload.
	Checksum string `json:"checksum"`

	// CreatedAt is the write timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// TraceEvent is an append-only record of one step or plan transition.
// The trace is strictly ordered by wall-clock append order and records
// true completion order, not declaration order.
type TraceEvent struct {
	// PlanID is the owning plan.
	PlanID string `json:"plan_id"`

	// StepID is the step the event relates to, empty for plan-level events.
	StepID string `json:"step_id,omitempty"`

	// Kind is the transition kind.
	Kind TraceKind `json:"kind"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`

	// Duration is the elapsed execution time for terminal step events.
	Duration time.Duration `json:"duration,omitempty"`

	// Error is the error detail for failure and timeout events.
	Error string `json:"error,omitempty"`
}

// RiskNote is a structured note attached to the plan summarizing a degraded
// or skipped path that left the plan usable but not complete.
type RiskNote struct {
	// StepID is the step whose outcome produced the note.
	StepID string `json:"step_id"`

	// Reason is a short machine-friendly reason, e.g. "step_timeout".
	Reason string `json:"reason"`

	// Detail is the human-readable explanation.
	Detail string `json:"detail"`

	// CreatedAt is when the note was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// Timeouts holds the per-step-type execution budgets. Forecast and optimize
// workers get the largest defaults because they call resource-intensive
// models and solvers.
type Timeouts struct {
	Forecast time.Duration `json:"forecast" yaml:"forecast"`
	Policy   time.Duration `json:"policy" yaml:"policy"`
	Optimize time.Duration `json:"optimize" yaml:"optimize"`
	Diagnose time.Duration `json:"diagnose" yaml:"diagnose"`
	Explain  time.Duration `json:"explain" yaml:"explain"`
	Evidence time.Duration `json:"evidence" yaml:"evidence"`
}

// UnmarshalYAML decodes timeout budgets declared as Go duration strings,
// e.g. "120s" or "2m". Absent keys keep their current values.
func (t *Timeouts) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Forecast string `yaml:"forecast"`
		Policy   string `yaml:"policy"`
		Optimize string `yaml:"optimize"`
		Diagnose string `yaml:"diagnose"`
		Explain  string `yaml:"explain"`
		Evidence string `yaml:"evidence"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	assign := func(s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		*dst = d
		return nil
	}

	for _, field := range []struct {
		value string
		dst   *time.Duration
	}{
		{raw.Forecast, &t.Forecast},
		{raw.Policy, &t.Policy},
		{raw.Optimize, &t.Optimize},
		{raw.Diagnose, &t.Diagnose},
		{raw.Explain, &t.Explain},
		{raw.Evidence, &t.Evidence},
	} {
		if err := assign(field.value, field.dst); err != nil {
			return err
		}
	}
	return nil
}

// DefaultTimeouts returns the default per-step-type budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Forecast: 120 * time.Second,
		Policy:   15 * time.Second,
		Optimize: 120 * time.Second,
		Diagnose: 30 * time.Second,
		Explain:  30 * time.Second,
		Evidence: 15 * time.Second,
	}
}

// For returns the budget for the given step type.
func (t Timeouts) For(st StepType) time.Duration {
	switch st {
	case StepTypeForecast:
		return t.Forecast
	case StepTypePolicy:
		return t.Policy
	case StepTypeOptimize:
		return t.Optimize
	case StepTypeDiagnose:
		return t.Diagnose
	case StepTypeExplain:
		return t.Explain
	case StepTypeEvidence:
		return t.Evidence
	default:
		return 30 * time.Second
	}
}

// ExecutionGraph represents the validated DAG of plan steps.
type ExecutionGraph struct {
	// Nodes maps step IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the step IDs with no references in their inputs.
	Roots []string `json:"roots"`

	// Levels groups step IDs by topological level. Steps within a level
	// share no dependency on one another and may execute concurrently.
	Levels [][]string `json:"levels"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode represents a node in the execution graph.
type GraphNode struct {
	// ID is the step ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the step IDs this step's inputs reference.
	Dependencies []string `json:"dependencies"`

	// Dependents are the step IDs whose inputs reference this step.
	Dependents []string `json:"dependents"`
}

// GraphEdge represents a dependency edge in the execution graph.
type GraphEdge struct {
	// From is the referenced (upstream) step ID.
	From string `json:"from"`

	// To is the referencing (downstream) step ID.
	To string `json:"to"`
}

// StepOutcome is the result of executing a single step, reported by the
// step runner to the scheduler and by the scheduler to the state machine.
type StepOutcome struct {
	// StepID is the executed step.
	StepID string `json:"step_id"`

	// Status is the terminal status the step reached.
	Status StepStatus `json:"status"`

	// Artifact is the written artifact on success.
	Artifact *Artifact `json:"artifact,omitempty"`

	// Error is the classified error on failure or skip.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step reached its terminal status.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the elapsed execution time.
	Duration time.Duration `json:"duration"`
}
