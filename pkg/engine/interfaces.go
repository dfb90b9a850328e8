package engine

import (
	"context"
	"encoding/json"
)

// VersionLatest selects the most recent artifact version in Get calls.
const VersionLatest int64 = 0

// PlanStore persists plan state. It is an explicit abstraction injected
// into the engine so lifetime and persistence backend are swappable
// without touching scheduling logic.
type PlanStore interface {
	// CreatePlan registers a new plan. Fails if the ID already exists.
	CreatePlan(ctx context.Context, plan *Plan) error

	// GetPlan retrieves a plan by ID.
	GetPlan(ctx context.Context, id string) (*Plan, error)

	// UpdatePlan persists the current plan state, steps, and risk notes.
	UpdatePlan(ctx context.Context, plan *Plan) error

	// ListPlans lists plans ordered by creation time, newest first.
	ListPlans(ctx context.Context, limit, offset int) ([]*Plan, error)
}

// ArtifactStore provides content-addressable persistence of step outputs.
// Artifacts are write-once: Put always creates a new version. Writes are
// serialized per step ID; reads are lock-free because artifacts are
// immutable once written.
type ArtifactStore interface {
	// Put writes a new artifact version for the given step.
	Put(ctx context.Context, planID, stepID string, payload json.RawMessage) (*Artifact, error)

	// Get retrieves an artifact by version. VersionLatest selects the most
	// recent write.
	Get(ctx context.Context, planID, stepID string, version int64) (*Artifact, error)

	// List returns all artifacts for a plan ordered by (step id, version).
	List(ctx context.Context, planID string) ([]Artifact, error)
}

// TraceLog is the append-only audit log of step transitions for a plan.
// Events are never edited or reordered.
type TraceLog interface {
	// Append records one trace event.
	Append(ctx context.Context, event *TraceEvent) error

	// Events returns the trace for a plan in append order.
	Events(ctx context.Context, planID string) ([]TraceEvent, error)
}

// Worker is an opaque callable bound to one step type. The engine treats
// the worker's internal algorithm as a black box with a declared
// input/output contract.
type Worker interface {
	// Type returns the step type this worker handles.
	Type() StepType

	// Run executes the worker with fully resolved inputs and returns the
	// structured payload to persist as the step's artifact. Run must honor
	// ctx cancellation; the runner enforces the per-step-type timeout
	// through the context deadline.
	Run(ctx context.Context, req WorkRequest) (json.RawMessage, error)
}

// WorkRequest carries the resolved inputs for one worker invocation.
type WorkRequest struct {
	// PlanID is the owning plan.
	PlanID string `json:"plan_id"`

	// StepID is the step being executed.
	StepID string `json:"step_id"`

	// Horizon is the plan's period count.
	Horizon int `json:"horizon"`

	// Inputs are the step's inputs with all references substituted by
	// concrete values.
	Inputs map[string]interface{} `json:"inputs"`
}

// WorkerRegistry resolves step types to their bound workers.
type WorkerRegistry interface {
	// Lookup returns the worker bound to the step type.
	Lookup(stepType StepType) (Worker, error)
}

// Compiler turns a goal plus a template into the initial step DAG and
// parameter bindings. It is an upstream producer of the DAG the engine
// consumes; the engine re-validates whatever it emits.
type Compiler interface {
	// Compile builds the declared steps for a new plan.
	Compile(ctx context.Context, req CompileRequest) ([]Step, error)
}

// CompileRequest carries the inputs for DAG compilation.
type CompileRequest struct {
	// Goal is the natural-language goal.
	Goal string `json:"goal"`

	// TemplateID selects the step template.
	TemplateID string `json:"template_id"`

	// Horizon is the plan's period count.
	Horizon int `json:"horizon"`

	// InputSeries are the input series and parameters.
	InputSeries map[string]json.RawMessage `json:"input_series,omitempty"`
}
