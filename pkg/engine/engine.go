package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planweave/planweave/pkg/telemetry"
)

// Options configures a new Engine. Stores, workers, and the compiler are
// injected so backends are swappable without touching scheduling logic.
type Options struct {
	// Compiler builds the initial step DAG for new plans.
	Compiler Compiler

	// Plans persists plan state.
	Plans PlanStore

	// Artifacts persists step outputs.
	Artifacts ArtifactStore

	// Trace is the append-only audit log.
	Trace TraceLog

	// Workers resolves step types to their bound workers.
	Workers WorkerRegistry

	// Timeouts are the per-step-type execution budgets.
	Timeouts Timeouts

	// MaxParallel bounds in-flight steps within a level.
	MaxParallel int

	// Logger is the structured logger. Required.
	Logger *telemetry.Logger

	// Metrics is the metrics collector. Required (may be a disabled instance).
	Metrics *telemetry.Metrics

	// Tracer records execution spans. Optional.
	Tracer *telemetry.Tracer
}

// Engine is the orchestration entry point: create-plan, execute-plan,
// get-plan, cancel-plan. It wires the compiler, DAG validator, scheduler,
// step runner, and plan state machine together.
type Engine struct {
	compiler  Compiler
	plans     PlanStore
	artifacts ArtifactStore
	trace     TraceLog
	scheduler *LevelScheduler
	state     *StateMachine
	log       *telemetry.Logger
	metrics   *telemetry.Metrics

	// mu guards running
	mu sync.Mutex

	// running maps plan IDs to the cancel funcs of in-flight executions.
	// Its presence is what makes ExecutePlan idempotent.
	running map[string]context.CancelFunc
}

// New creates an engine from the given options.
func New(opts Options) *Engine {
	state := NewStateMachine(opts.Plans, opts.Trace, opts.Logger, opts.Metrics)
	runner := NewStepRunner(
		opts.Workers, opts.Artifacts, opts.Trace, opts.Timeouts,
		opts.Logger, opts.Metrics, opts.Tracer,
	)
	scheduler := NewLevelScheduler(opts.MaxParallel, runner, state, opts.Logger, opts.Tracer)

	return &Engine{
		compiler:  opts.Compiler,
		plans:     opts.Plans,
		artifacts: opts.Artifacts,
		trace:     opts.Trace,
		scheduler: scheduler,
		state:     state,
		log:       opts.Logger.NewComponentLogger("engine"),
		metrics:   opts.Metrics,
		running:   make(map[string]context.CancelFunc),
	}
}

// CreatePlanRequest carries the inputs for plan creation.
type CreatePlanRequest struct {
	// Goal is the natural-language goal.
	Goal string `json:"goal"`

	// TemplateID selects the step template.
	TemplateID string `json:"template_id"`

	// Horizon is the number of periods the plan covers.
	Horizon int `json:"horizon"`

	// InputSeries are the input series and parameters, immutable after
	// creation.
	InputSeries map[string]interface{} `json:"input_series,omitempty"`
}

// CreatePlan compiles the goal and template into a step DAG, validates it,
// and registers the plan in pending state. Structural errors (cycles,
// unknown references) abort creation synchronously; nothing executes.
func (e *Engine) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	if req.TemplateID == "" {
		return nil, NewValidationError("template_id is required", nil)
	}
	if req.Horizon <= 0 {
		return nil, NewValidationError(fmt.Sprintf("horizon must be positive, got %d", req.Horizon), nil)
	}

	series, err := encodeSeries(req.InputSeries)
	if err != nil {
		return nil, NewValidationError("input series is not JSON-encodable", err)
	}

	steps, err := e.compiler.Compile(ctx, CompileRequest{
		Goal:        req.Goal,
		TemplateID:  req.TemplateID,
		Horizon:     req.Horizon,
		InputSeries: series,
	})
	if err != nil {
		return nil, fmt.Errorf("template compilation failed: %w", err)
	}

	for i := range steps {
		steps[i].Status = StepStatusNotStarted
	}

	// Validation is mandatory and synchronous: execution never starts on an
	// invalid graph.
	if _, err := NewDAGBuilder().BuildGraph(steps); err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now(),
		Goal:        req.Goal,
		TemplateID:  req.TemplateID,
		Horizon:     req.Horizon,
		InputSeries: series,
		State:       PlanStatePending,
		Steps:       steps,
	}

	if err := e.plans.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to register plan: %w", err)
	}

	e.metrics.RecordPlanCreated()
	e.log.WithPlanID(plan.ID).Infof("plan created from template %s (%d steps)", req.TemplateID, len(steps))

	return plan, nil
}

// ExecutePlan transitions a pending plan to running and begins background
// execution. Calling it again while the plan is already running is a no-op;
// no duplicate execution is started.
func (e *Engine) ExecutePlan(ctx context.Context, planID string) error {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if plan.State.IsTerminal() {
		return NewConflictError(fmt.Sprintf("plan is already %s", plan.State)).WithPlan(planID)
	}
	if _, inFlight := e.running[planID]; inFlight {
		return nil
	}
	if plan.State == PlanStateRunning {
		// Running but not owned by this process; still idempotent.
		return nil
	}

	graph, err := NewDAGBuilder().BuildGraph(plan.Steps)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(context.Background())
	e.running[planID] = cancel

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, planID)
			e.mu.Unlock()
		}()

		if _, err := e.scheduler.Execute(execCtx, plan, graph); err != nil {
			e.log.WithPlanID(planID).WithError(err).Error("plan execution failed")
		}
	}()

	return nil
}

// CancelPlan aborts a running plan. In-flight steps observe the
// cancellation; steps not yet started are skipped with reason
// "plan cancelled", and no further levels are scheduled.
func (e *Engine) CancelPlan(ctx context.Context, planID string) error {
	e.mu.Lock()
	cancel, inFlight := e.running[planID]
	e.mu.Unlock()

	if !inFlight {
		plan, err := e.plans.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		return NewConflictError(fmt.Sprintf("plan is not running (state %s)", plan.State)).WithPlan(planID)
	}

	cancel()
	e.log.WithPlanID(planID).Info("plan cancellation requested")
	return nil
}

// PlanStatus is the aggregate view returned by status polling. It is the
// only failure surface the API exposes: raw step errors stay in the trace.
type PlanStatus struct {
	// PlanID is the plan identifier.
	PlanID string `json:"plan_id"`

	// State is the plan's lifecycle state.
	State PlanState `json:"state"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Steps summarizes each step's status in declared order.
	Steps []StepStatusEntry `json:"steps"`

	// CompletedSteps counts steps that reached succeeded.
	CompletedSteps int `json:"completed_steps"`

	// RiskNotes are the accumulated degradation notes.
	RiskNotes []RiskNote `json:"risk_notes,omitempty"`

	// Artifacts indexes every artifact written so far, ordered by
	// (step id, version).
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// StepStatusEntry summarizes one step for status polling.
type StepStatusEntry struct {
	// ID is the step identifier.
	ID string `json:"id"`

	// Type is the step type.
	Type StepType `json:"type"`

	// Status is the current execution status.
	Status StepStatus `json:"status"`

	// Required mirrors the step's required flag.
	Required bool `json:"required"`
}

// ArtifactRef is one entry in the artifact index.
type ArtifactRef struct {
	// StepID is the owning step.
	StepID string `json:"step_id"`

	// Version is the artifact version.
	Version int64 `json:"version"`

	// Checksum is the payload checksum.
	Checksum string `json:"checksum"`

	// CreatedAt is the write timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// GetPlan returns the aggregate status of a plan. Safe to poll repeatedly.
func (e *Engine) GetPlan(ctx context.Context, planID string) (*PlanStatus, error) {
	plan, err := e.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	artifacts, err := e.artifacts.List(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	status := &PlanStatus{
		PlanID:    plan.ID,
		State:     plan.State,
		CreatedAt: plan.CreatedAt,
		Steps:     make([]StepStatusEntry, 0, len(plan.Steps)),
		RiskNotes: plan.RiskNotes,
		Artifacts: make([]ArtifactRef, 0, len(artifacts)),
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		status.Steps = append(status.Steps, StepStatusEntry{
			ID:       step.ID,
			Type:     step.Type,
			Status:   step.Status,
			Required: step.Required,
		})
		if step.Status == StepStatusSucceeded {
			status.CompletedSteps++
		}
	}

	for _, a := range artifacts {
		status.Artifacts = append(status.Artifacts, ArtifactRef{
			StepID:    a.StepID,
			Version:   a.Version,
			Checksum:  a.Checksum,
			CreatedAt: a.CreatedAt,
		})
	}

	return status, nil
}

// ListPlans lists plans ordered by creation time, newest first.
func (e *Engine) ListPlans(ctx context.Context, limit, offset int) ([]*Plan, error) {
	return e.plans.ListPlans(ctx, limit, offset)
}

// Trace returns the plan's audit log in append order.
func (e *Engine) Trace(ctx context.Context, planID string) ([]TraceEvent, error) {
	if _, err := e.plans.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.trace.Events(ctx, planID)
}

// Wait blocks until the plan's background execution finishes or the context
// is done. Intended for CLI runs and tests.
func (e *Engine) Wait(ctx context.Context, planID string, pollInterval time.Duration) (*PlanStatus, error) {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := e.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// encodeSeries converts raw input series values into stored JSON form.
func encodeSeries(raw map[string]interface{}) (map[string]json.RawMessage, error) {
	if raw == nil {
		return nil, nil
	}
	series := make(map[string]json.RawMessage, len(raw))
	for name, v := range raw {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", name, err)
		}
		series[name] = data
	}
	return series, nil
}
