package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/planweave/planweave/pkg/telemetry"
)

// StepRunner executes exactly one step: it resolves inputs, invokes the
// bound worker under the step's timeout budget, persists the result as a
// new artifact version, and records trace events. The runner has no
// knowledge of the wider DAG and never retries; retry policy belongs to
// the scheduler's caller.
type StepRunner struct {
	workers   WorkerRegistry
	artifacts ArtifactStore
	trace     TraceLog
	resolver  *Resolver
	timeouts  Timeouts
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// NewStepRunner creates a step runner.
func NewStepRunner(
	workers WorkerRegistry,
	artifacts ArtifactStore,
	trace TraceLog,
	timeouts Timeouts,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *StepRunner {
	return &StepRunner{
		workers:   workers,
		artifacts: artifacts,
		trace:     trace,
		resolver:  NewResolver(artifacts),
		timeouts:  timeouts,
		log:       log.NewComponentLogger("runner"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// RunStep executes one step to a terminal status and returns its outcome.
// Outcomes are always returned, never panicked or propagated as raw errors:
// the scheduler decides what a failure means for the rest of the plan.
func (r *StepRunner) RunStep(
	ctx context.Context,
	plan *Plan,
	step *Step,
	statusOf StatusFunc,
) *StepOutcome {
	log := r.log.WithPlanID(plan.ID).WithStepID(step.ID).WithStepType(string(step.Type))

	startedAt := time.Now()

	// Resolve inputs first: a resolution failure means the step could not
	// run, which is a skip, not a failure.
	resolved, err := r.resolver.Resolve(ctx, plan.ID, step, statusOf)
	if err != nil {
		log.WithError(err).Warn("step skipped: input resolution failed")
		return r.skipped(ctx, plan, step, startedAt, asEngineError(err, step.ID))
	}

	r.appendEvent(ctx, &TraceEvent{
		PlanID:    plan.ID,
		StepID:    step.ID,
		Kind:      TraceKindStepStarted,
		Timestamp: startedAt,
	})

	worker, err := r.workers.Lookup(step.Type)
	if err != nil {
		engErr := NewStepExecutionError(step.ID, err)
		return r.failed(ctx, plan, step, startedAt, engErr, TraceKindStepFailed)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.timeouts.For(step.Type)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.tracer != nil {
		var span trace.Span
		runCtx, span = r.tracer.StartStepSpan(runCtx, plan.ID, step.ID, string(step.Type))
		defer span.End()
	}

	payload, workErr := worker.Run(runCtx, WorkRequest{
		PlanID:  plan.ID,
		StepID:  step.ID,
		Horizon: plan.Horizon,
		Inputs:  resolved,
	})

	if workErr != nil {
		// Distinguish the step's own deadline from a plan-level cancel.
		switch {
		case runCtx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			engErr := NewPlanCancelledError(plan.ID, workErr).WithStep(step.ID)
			return r.failed(ctx, plan, step, startedAt, engErr, TraceKindStepFailed)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			engErr := NewStepTimeoutError(step.ID, workErr).WithDetail("timeout", timeout.String())
			return r.failed(ctx, plan, step, startedAt, engErr, TraceKindStepTimeout)
		default:
			engErr := NewStepExecutionError(step.ID, workErr)
			return r.failed(ctx, plan, step, startedAt, engErr, TraceKindStepFailed)
		}
	}

	artifact, putErr := r.artifacts.Put(ctx, plan.ID, step.ID, payload)
	if putErr != nil {
		engErr := NewInternalError("failed to persist step artifact", putErr).WithStep(step.ID)
		return r.failed(ctx, plan, step, startedAt, engErr, TraceKindStepFailed)
	}

	completedAt := time.Now()
	duration := completedAt.Sub(startedAt)

	r.appendEvent(ctx, &TraceEvent{
		PlanID:    plan.ID,
		StepID:    step.ID,
		Kind:      TraceKindStepSucceeded,
		Timestamp: completedAt,
		Duration:  duration,
	})
	r.metrics.RecordStep(string(step.Type), string(StepStatusSucceeded), duration)
	r.metrics.RecordArtifactWrite(string(step.Type))
	log.Debugf("step succeeded in %s (artifact version %d)", duration, artifact.Version)

	return &StepOutcome{
		StepID:      step.ID,
		Status:      StepStatusSucceeded,
		Artifact:    artifact,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    duration,
	}
}

// Skip records a skip outcome for a step without executing it, used by the
// scheduler for steps that never start after a plan-level cancel.
func (r *StepRunner) Skip(ctx context.Context, plan *Plan, step *Step, engErr *EngineError) *StepOutcome {
	return r.skipped(ctx, plan, step, time.Now(), engErr)
}

// skipped records a skip outcome for a step whose inputs could not resolve.
func (r *StepRunner) skipped(
	ctx context.Context,
	plan *Plan,
	step *Step,
	startedAt time.Time,
	engErr *EngineError,
) *StepOutcome {
	completedAt := time.Now()

	r.appendEvent(ctx, &TraceEvent{
		PlanID:    plan.ID,
		StepID:    step.ID,
		Kind:      TraceKindStepSkipped,
		Timestamp: completedAt,
		Error:     engErr.Error(),
	})
	r.metrics.RecordStep(string(step.Type), string(StepStatusSkipped), completedAt.Sub(startedAt))
	r.metrics.RecordError(engErr.Code)

	return &StepOutcome{
		StepID:      step.ID,
		Status:      StepStatusSkipped,
		Error:       engErr,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
	}
}

// failed records a failure outcome with the given trace kind.
func (r *StepRunner) failed(
	ctx context.Context,
	plan *Plan,
	step *Step,
	startedAt time.Time,
	engErr *EngineError,
	kind TraceKind,
) *StepOutcome {
	completedAt := time.Now()
	duration := completedAt.Sub(startedAt)

	r.appendEvent(ctx, &TraceEvent{
		PlanID:    plan.ID,
		StepID:    step.ID,
		Kind:      kind,
		Timestamp: completedAt,
		Duration:  duration,
		Error:     engErr.Error(),
	})
	r.metrics.RecordStep(string(step.Type), string(StepStatusFailed), duration)
	r.metrics.RecordError(engErr.Code)
	r.log.WithPlanID(plan.ID).WithStepID(step.ID).WithError(engErr).Error("step failed")

	return &StepOutcome{
		StepID:      step.ID,
		Status:      StepStatusFailed,
		Error:       engErr,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    duration,
	}
}

// appendEvent writes a trace event, logging rather than failing the step if
// the trace log itself errors.
func (r *StepRunner) appendEvent(ctx context.Context, event *TraceEvent) {
	if err := r.trace.Append(ctx, event); err != nil {
		r.log.WithError(err).Warn("failed to append trace event")
	}
}

// asEngineError coerces an error into an EngineError, wrapping foreign
// errors as internal.
func asEngineError(err error, stepID string) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return NewInternalError("unclassified error", err).WithStep(stepID)
}
