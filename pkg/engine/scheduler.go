package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/planweave/planweave/pkg/telemetry"
)

// defaultMaxParallel bounds in-flight steps within a level. Step workers
// (solver, forecaster) may themselves be resource-intensive, so the default
// stays small.
const defaultMaxParallel = 4

// LevelScheduler executes a validated plan level by level: steps within a
// topological level run concurrently up to a configurable ceiling; levels
// run strictly in sequence because a later level may reference artifacts
// only available after the prior level completes.
//
// Failure policy is graceful degradation: a failing optional step becomes a
// risk note and execution continues; a failing required step causes every
// transitive dependent to be skipped and finalizes the plan as failed. A
// plan where only optional work degraded finalizes as partial, keeping the
// succeeded steps' artifacts as the best-effort result.
type LevelScheduler struct {
	maxParallel int
	runner      *StepRunner
	state       *StateMachine
	log         *telemetry.Logger
	tracer      *telemetry.Tracer
}

// NewLevelScheduler creates a scheduler with the given concurrency ceiling.
func NewLevelScheduler(
	maxParallel int,
	runner *StepRunner,
	state *StateMachine,
	log *telemetry.Logger,
	tracer *telemetry.Tracer,
) *LevelScheduler {
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &LevelScheduler{
		maxParallel: maxParallel,
		runner:      runner,
		state:       state,
		log:         log.NewComponentLogger("scheduler"),
		tracer:      tracer,
	}
}

// execution tracks per-run step status. Each Execute call gets its own
// instance, so distinct plans share no mutable scheduler state.
type execution struct {
	mu     sync.RWMutex
	status map[string]StepStatus
}

func newExecution(plan *Plan) *execution {
	e := &execution{status: make(map[string]StepStatus, len(plan.Steps))}
	for i := range plan.Steps {
		e.status[plan.Steps[i].ID] = StepStatusNotStarted
	}
	return e
}

func (e *execution) set(stepID string, status StepStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status[stepID] = status
}

func (e *execution) get(stepID string) StepStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status[stepID]
}

// Execute runs the plan to a terminal state and returns it. The returned
// error covers engine-level problems only; step failures are absorbed into
// the plan's terminal state and risk notes, never surfaced as errors.
func (s *LevelScheduler) Execute(ctx context.Context, plan *Plan, graph *ExecutionGraph) (PlanState, error) {
	if graph == nil {
		return "", NewValidationError("plan has no execution graph", nil).WithPlan(plan.ID)
	}

	if s.tracer != nil {
		spanCtx, span := s.tracer.StartPlanSpan(ctx, plan.ID)
		ctx = spanCtx
		defer span.End()
	}

	if err := s.state.Begin(ctx, plan); err != nil {
		return "", err
	}

	exec := newExecution(plan)
	log := s.log.WithPlanID(plan.ID)

	for level := 0; level < graph.Depth; level++ {
		if ctx.Err() != nil {
			break
		}

		steps := s.stepsAtLevel(plan, graph, level)
		if len(steps) == 0 {
			continue
		}

		log.Debugf("executing level %d (%d steps)", level, len(steps))
		s.executeLevel(ctx, plan, steps, exec)
	}

	finalizeCtx := ctx
	if ctx.Err() != nil {
		// Persistence and trace appends still need a live context after a
		// plan-level cancel.
		finalizeCtx = context.WithoutCancel(ctx)
		s.markCancelled(finalizeCtx, plan, exec)
	}

	return s.state.Finalize(finalizeCtx, plan)
}

// stepsAtLevel returns the plan's steps at the given topological level.
func (s *LevelScheduler) stepsAtLevel(plan *Plan, graph *ExecutionGraph, level int) []*Step {
	ids := graph.Levels[level]
	steps := make([]*Step, 0, len(ids))
	for _, id := range ids {
		if step := plan.Step(id); step != nil {
			steps = append(steps, step)
		}
	}
	return steps
}

// executeLevel runs all steps of one level through a bounded worker pool.
func (s *LevelScheduler) executeLevel(ctx context.Context, plan *Plan, steps []*Step, exec *execution) {
	workerCount := s.maxParallel
	if len(steps) < workerCount {
		workerCount = len(steps)
	}

	workQueue := make(chan *Step, len(steps))
	for _, step := range steps {
		workQueue <- step
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range workQueue {
				if ctx.Err() != nil {
					// Remaining queued steps are handled by the
					// cancellation sweep.
					return
				}
				s.executeStep(ctx, plan, step, exec)
			}
		}()
	}

	wg.Wait()
}

// executeStep runs one step and applies its outcome to the plan.
func (s *LevelScheduler) executeStep(ctx context.Context, plan *Plan, step *Step, exec *execution) {
	exec.set(step.ID, StepStatusRunning)
	if err := s.state.MarkRunning(ctx, plan, step.ID); err != nil {
		s.log.WithError(err).Warn("failed to mark step running")
	}

	outcome := s.runner.RunStep(ctx, plan, step, exec.get)

	exec.set(step.ID, outcome.Status)
	if err := s.state.RecordOutcome(ctx, plan, outcome); err != nil {
		s.log.WithError(err).Warn("failed to record step outcome")
	}

	s.applyDegradationPolicy(ctx, plan, step, outcome)
}

// applyDegradationPolicy converts recoverable step failures into risk notes
// instead of plan-level errors.
func (s *LevelScheduler) applyDegradationPolicy(ctx context.Context, plan *Plan, step *Step, outcome *StepOutcome) {
	if outcome.Status != StepStatusFailed || step.Required {
		if outcome.Status == StepStatusSucceeded && step.Type == StepTypeDiagnose {
			s.suggestReplan(ctx, plan, step)
		}
		return
	}

	reason := "step_failed"
	detail := fmt.Sprintf("%s step %s failed; downstream consumers will be skipped", step.Type, step.ID)
	if outcome.Error != nil {
		if outcome.Error.Code == ErrCodeStepTimeout {
			reason = "step_timeout"
			detail = fmt.Sprintf("%s step %s exceeded its timeout budget; downstream consumers will be skipped", step.Type, step.ID)
		} else {
			detail = fmt.Sprintf("%s step %s failed: %s", step.Type, step.ID, outcome.Error.Message)
		}
	}

	note := RiskNote{
		StepID: step.ID,
		Reason: reason,
		Detail: detail,
	}
	if err := s.state.AddRiskNote(ctx, plan, note); err != nil {
		s.log.WithError(err).Warn("failed to record risk note")
	}
}

// suggestReplan records a risk note when a diagnose step completes after an
// optimize failure. Re-planning spawns a new plan rather than looping back
// to an existing node, keeping the DAG acyclic by construction.
func (s *LevelScheduler) suggestReplan(ctx context.Context, plan *Plan, step *Step) {
	for i := range plan.Steps {
		failed := &plan.Steps[i]
		if failed.Type != StepTypeOptimize || failed.Status != StepStatusFailed {
			continue
		}
		note := RiskNote{
			StepID: step.ID,
			Reason: "replan_suggested",
			Detail: fmt.Sprintf("diagnose step %s produced a relaxation for failed optimize step %s; submit a new plan to apply it", step.ID, failed.ID),
		}
		if err := s.state.AddRiskNote(ctx, plan, note); err != nil {
			s.log.WithError(err).Warn("failed to record replan note")
		}
		return
	}
}

// markCancelled skips every step that never started after a plan-level
// cancellation. In-flight steps have already observed ctx cancellation
// through the runner.
func (s *LevelScheduler) markCancelled(ctx context.Context, plan *Plan, exec *execution) {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if exec.get(step.ID) != StepStatusNotStarted {
			continue
		}

		engErr := NewPlanCancelledError(plan.ID, nil).WithStep(step.ID)
		outcome := s.runner.Skip(ctx, plan, step, engErr)
		exec.set(step.ID, outcome.Status)
		if err := s.state.RecordOutcome(ctx, plan, outcome); err != nil {
			s.log.WithError(err).Warn("failed to record cancellation skip")
		}
	}
}
