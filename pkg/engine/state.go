package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/planweave/planweave/pkg/telemetry"
)

// StateMachine owns the plan's lifecycle. It is the single writer of
// plan-level state: the scheduler reports step outcomes to it but never
// mutates plan state directly, which keeps concurrent step completions
// within a level from racing on the plan record.
type StateMachine struct {
	plans   PlanStore
	trace   TraceLog
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// mu serializes all plan mutations
	mu sync.Mutex
}

// NewStateMachine creates a plan state machine backed by the given store.
func NewStateMachine(
	plans PlanStore,
	trace TraceLog,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
) *StateMachine {
	return &StateMachine{
		plans:   plans,
		trace:   trace,
		log:     log.NewComponentLogger("state"),
		metrics: metrics,
	}
}

// validTransitions enumerates the allowed plan state transitions.
var validTransitions = map[PlanState][]PlanState{
	PlanStatePending: {PlanStateRunning},
	PlanStateRunning: {PlanStateCompleted, PlanStatePartial, PlanStateFailed},
}

// canTransition reports whether from → to is an allowed transition.
func canTransition(from, to PlanState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Begin transitions the plan from pending to running and records the
// plan-started trace event.
func (m *StateMachine) Begin(ctx context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(plan, PlanStateRunning); err != nil {
		return err
	}

	now := time.Now()
	plan.StartedAt = &now

	if err := m.plans.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to persist running plan: %w", err)
	}

	m.appendEvent(ctx, &TraceEvent{
		PlanID:    plan.ID,
		Kind:      TraceKindPlanStarted,
		Timestamp: now,
	})
	m.metrics.RecordPlanStarted()
	m.log.WithPlanID(plan.ID).Info("plan execution started")

	return nil
}

// RecordOutcome applies one step outcome to the plan and persists it.
func (m *StateMachine) RecordOutcome(ctx context.Context, plan *Plan, outcome *StepOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := plan.Step(outcome.StepID)
	if step == nil {
		return NewInternalError(
			fmt.Sprintf("outcome for unknown step %s", outcome.StepID), nil).WithPlan(plan.ID)
	}

	step.Status = outcome.Status

	if err := m.plans.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to persist step outcome: %w", err)
	}

	return nil
}

// MarkRunning marks a step as running. Step-level running state is visible
// to status polls between persistence points.
func (m *StateMachine) MarkRunning(ctx context.Context, plan *Plan, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := plan.Step(stepID)
	if step == nil {
		return NewInternalError(fmt.Sprintf("unknown step %s", stepID), nil).WithPlan(plan.ID)
	}
	step.Status = StepStatusRunning

	return m.plans.UpdatePlan(ctx, plan)
}

// AddRiskNote attaches a risk note to the plan and persists it.
func (m *StateMachine) AddRiskNote(ctx context.Context, plan *Plan, note RiskNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	plan.RiskNotes = append(plan.RiskNotes, note)

	if err := m.plans.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to persist risk note: %w", err)
	}

	m.metrics.RecordRiskNote()
	m.log.WithPlanID(plan.ID).WithStepID(note.StepID).
		Warnf("risk note recorded: %s", note.Detail)

	return nil
}

// Finalize decides the plan's terminal state from its step statuses:
// completed when every step succeeded; failed when a required step did not
// succeed or when no step succeeded at all; partial otherwise, since only
// optional work degraded and a best-effort result exists.
func (m *StateMachine) Finalize(ctx context.Context, plan *Plan) (PlanState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allSucceeded := true
	anySucceeded := false
	requiredDegraded := false
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status == StepStatusSucceeded {
			anySucceeded = true
			continue
		}
		allSucceeded = false
		if step.Required {
			requiredDegraded = true
		}
	}

	var target PlanState
	switch {
	case allSucceeded:
		target = PlanStateCompleted
	case requiredDegraded || !anySucceeded:
		target = PlanStateFailed
	default:
		target = PlanStatePartial
	}

	if err := m.transitionLocked(plan, target); err != nil {
		return "", err
	}

	now := time.Now()
	plan.FinishedAt = &now

	if err := m.plans.UpdatePlan(ctx, plan); err != nil {
		return "", fmt.Errorf("failed to persist final plan state: %w", err)
	}

	var duration time.Duration
	if plan.StartedAt != nil {
		duration = now.Sub(*plan.StartedAt)
	}

	m.appendEvent(ctx, &TraceEvent{
		PlanID:    plan.ID,
		Kind:      TraceKindPlanFinished,
		Timestamp: now,
		Duration:  duration,
	})
	m.metrics.RecordPlanFinished(string(target), duration)
	m.log.WithPlanID(plan.ID).Infof("plan finished with state %s in %s", target, duration)

	return target, nil
}

// transitionLocked applies a guarded state transition. Callers hold mu.
func (m *StateMachine) transitionLocked(plan *Plan, to PlanState) error {
	if !canTransition(plan.State, to) {
		return NewValidationError(
			fmt.Sprintf("invalid plan state transition %s -> %s", plan.State, to), nil).
			WithPlan(plan.ID)
	}
	plan.State = to
	return nil
}

// appendEvent writes a plan-level trace event, logging failures.
func (m *StateMachine) appendEvent(ctx context.Context, event *TraceEvent) {
	if err := m.trace.Append(ctx, event); err != nil {
		m.log.WithError(err).Warn("failed to append trace event")
	}
}
