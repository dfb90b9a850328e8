package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func buildTestGraph(t *testing.T, steps []Step) *ExecutionGraph {
	t.Helper()
	graph, err := NewDAGBuilder().BuildGraph(steps)
	if err != nil {
		t.Fatalf("Expected no graph error, got: %v", err)
	}
	return graph
}

func TestLevelScheduler_Execute_AllSucceed(t *testing.T) {
	env := newTestEnv()
	registry := newTestRegistry(
		echoWorker(StepTypeForecast, `{"forecast":[10.0,11.0]}`),
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0, 2.0}),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"values": RefInput("forecast", "forecast"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStateCompleted {
		t.Errorf("Expected completed, got %s", state)
	}
	for i := range plan.Steps {
		if plan.Steps[i].Status != StepStatusSucceeded {
			t.Errorf("Expected step %s succeeded, got %s", plan.Steps[i].ID, plan.Steps[i].Status)
		}
	}
	if len(plan.RiskNotes) != 0 {
		t.Errorf("Expected no risk notes, got %v", plan.RiskNotes)
	}

	planKinds := env.trace.kinds("plan-1", "")
	if len(planKinds) != 2 || planKinds[0] != TraceKindPlanStarted || planKinds[1] != TraceKindPlanFinished {
		t.Errorf("Expected [plan_started plan_finished], got %v", planKinds)
	}
}

func TestLevelScheduler_Execute_OptionalFailureDegradesToPartial(t *testing.T) {
	env := newTestEnv()
	registry := newTestRegistry(
		echoWorker(StepTypeForecast, `{"forecast":[10.0,11.0]}`),
		&fakeWorker{
			stepType: StepTypeOptimize,
			run: func(context.Context, WorkRequest) (json.RawMessage, error) {
				return nil, fmt.Errorf("infeasible: budget 1.00 cannot cover minimum service")
			},
		},
		echoWorker(StepTypeEvidence, `{"entries":[]}`),
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0, 2.0}),
		}},
		{ID: "allocate", Type: StepTypeOptimize, Inputs: map[string]Input{
			"demand": RefInput("forecast", "forecast"),
		}},
		{ID: "audit", Type: StepTypeEvidence, Inputs: map[string]Input{
			"allocation": RefInput("allocate", "allocations"),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"values": RefInput("forecast", "forecast"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStatePartial {
		t.Errorf("Expected partial, got %s", state)
	}

	if plan.Step("allocate").Status != StepStatusFailed {
		t.Errorf("Expected allocate failed, got %s", plan.Step("allocate").Status)
	}
	if plan.Step("audit").Status != StepStatusSkipped {
		t.Errorf("Expected audit skipped, got %s", plan.Step("audit").Status)
	}
	if plan.Step("summarize").Status != StepStatusSucceeded {
		t.Errorf("Expected summarize succeeded, got %s", plan.Step("summarize").Status)
	}

	if len(plan.RiskNotes) != 1 {
		t.Fatalf("Expected exactly 1 risk note, got %d: %v", len(plan.RiskNotes), plan.RiskNotes)
	}
	note := plan.RiskNotes[0]
	if note.StepID != "allocate" || note.Reason != "step_failed" {
		t.Errorf("Expected step_failed note for allocate, got %+v", note)
	}
}

func TestLevelScheduler_Execute_TimeoutProducesTimeoutNote(t *testing.T) {
	env := newTestEnv()
	registry := newTestRegistry(
		echoWorker(StepTypeForecast, `{"forecast":[10.0]}`),
		&fakeWorker{
			stepType: StepTypeOptimize,
			run: func(ctx context.Context, _ WorkRequest) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	timeouts := DefaultTimeouts()
	timeouts.Optimize = 20 * time.Millisecond
	scheduler := env.scheduler(registry, timeouts, 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0}),
		}},
		{ID: "allocate", Type: StepTypeOptimize, Inputs: map[string]Input{
			"demand": RefInput("forecast", "forecast"),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"allocation": RefInput("allocate", "allocations"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStatePartial {
		t.Errorf("Expected partial, got %s", state)
	}

	if plan.Step("forecast").Status != StepStatusSucceeded {
		t.Errorf("Expected forecast succeeded, got %s", plan.Step("forecast").Status)
	}
	if plan.Step("allocate").Status != StepStatusFailed {
		t.Errorf("Expected allocate failed, got %s", plan.Step("allocate").Status)
	}
	if plan.Step("summarize").Status != StepStatusSkipped {
		t.Errorf("Expected summarize skipped, got %s", plan.Step("summarize").Status)
	}

	if len(plan.RiskNotes) != 1 || plan.RiskNotes[0].Reason != "step_timeout" {
		t.Errorf("Expected a single step_timeout note, got %v", plan.RiskNotes)
	}
	if len(plan.RiskNotes) == 1 && plan.RiskNotes[0].StepID != "allocate" {
		t.Errorf("Expected the timeout note to reference allocate, got %+v", plan.RiskNotes[0])
	}
}

func TestLevelScheduler_Execute_RequiredTimeoutFailsPlan(t *testing.T) {
	env := newTestEnv()
	registry := newTestRegistry(
		echoWorker(StepTypeForecast, `{"forecast":[10.0]}`),
		&fakeWorker{
			stepType: StepTypeOptimize,
			run: func(ctx context.Context, _ WorkRequest) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	timeouts := DefaultTimeouts()
	timeouts.Optimize = 20 * time.Millisecond
	scheduler := env.scheduler(registry, timeouts, 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0}),
		}},
		{ID: "allocate", Type: StepTypeOptimize, Required: true, Inputs: map[string]Input{
			"demand": RefInput("forecast", "forecast"),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"allocation": RefInput("allocate", "allocations"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStateFailed {
		t.Errorf("Expected failed, got %s", state)
	}
	if plan.Step("summarize").Status != StepStatusSkipped {
		t.Errorf("Expected summarize skipped, got %s", plan.Step("summarize").Status)
	}
	if len(plan.RiskNotes) != 0 {
		t.Errorf("Expected no risk notes for a required timeout, got %v", plan.RiskNotes)
	}
}

func TestLevelScheduler_Execute_RequiredFailureFailsPlan(t *testing.T) {
	env := newTestEnv()
	registry := newTestRegistry(
		&fakeWorker{
			stepType: StepTypeForecast,
			run: func(context.Context, WorkRequest) (json.RawMessage, error) {
				return nil, fmt.Errorf("series too short")
			},
		},
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Required: true, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0}),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"values": RefInput("forecast", "forecast"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStateFailed {
		t.Errorf("Expected failed, got %s", state)
	}
	if plan.Step("summarize").Status != StepStatusSkipped {
		t.Errorf("Expected summarize skipped, got %s", plan.Step("summarize").Status)
	}
	if len(plan.RiskNotes) != 0 {
		t.Errorf("Expected no risk notes for a required failure, got %v", plan.RiskNotes)
	}
}

func TestLevelScheduler_Execute_DiagnoseSuggestsReplan(t *testing.T) {
	env := newTestEnv()
	registry := newTestRegistry(
		echoWorker(StepTypeForecast, `{"forecast":[10.0,11.0]}`),
		&fakeWorker{
			stepType: StepTypeOptimize,
			run: func(context.Context, WorkRequest) (json.RawMessage, error) {
				return nil, fmt.Errorf("infeasible: budget 1.00 cannot cover minimum service")
			},
		},
		echoWorker(StepTypeDiagnose, `{"healthy":false,"diagnoses":[{"finding":"shortfall"}]}`),
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0, 2.0}),
		}},
		{ID: "allocate", Type: StepTypeOptimize, Inputs: map[string]Input{
			"demand": RefInput("forecast", "forecast"),
		}},
		{ID: "triage", Type: StepTypeDiagnose, Inputs: map[string]Input{
			"subject": RefInput("forecast", ""),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"values": RefInput("forecast", "forecast"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStatePartial {
		t.Errorf("Expected partial, got %s", state)
	}

	reasons := make(map[string]int)
	for _, note := range plan.RiskNotes {
		reasons[note.Reason]++
	}
	if reasons["step_failed"] != 1 {
		t.Errorf("Expected 1 step_failed note, got %v", plan.RiskNotes)
	}
	if reasons["replan_suggested"] != 1 {
		t.Errorf("Expected 1 replan_suggested note, got %v", plan.RiskNotes)
	}
}

func TestLevelScheduler_Execute_RespectsMaxParallel(t *testing.T) {
	env := newTestEnv()

	var inFlight, peak int32
	registry := newTestRegistry(&fakeWorker{
		stepType: StepTypeForecast,
		run: func(context.Context, WorkRequest) (json.RawMessage, error) {
			current := atomic.AddInt32(&inFlight, 1)
			for {
				observed := atomic.LoadInt32(&peak)
				if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return json.RawMessage(`{"forecast":[1.0]}`), nil
		},
	})
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	steps := make([]Step, 0, 6)
	for i := 0; i < 6; i++ {
		steps = append(steps, Step{
			ID:   fmt.Sprintf("forecast-%d", i),
			Type: StepTypeForecast,
			Inputs: map[string]Input{
				"series": LiteralInput([]interface{}{1.0}),
			},
		})
	}
	plan := env.newTestPlan("plan-1", steps)
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStateCompleted {
		t.Errorf("Expected completed, got %s", state)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("Expected at most 2 concurrent steps, observed %d", got)
	}
}

func TestLevelScheduler_Execute_IndependentRootsRunConcurrently(t *testing.T) {
	env := newTestEnv()

	// Both roots rendezvous before returning, so the plan only completes
	// promptly if the scheduler actually overlaps their execution.
	var inFlight, peak int32
	barrier := make(chan struct{})
	var once sync.Once
	registry := newTestRegistry(
		&fakeWorker{
			stepType: StepTypeForecast,
			run: func(context.Context, WorkRequest) (json.RawMessage, error) {
				current := atomic.AddInt32(&inFlight, 1)
				for {
					observed := atomic.LoadInt32(&peak)
					if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
						break
					}
				}
				if current == 2 {
					once.Do(func() { close(barrier) })
				}
				select {
				case <-barrier:
				case <-time.After(2 * time.Second):
				}
				atomic.AddInt32(&inFlight, -1)
				return json.RawMessage(`{"forecast":[1.0]}`), nil
			},
		},
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast-a", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0}),
		}},
		{ID: "forecast-b", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{2.0}),
		}},
		{ID: "merge", Type: StepTypeExplain, Inputs: map[string]Input{
			"left":  RefInput("forecast-a", "forecast"),
			"right": RefInput("forecast-b", "forecast"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(context.Background(), plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStateCompleted {
		t.Errorf("Expected completed, got %s", state)
	}
	if plan.Step("merge").Status != StepStatusSucceeded {
		t.Errorf("Expected merge succeeded, got %s", plan.Step("merge").Status)
	}
	if got := atomic.LoadInt32(&peak); got != 2 {
		t.Errorf("Expected both roots in flight at once, observed peak %d", got)
	}

	// The trace must show both roots starting before either finishes.
	events, err := env.trace.Events(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	lastStart, firstFinish := -1, len(events)
	for i, ev := range events {
		if ev.StepID != "forecast-a" && ev.StepID != "forecast-b" {
			continue
		}
		switch ev.Kind {
		case TraceKindStepStarted:
			if i > lastStart {
				lastStart = i
			}
		case TraceKindStepSucceeded:
			if i < firstFinish {
				firstFinish = i
			}
		}
	}
	if lastStart == -1 || firstFinish == len(events) {
		t.Fatalf("Expected started and succeeded events for both roots, got %v", events)
	}
	if lastStart > firstFinish {
		t.Errorf("Expected overlapping root intervals, but a root finished at event %d before the other started at %d", firstFinish, lastStart)
	}
}

func TestLevelScheduler_Execute_CancellationSkipsRemainingSteps(t *testing.T) {
	env := newTestEnv()
	ctx, cancel := context.WithCancel(context.Background())
	registry := newTestRegistry(
		&fakeWorker{
			stepType: StepTypeForecast,
			run: func(runCtx context.Context, _ WorkRequest) (json.RawMessage, error) {
				cancel()
				<-runCtx.Done()
				return nil, runCtx.Err()
			},
		},
		echoWorker(StepTypeExplain, `{"summary":"ok"}`),
	)
	scheduler := env.scheduler(registry, DefaultTimeouts(), 2)

	plan := env.newTestPlan("plan-1", []Step{
		{ID: "forecast", Type: StepTypeForecast, Inputs: map[string]Input{
			"series": LiteralInput([]interface{}{1.0}),
		}},
		{ID: "summarize", Type: StepTypeExplain, Inputs: map[string]Input{
			"values": RefInput("forecast", "forecast"),
		}},
	})
	graph := buildTestGraph(t, plan.Steps)

	state, err := scheduler.Execute(ctx, plan, graph)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if state != PlanStateFailed {
		t.Errorf("Expected failed, got %s", state)
	}
	if plan.Step("summarize").Status != StepStatusSkipped {
		t.Errorf("Expected summarize skipped, got %s", plan.Step("summarize").Status)
	}
	if plan.FinishedAt == nil {
		t.Error("Expected the plan to be finalized after cancellation")
	}
}

func TestLevelScheduler_Execute_NilGraph(t *testing.T) {
	env := newTestEnv()
	scheduler := env.scheduler(newTestRegistry(), DefaultTimeouts(), 2)
	plan := env.newTestPlan("plan-1", []Step{{ID: "a", Type: StepTypeForecast}})

	_, err := scheduler.Execute(context.Background(), plan, nil)
	if err == nil || !hasCode(err, ErrCodeValidation) {
		t.Fatalf("Expected validation error for nil graph, got: %v", err)
	}
}
