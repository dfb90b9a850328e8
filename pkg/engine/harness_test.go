package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/planweave/planweave/pkg/telemetry"
)

// testPlanStore is an in-memory PlanStore for tests.
type testPlanStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
	order []string
}

func newTestPlanStore() *testPlanStore {
	return &testPlanStore{plans: make(map[string]*Plan)}
}

// snapshot copies the plan so concurrent readers never share mutable state
// with the execution goroutine.
func (s *testPlanStore) snapshot(plan *Plan) *Plan {
	clone := *plan
	clone.Steps = append([]Step(nil), plan.Steps...)
	clone.RiskNotes = append([]RiskNote(nil), plan.RiskNotes...)
	return &clone
}

func (s *testPlanStore) CreatePlan(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return NewConflictError("plan already exists").WithPlan(plan.ID)
	}
	s.plans[plan.ID] = s.snapshot(plan)
	s.order = append(s.order, plan.ID)
	return nil
}

func (s *testPlanStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, NewNotFoundError("plan", id).WithPlan(id)
	}
	return s.snapshot(plan), nil
}

func (s *testPlanStore) UpdatePlan(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return NewNotFoundError("plan", plan.ID).WithPlan(plan.ID)
	}
	s.plans[plan.ID] = s.snapshot(plan)
	return nil
}

func (s *testPlanStore) ListPlans(_ context.Context, limit, offset int) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plan, 0)
	for i := len(s.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.snapshot(s.plans[s.order[i]]))
	}
	return out, nil
}

// testArtifactStore is an in-memory ArtifactStore for tests.
type testArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string][]Artifact
}

func newTestArtifactStore() *testArtifactStore {
	return &testArtifactStore{artifacts: make(map[string][]Artifact)}
}

func (s *testArtifactStore) Put(_ context.Context, planID, stepID string, payload json.RawMessage) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := planID + "/" + stepID
	sum := sha256.Sum256(payload)
	artifact := Artifact{
		PlanID:    planID,
		StepID:    stepID,
		Version:   int64(len(s.artifacts[key])) + 1,
		Payload:   append(json.RawMessage(nil), payload...),
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}
	s.artifacts[key] = append(s.artifacts[key], artifact)
	result := artifact
	return &result, nil
}

func (s *testArtifactStore) Get(_ context.Context, planID, stepID string, version int64) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.artifacts[planID+"/"+stepID]
	if len(versions) == 0 {
		return nil, NewNotFoundError("artifact", stepID)
	}
	if version == VersionLatest {
		result := versions[len(versions)-1]
		return &result, nil
	}
	if version < 1 || version > int64(len(versions)) {
		return nil, NewNotFoundError("artifact version", stepID)
	}
	result := versions[version-1]
	return &result, nil
}

func (s *testArtifactStore) List(_ context.Context, planID string) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := planID + "/"
	out := make([]Artifact, 0)
	for key, versions := range s.artifacts {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, versions...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// testTraceLog is an in-memory TraceLog for tests.
type testTraceLog struct {
	mu     sync.Mutex
	events []TraceEvent
}

func newTestTraceLog() *testTraceLog {
	return &testTraceLog{}
}

func (l *testTraceLog) Append(_ context.Context, event *TraceEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
	return nil
}

func (l *testTraceLog) Events(_ context.Context, planID string) ([]TraceEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TraceEvent, 0)
	for _, ev := range l.events {
		if ev.PlanID == planID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// kinds returns the ordered trace kinds for a step, or all plan events when
// stepID is empty.
func (l *testTraceLog) kinds(planID, stepID string) []TraceKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TraceKind, 0)
	for _, ev := range l.events {
		if ev.PlanID == planID && ev.StepID == stepID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// fakeWorker runs a configurable function for one step type.
type fakeWorker struct {
	stepType StepType
	run      func(ctx context.Context, req WorkRequest) (json.RawMessage, error)
}

func (w *fakeWorker) Type() StepType { return w.stepType }

func (w *fakeWorker) Run(ctx context.Context, req WorkRequest) (json.RawMessage, error) {
	return w.run(ctx, req)
}

// testRegistry binds fake workers by step type.
type testRegistry struct {
	workers map[StepType]Worker
}

func newTestRegistry(workers ...Worker) *testRegistry {
	r := &testRegistry{workers: make(map[StepType]Worker)}
	for _, w := range workers {
		r.workers[w.Type()] = w
	}
	return r
}

func (r *testRegistry) Lookup(stepType StepType) (Worker, error) {
	w, ok := r.workers[stepType]
	if !ok {
		return nil, fmt.Errorf("no worker for %s", stepType)
	}
	return w, nil
}

// echoWorker returns a worker that records its payload immediately.
func echoWorker(stepType StepType, payload string) *fakeWorker {
	return &fakeWorker{
		stepType: stepType,
		run: func(context.Context, WorkRequest) (json.RawMessage, error) {
			return json.RawMessage(payload), nil
		},
	}
}

// testCompiler returns fixed steps for any request.
type testCompiler struct {
	steps []Step
	err   error
}

func (c *testCompiler) Compile(context.Context, CompileRequest) ([]Step, error) {
	if c.err != nil {
		return nil, c.err
	}
	steps := make([]Step, len(c.steps))
	copy(steps, c.steps)
	return steps, nil
}

// testEnv bundles the engine components most tests need.
type testEnv struct {
	plans     *testPlanStore
	artifacts *testArtifactStore
	trace     *testTraceLog
	state     *StateMachine
	metrics   *telemetry.Metrics
}

func newTestEnv() *testEnv {
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	plans := newTestPlanStore()
	trace := newTestTraceLog()
	return &testEnv{
		plans:     plans,
		artifacts: newTestArtifactStore(),
		trace:     trace,
		state:     NewStateMachine(plans, trace, telemetry.Nop(), metrics),
		metrics:   metrics,
	}
}

func (e *testEnv) runner(registry WorkerRegistry, timeouts Timeouts) *StepRunner {
	return NewStepRunner(registry, e.artifacts, e.trace, timeouts, telemetry.Nop(), e.metrics, nil)
}

func (e *testEnv) scheduler(registry WorkerRegistry, timeouts Timeouts, maxParallel int) *LevelScheduler {
	return NewLevelScheduler(maxParallel, e.runner(registry, timeouts), e.state, telemetry.Nop(), nil)
}

// newTestPlan builds a registered pending plan from steps.
func (e *testEnv) newTestPlan(id string, steps []Step) *Plan {
	plan := &Plan{
		ID:        id,
		CreatedAt: time.Now(),
		Horizon:   3,
		State:     PlanStatePending,
		Steps:     steps,
	}
	for i := range plan.Steps {
		if plan.Steps[i].Status == "" {
			plan.Steps[i].Status = StepStatusNotStarted
		}
	}
	_ = e.plans.CreatePlan(context.Background(), plan)
	return plan
}

// statusAlways returns a StatusFunc reporting the same status for every step.
func statusAlways(status StepStatus) StatusFunc {
	return func(string) StepStatus { return status }
}
