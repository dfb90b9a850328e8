package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/planweave/planweave/pkg/engine"
)

// MemoryStore is an in-memory implementation of PlanStore, ArtifactStore,
// and TraceLog. It keeps deep copies on every boundary crossing, so callers
// polling a plan never observe a half-applied update from a concurrent
// execution.
type MemoryStore struct {
	mu        sync.RWMutex
	plans     map[string]*engine.Plan
	planOrder []string

	// artifactMu serializes writes per step key so concurrent Put calls for
	// the same step always receive distinct, strictly incrementing versions.
	artifactMu sync.Mutex
	artifacts  map[string][]engine.Artifact

	traceMu sync.Mutex
	traces  map[string][]engine.TraceEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[string]*engine.Plan),
		artifacts: make(map[string][]engine.Artifact),
		traces:    make(map[string][]engine.TraceEvent),
	}
}

// CreatePlan registers a new plan. Fails if the ID already exists.
func (s *MemoryStore) CreatePlan(_ context.Context, plan *engine.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[plan.ID]; exists {
		return engine.NewConflictError("plan already exists").WithPlan(plan.ID)
	}

	s.plans[plan.ID] = clonePlan(plan)
	s.planOrder = append(s.planOrder, plan.ID)
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *MemoryStore) GetPlan(_ context.Context, id string) (*engine.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, engine.NewNotFoundError("plan", id).WithPlan(id)
	}
	return clonePlan(plan), nil
}

// UpdatePlan persists the current plan state, steps, and risk notes.
func (s *MemoryStore) UpdatePlan(_ context.Context, plan *engine.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[plan.ID]; !ok {
		return engine.NewNotFoundError("plan", plan.ID).WithPlan(plan.ID)
	}
	s.plans[plan.ID] = clonePlan(plan)
	return nil
}

// ListPlans lists plans ordered by creation time, newest first.
func (s *MemoryStore) ListPlans(_ context.Context, limit, offset int) ([]*engine.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	plans := make([]*engine.Plan, 0, limit)
	for i := len(s.planOrder) - 1 - offset; i >= 0 && len(plans) < limit; i-- {
		plans = append(plans, clonePlan(s.plans[s.planOrder[i]]))
	}
	return plans, nil
}

// Put writes a new artifact version for the given step.
func (s *MemoryStore) Put(_ context.Context, planID, stepID string, payload json.RawMessage) (*engine.Artifact, error) {
	s.artifactMu.Lock()
	defer s.artifactMu.Unlock()

	key := planID + "/" + stepID
	versions := s.artifacts[key]

	artifact := engine.Artifact{
		PlanID:    planID,
		StepID:    stepID,
		Version:   int64(len(versions)) + 1,
		Payload:   append(json.RawMessage(nil), payload...),
		Checksum:  Checksum(payload),
		CreatedAt: time.Now(),
	}
	s.artifacts[key] = append(versions, artifact)

	result := artifact
	return &result, nil
}

// Get retrieves an artifact by version. engine.VersionLatest selects the
// most recent write.
func (s *MemoryStore) Get(_ context.Context, planID, stepID string, version int64) (*engine.Artifact, error) {
	s.artifactMu.Lock()
	defer s.artifactMu.Unlock()

	versions := s.artifacts[planID+"/"+stepID]
	if len(versions) == 0 {
		return nil, engine.NewNotFoundError("artifact", stepID).WithPlan(planID).WithStep(stepID)
	}

	if version == engine.VersionLatest {
		result := versions[len(versions)-1]
		return &result, nil
	}
	if version < 1 || version > int64(len(versions)) {
		return nil, engine.NewNotFoundError("artifact version", stepID).
			WithPlan(planID).WithStep(stepID).WithDetail("version", version)
	}

	result := versions[version-1]
	return &result, nil
}

// List returns all artifacts for a plan ordered by (step id, version).
func (s *MemoryStore) List(_ context.Context, planID string) ([]engine.Artifact, error) {
	s.artifactMu.Lock()
	defer s.artifactMu.Unlock()

	prefix := planID + "/"
	all := make([]engine.Artifact, 0)
	for key, versions := range s.artifacts {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			all = append(all, versions...)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].StepID != all[j].StepID {
			return all[i].StepID < all[j].StepID
		}
		return all[i].Version < all[j].Version
	})
	return all, nil
}

// Append records one trace event.
func (s *MemoryStore) Append(_ context.Context, event *engine.TraceEvent) error {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()

	s.traces[event.PlanID] = append(s.traces[event.PlanID], *event)
	return nil
}

// Events returns the trace for a plan in append order.
func (s *MemoryStore) Events(_ context.Context, planID string) ([]engine.TraceEvent, error) {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()

	events := s.traces[planID]
	result := make([]engine.TraceEvent, len(events))
	copy(result, events)
	return result, nil
}

// Checksum returns the hex-encoded SHA-256 of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// clonePlan deep-copies the mutable parts of a plan. Input maps and payloads
// are immutable after creation and are shared, not copied.
func clonePlan(plan *engine.Plan) *engine.Plan {
	cloned := *plan

	cloned.Steps = make([]engine.Step, len(plan.Steps))
	copy(cloned.Steps, plan.Steps)

	if plan.RiskNotes != nil {
		cloned.RiskNotes = make([]engine.RiskNote, len(plan.RiskNotes))
		copy(cloned.RiskNotes, plan.RiskNotes)
	}
	if plan.StartedAt != nil {
		t := *plan.StartedAt
		cloned.StartedAt = &t
	}
	if plan.FinishedAt != nil {
		t := *plan.FinishedAt
		cloned.FinishedAt = &t
	}
	return &cloned
}
