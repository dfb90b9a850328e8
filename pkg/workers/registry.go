// Package workers provides the built-in step workers and the registry that
// binds them to step types. Workers are opaque to the engine: each one
// receives fully resolved inputs and returns a structured JSON payload.
package workers

import (
	"fmt"
	"sync"

	"github.com/planweave/planweave/pkg/engine"
)

// Registry maps step types to workers. It satisfies engine.WorkerRegistry.
type Registry struct {
	mu      sync.RWMutex
	workers map[engine.StepType]engine.Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[engine.StepType]engine.Worker)}
}

// NewDefaultRegistry creates a registry with all built-in workers bound.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewForecastWorker())
	r.Register(NewPolicyWorker())
	r.Register(NewOptimizeWorker())
	r.Register(NewDiagnoseWorker())
	r.Register(NewExplainWorker())
	r.Register(NewEvidenceWorker())
	return r
}

// Register binds a worker to its declared step type, replacing any previous
// binding.
func (r *Registry) Register(w engine.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Type()] = w
}

// Lookup returns the worker bound to the step type.
func (r *Registry) Lookup(stepType engine.StepType) (engine.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[stepType]
	if !ok {
		return nil, fmt.Errorf("no worker registered for step type %s", stepType)
	}
	return w, nil
}
