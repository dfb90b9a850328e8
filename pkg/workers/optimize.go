package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/planweave/planweave/pkg/engine"
)

// OptimizeWorker allocates a limited budget across periods with a greedy
// heuristic: periods with the highest demand are served first, each capped
// by the per-period capacity.
type OptimizeWorker struct{}

// NewOptimizeWorker creates an optimize worker.
func NewOptimizeWorker() *OptimizeWorker {
	return &OptimizeWorker{}
}

// Type returns the step type this worker handles.
func (w *OptimizeWorker) Type() engine.StepType {
	return engine.StepTypeOptimize
}

// optimizeOutput is the artifact payload shape for optimize steps.
type optimizeOutput struct {
	Allocations []float64 `json:"allocations"`
	Objective   float64   `json:"objective"`
	Demand      float64   `json:"demand"`
	Budget      float64   `json:"budget"`
	Shortfall   float64   `json:"shortfall"`
}

// Run allocates against the "demand" series. The "budget" input bounds the
// total allocation and "capacity" bounds each period; both default to
// unconstrained. A floor below which any period would be unserved makes the
// problem infeasible and fails the step.
func (w *OptimizeWorker) Run(ctx context.Context, req engine.WorkRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	demand, err := seriesInput(req, "demand")
	if err != nil {
		return nil, err
	}

	totalDemand := 0.0
	for _, d := range demand {
		totalDemand += d
	}

	budget := floatInput(req, "budget", totalDemand)
	capacity := optionalFloat(req, "capacity")
	minService := floatInput(req, "min_service", 0)

	if minService > 0 && budget < minService*float64(len(demand)) {
		return nil, fmt.Errorf(
			"infeasible: budget %.2f cannot cover minimum service %.2f over %d periods",
			budget, minService, len(demand))
	}

	// Serve the largest demands first.
	order := make([]int, len(demand))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return demand[order[a]] > demand[order[b]]
	})

	allocations := make([]float64, len(demand))
	remaining := budget
	for _, i := range order {
		want := demand[i]
		if want < minService {
			want = minService
		}
		if capacity != nil && want > *capacity {
			want = *capacity
		}
		if want > remaining {
			want = remaining
		}
		if want < 0 {
			want = 0
		}
		allocations[i] = want
		remaining -= want
	}

	objective := budget - remaining
	shortfall := totalDemand - objective
	if shortfall < 0 {
		shortfall = 0
	}

	return json.Marshal(optimizeOutput{
		Allocations: allocations,
		Objective:   objective,
		Demand:      totalDemand,
		Budget:      budget,
		Shortfall:   shortfall,
	})
}
