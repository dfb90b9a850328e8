package workers

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/planweave/planweave/pkg/engine"
)

func allocations(t *testing.T, out map[string]interface{}) []float64 {
	t.Helper()
	raw, ok := out["allocations"].([]interface{})
	if !ok {
		t.Fatalf("Expected allocations array, got %v", out["allocations"])
	}
	result := make([]float64, len(raw))
	for i, v := range raw {
		result[i], _ = floatValue(v)
	}
	return result
}

func TestOptimizeWorker_UnconstrainedServesAllDemand(t *testing.T) {
	w := NewOptimizeWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"demand": []interface{}{10.0, 20.0, 30.0},
		},
	})

	allocs := allocations(t, out)
	want := []float64{10, 20, 30}
	for i, expected := range want {
		if math.Abs(allocs[i]-expected) > 1e-9 {
			t.Errorf("Expected period %d allocation %.1f, got %.4f", i, expected, allocs[i])
		}
	}

	shortfall, _ := floatValue(out["shortfall"])
	if shortfall != 0 {
		t.Errorf("Expected no shortfall, got %v", shortfall)
	}
}

func TestOptimizeWorker_BudgetServesLargestDemandsFirst(t *testing.T) {
	w := NewOptimizeWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"demand": []interface{}{10.0, 30.0, 20.0},
			"budget": 35.0,
		},
	})

	allocs := allocations(t, out)
	if math.Abs(allocs[1]-30.0) > 1e-9 {
		t.Errorf("Expected largest demand served in full, got %.4f", allocs[1])
	}
	if math.Abs(allocs[2]-5.0) > 1e-9 {
		t.Errorf("Expected remaining budget on next demand, got %.4f", allocs[2])
	}
	if allocs[0] != 0 {
		t.Errorf("Expected smallest demand unserved, got %.4f", allocs[0])
	}

	objective, _ := floatValue(out["objective"])
	if math.Abs(objective-35.0) > 1e-9 {
		t.Errorf("Expected objective 35, got %.4f", objective)
	}
	shortfall, _ := floatValue(out["shortfall"])
	if math.Abs(shortfall-25.0) > 1e-9 {
		t.Errorf("Expected shortfall 25, got %.4f", shortfall)
	}
}

func TestOptimizeWorker_CapacityCapsEachPeriod(t *testing.T) {
	w := NewOptimizeWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 2,
		Inputs: map[string]interface{}{
			"demand":   []interface{}{50.0, 40.0},
			"capacity": 30.0,
		},
	})

	allocs := allocations(t, out)
	for i, a := range allocs {
		if a > 30.0 {
			t.Errorf("Expected period %d capped at 30, got %.4f", i, a)
		}
	}
}

func TestOptimizeWorker_InfeasibleMinService(t *testing.T) {
	w := NewOptimizeWorker()
	_, err := w.Run(context.Background(), engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"demand":      []interface{}{10.0, 10.0, 10.0},
			"budget":      5.0,
			"min_service": 4.0,
		},
	})

	if err == nil {
		t.Fatal("Expected infeasibility error, got nil")
	}
	if !strings.Contains(err.Error(), "infeasible") {
		t.Errorf("Expected infeasible error message, got: %v", err)
	}
}

func TestOptimizeWorker_ConsumesUpstreamForecast(t *testing.T) {
	w := NewOptimizeWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 2,
		Inputs: map[string]interface{}{
			"demand": map[string]interface{}{
				"forecast": []interface{}{18.0, 20.0},
				"model":    "linear_trend",
			},
		},
	})

	demand, _ := floatValue(out["demand"])
	if math.Abs(demand-38.0) > 1e-9 {
		t.Errorf("Expected total demand 38, got %.4f", demand)
	}
}
