package workers

import (
	"context"
	"strings"
	"testing"

	"github.com/planweave/planweave/pkg/engine"
)

func TestDiagnoseWorker_HealthySubject(t *testing.T) {
	w := NewDiagnoseWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"subject": map[string]interface{}{
				"compliant": true,
				"shortfall": 0.0,
			},
		},
	})

	if out["healthy"] != true {
		t.Errorf("Expected healthy, got %v", out["healthy"])
	}
	diagnoses := out["diagnoses"].([]interface{})
	if len(diagnoses) != 0 {
		t.Errorf("Expected no diagnoses, got %v", diagnoses)
	}
}

func TestDiagnoseWorker_PolicyViolations(t *testing.T) {
	w := NewDiagnoseWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"subject": map[string]interface{}{
				"compliant": false,
				"violations": []interface{}{
					map[string]interface{}{"period": 0.0, "bound": "floor"},
					map[string]interface{}{"period": 2.0, "bound": "ceiling"},
				},
			},
		},
	})

	if out["healthy"] != false {
		t.Errorf("Expected unhealthy, got %v", out["healthy"])
	}
	diagnoses := out["diagnoses"].([]interface{})
	if len(diagnoses) != 1 {
		t.Fatalf("Expected 1 diagnosis, got %v", diagnoses)
	}
	finding := diagnoses[0].(map[string]interface{})["finding"].(string)
	if !strings.Contains(finding, "2 violating periods") {
		t.Errorf("Expected finding to count violations, got %q", finding)
	}
}

func TestDiagnoseWorker_AllocationShortfall(t *testing.T) {
	w := NewDiagnoseWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"subject": map[string]interface{}{
				"allocations": []interface{}{10.0, 5.0},
				"shortfall":   25.0,
			},
		},
	})

	diagnoses := out["diagnoses"].([]interface{})
	if len(diagnoses) != 1 {
		t.Fatalf("Expected 1 diagnosis, got %v", diagnoses)
	}
	suggestion := diagnoses[0].(map[string]interface{})["suggestion"].(string)
	if !strings.Contains(suggestion, "budget") {
		t.Errorf("Expected a budget relaxation suggestion, got %q", suggestion)
	}
}

func TestDiagnoseWorker_DemandOverBudget(t *testing.T) {
	w := NewDiagnoseWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"subject": map[string]interface{}{
				"forecast": []interface{}{10.0, 11.0, 12.0},
			},
			"budget": 20.0,
		},
	})

	if out["healthy"] != false {
		t.Errorf("Expected unhealthy, got %v", out["healthy"])
	}
	diagnoses := out["diagnoses"].([]interface{})
	if len(diagnoses) != 1 {
		t.Fatalf("Expected 1 diagnosis, got %v", diagnoses)
	}
	finding := diagnoses[0].(map[string]interface{})["finding"].(string)
	if !strings.Contains(finding, "exceeds budget") {
		t.Errorf("Expected a demand-over-budget finding, got %q", finding)
	}
}

func TestDiagnoseWorker_DemandWithinBudget(t *testing.T) {
	w := NewDiagnoseWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"subject": map[string]interface{}{
				"forecast": []interface{}{5.0, 5.0},
			},
			"budget": 20.0,
		},
	})

	if out["healthy"] != true {
		t.Errorf("Expected healthy, got %v", out["healthy"])
	}
}

func TestDiagnoseWorker_RejectsScalarSubject(t *testing.T) {
	w := NewDiagnoseWorker()
	_, err := w.Run(context.Background(), engine.WorkRequest{
		Horizon: 3,
		Inputs: map[string]interface{}{
			"subject": 42.0,
		},
	})
	if err == nil {
		t.Fatal("Expected error for scalar subject, got nil")
	}
}

func TestDiagnoseWorker_MissingSubject(t *testing.T) {
	w := NewDiagnoseWorker()
	_, err := w.Run(context.Background(), engine.WorkRequest{Horizon: 3})
	if err == nil {
		t.Fatal("Expected error for missing subject, got nil")
	}
}
