package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planweave/planweave/pkg/engine"
)

// DiagnoseWorker inspects an upstream result for constraint pressure and
// proposes relaxations. It consumes a policy, optimize, or forecast
// artifact and produces suggestions a re-planned run can apply.
type DiagnoseWorker struct{}

// NewDiagnoseWorker creates a diagnose worker.
func NewDiagnoseWorker() *DiagnoseWorker {
	return &DiagnoseWorker{}
}

// Type returns the step type this worker handles.
func (w *DiagnoseWorker) Type() engine.StepType {
	return engine.StepTypeDiagnose
}

// diagnosis is one suggested relaxation.
type diagnosis struct {
	Finding    string `json:"finding"`
	Suggestion string `json:"suggestion"`
}

// diagnoseOutput is the artifact payload shape for diagnose steps.
type diagnoseOutput struct {
	Healthy   bool        `json:"healthy"`
	Diagnoses []diagnosis `json:"diagnoses"`
}

// Run examines the "subject" input. Policy violations, allocation
// shortfalls, and forecast demand exceeding an optional "budget" input each
// produce a suggestion; a clean subject yields a healthy result with no
// suggestions.
func (w *DiagnoseWorker) Run(ctx context.Context, req engine.WorkRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject, err := requireInput(req, "subject")
	if err != nil {
		return nil, err
	}

	obj, ok := subject.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("input %q: expected structured payload, got %T", "subject", subject)
	}

	diagnoses := []diagnosis{}

	if compliant, ok := obj["compliant"].(bool); ok && !compliant {
		count := 0
		if violations, ok := obj["violations"].([]interface{}); ok {
			count = len(violations)
		}
		diagnoses = append(diagnoses, diagnosis{
			Finding:    fmt.Sprintf("policy check reported %d violating periods", count),
			Suggestion: "widen the policy bounds or lower the forecast horizon",
		})
	}

	if shortfall, ok := floatValue(obj["shortfall"]); ok && shortfall > 0 {
		diagnoses = append(diagnoses, diagnosis{
			Finding:    fmt.Sprintf("allocation shortfall of %.2f against demand", shortfall),
			Suggestion: "increase the budget or relax the per-period capacity",
		})
	}

	if series, ok := obj["forecast"]; ok {
		if demand, err := floatSlice(series); err == nil {
			if budget, ok := floatValue(req.Inputs["budget"]); ok {
				total := 0.0
				for _, d := range demand {
					total += d
				}
				if total > budget {
					diagnoses = append(diagnoses, diagnosis{
						Finding:    fmt.Sprintf("forecast demand %.2f exceeds budget %.2f", total, budget),
						Suggestion: "increase the budget or shorten the planning horizon",
					})
				}
			}
		}
	}

	return json.Marshal(diagnoseOutput{
		Healthy:   len(diagnoses) == 0,
		Diagnoses: diagnoses,
	})
}
