package workers

import (
	"context"
	"encoding/json"

	"github.com/planweave/planweave/pkg/engine"
)

// PolicyWorker checks a numeric series against configured floor and ceiling
// thresholds and reports every period that violates them.
type PolicyWorker struct{}

// NewPolicyWorker creates a policy worker.
func NewPolicyWorker() *PolicyWorker {
	return &PolicyWorker{}
}

// Type returns the step type this worker handles.
func (w *PolicyWorker) Type() engine.StepType {
	return engine.StepTypePolicy
}

// policyViolation records one out-of-bounds period.
type policyViolation struct {
	Period int     `json:"period"`
	Value  float64 `json:"value"`
	Bound  string  `json:"bound"`
	Limit  float64 `json:"limit"`
}

// policyOutput is the artifact payload shape for policy steps.
type policyOutput struct {
	Compliant  bool              `json:"compliant"`
	Violations []policyViolation `json:"violations"`
	Checked    int               `json:"checked"`
	Floor      *float64          `json:"floor,omitempty"`
	Ceiling    *float64          `json:"ceiling,omitempty"`
}

// Run evaluates the "values" input against the "floor" and "ceiling" inputs.
// A missing bound is treated as unbounded.
func (w *PolicyWorker) Run(ctx context.Context, req engine.WorkRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values, err := seriesInput(req, "values")
	if err != nil {
		return nil, err
	}

	floor := optionalFloat(req, "floor")
	ceiling := optionalFloat(req, "ceiling")

	violations := []policyViolation{}
	for i, v := range values {
		if floor != nil && v < *floor {
			violations = append(violations, policyViolation{Period: i, Value: v, Bound: "floor", Limit: *floor})
		}
		if ceiling != nil && v > *ceiling {
			violations = append(violations, policyViolation{Period: i, Value: v, Bound: "ceiling", Limit: *ceiling})
		}
	}

	return json.Marshal(policyOutput{
		Compliant:  len(violations) == 0,
		Violations: violations,
		Checked:    len(values),
		Floor:      floor,
		Ceiling:    ceiling,
	})
}

// optionalFloat fetches a named numeric input, nil when absent.
func optionalFloat(req engine.WorkRequest, name string) *float64 {
	v, ok := req.Inputs[name]
	if !ok {
		return nil
	}
	f, ok := floatValue(v)
	if !ok {
		return nil
	}
	return &f
}
