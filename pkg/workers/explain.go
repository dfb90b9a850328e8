package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/planweave/planweave/pkg/engine"
)

// ExplainWorker composes a human-readable summary from whatever upstream
// artifacts are wired into its inputs. It never fails on content: any input
// it cannot interpret is still mentioned by name.
type ExplainWorker struct{}

// NewExplainWorker creates an explain worker.
func NewExplainWorker() *ExplainWorker {
	return &ExplainWorker{}
}

// Type returns the step type this worker handles.
func (w *ExplainWorker) Type() engine.StepType {
	return engine.StepTypeExplain
}

// explainOutput is the artifact payload shape for explain steps.
type explainOutput struct {
	Summary string   `json:"summary"`
	Sources []string `json:"sources"`
}

// Run summarizes each input in deterministic name order.
func (w *ExplainWorker) Run(ctx context.Context, req engine.WorkRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, describeInput(name, req.Inputs[name]))
	}

	summary := fmt.Sprintf("plan over %d periods", req.Horizon)
	if len(lines) > 0 {
		summary += ": " + strings.Join(lines, "; ")
	}

	return json.Marshal(explainOutput{
		Summary: summary,
		Sources: names,
	})
}

// describeInput renders a one-phrase description of an input value.
func describeInput(name string, v interface{}) string {
	switch val := v.(type) {
	case map[string]interface{}:
		if compliant, ok := val["compliant"].(bool); ok {
			if compliant {
				return fmt.Sprintf("%s passed all policy checks", name)
			}
			return fmt.Sprintf("%s reported policy violations", name)
		}
		if objective, ok := floatValue(val["objective"]); ok {
			return fmt.Sprintf("%s allocated %.2f units", name, objective)
		}
		if forecast, ok := val["forecast"].([]interface{}); ok {
			return fmt.Sprintf("%s projected %d periods", name, len(forecast))
		}
		if healthy, ok := val["healthy"].(bool); ok && !healthy {
			return fmt.Sprintf("%s found issues needing relaxation", name)
		}
		return fmt.Sprintf("%s produced a structured result", name)
	case []interface{}:
		return fmt.Sprintf("%s carried %d values", name, len(val))
	case string:
		return fmt.Sprintf("%s: %s", name, val)
	default:
		return fmt.Sprintf("%s: %v", name, val)
	}
}
