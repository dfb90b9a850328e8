package workers

import (
	"strings"
	"testing"

	"github.com/planweave/planweave/pkg/engine"
)

func TestExplainWorker_SummarizesUpstreamArtifacts(t *testing.T) {
	w := NewExplainWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 4,
		Inputs: map[string]interface{}{
			"policy": map[string]interface{}{
				"compliant":  false,
				"violations": []interface{}{},
			},
			"allocation": map[string]interface{}{
				"objective":   42.5,
				"allocations": []interface{}{20.0, 22.5},
			},
			"projection": map[string]interface{}{
				"forecast": []interface{}{18.0, 20.0, 22.0},
			},
		},
	})

	summary := out["summary"].(string)
	if !strings.Contains(summary, "plan over 4 periods") {
		t.Errorf("Expected horizon in summary, got %q", summary)
	}
	if !strings.Contains(summary, "policy reported policy violations") {
		t.Errorf("Expected policy phrase, got %q", summary)
	}
	if !strings.Contains(summary, "allocation allocated 42.50 units") {
		t.Errorf("Expected allocation phrase, got %q", summary)
	}
	if !strings.Contains(summary, "projection projected 3 periods") {
		t.Errorf("Expected projection phrase, got %q", summary)
	}
}

func TestExplainWorker_DeterministicSourceOrder(t *testing.T) {
	w := NewExplainWorker()
	req := engine.WorkRequest{
		Horizon: 2,
		Inputs: map[string]interface{}{
			"zeta":  "last",
			"alpha": "first",
			"mid":   []interface{}{1.0, 2.0},
		},
	}

	first := runWorker(t, w, req)
	second := runWorker(t, w, req)

	if first["summary"] != second["summary"] {
		t.Error("Expected identical summaries across runs")
	}

	sources := first["sources"].([]interface{})
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if sources[i] != name {
			t.Errorf("Expected source %d to be %s, got %v", i, name, sources[i])
		}
	}
}

func TestExplainWorker_NoInputs(t *testing.T) {
	w := NewExplainWorker()
	out := runWorker(t, w, engine.WorkRequest{Horizon: 2})

	summary := out["summary"].(string)
	if summary != "plan over 2 periods" {
		t.Errorf("Expected bare horizon summary, got %q", summary)
	}
}
