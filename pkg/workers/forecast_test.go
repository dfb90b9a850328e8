package workers

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/planweave/planweave/pkg/engine"
)

func runWorker(t *testing.T, w engine.Worker, req engine.WorkRequest) map[string]interface{} {
	t.Helper()
	payload, err := w.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("Expected valid JSON payload, got: %v", err)
	}
	return out
}

func TestForecastWorker_LinearSeries(t *testing.T) {
	w := NewForecastWorker()
	out := runWorker(t, w, engine.WorkRequest{
		PlanID:  "plan-1",
		StepID:  "forecast",
		Horizon: 3,
		Inputs: map[string]interface{}{
			"series": []interface{}{10.0, 12.0, 14.0, 16.0},
		},
	})

	if out["model"] != "linear_trend" {
		t.Errorf("Expected linear_trend, got %v", out["model"])
	}

	forecast, ok := out["forecast"].([]interface{})
	if !ok || len(forecast) != 3 {
		t.Fatalf("Expected 3 forecast periods, got %v", out["forecast"])
	}

	// Series 10,12,14,16 continues as 18,20,22.
	want := []float64{18, 20, 22}
	for i, expected := range want {
		got, _ := floatValue(forecast[i])
		if math.Abs(got-expected) > 1e-9 {
			t.Errorf("Expected period %d to be %.1f, got %.4f", i, expected, got)
		}
	}

	slope, _ := floatValue(out["slope"])
	if math.Abs(slope-2.0) > 1e-9 {
		t.Errorf("Expected slope 2.0, got %.4f", slope)
	}
}

func TestForecastWorker_UnwrapsUpstreamPayload(t *testing.T) {
	w := NewForecastWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 2,
		Inputs: map[string]interface{}{
			"series": map[string]interface{}{
				"forecast": []interface{}{5.0, 5.0},
				"model":    "linear_trend",
			},
		},
	})

	forecast := out["forecast"].([]interface{})
	if len(forecast) != 2 {
		t.Fatalf("Expected 2 forecast periods, got %d", len(forecast))
	}
	got, _ := floatValue(forecast[0])
	if math.Abs(got-5.0) > 1e-9 {
		t.Errorf("Expected flat series to stay at 5.0, got %.4f", got)
	}
}

func TestForecastWorker_SinglePoint(t *testing.T) {
	w := NewForecastWorker()
	out := runWorker(t, w, engine.WorkRequest{
		Horizon: 2,
		Inputs: map[string]interface{}{
			"series": []interface{}{7.0},
		},
	})

	forecast := out["forecast"].([]interface{})
	for i := range forecast {
		got, _ := floatValue(forecast[i])
		if math.Abs(got-7.0) > 1e-9 {
			t.Errorf("Expected flat forecast at 7.0, got %.4f", got)
		}
	}
}

func TestForecastWorker_MissingSeries(t *testing.T) {
	w := NewForecastWorker()
	_, err := w.Run(context.Background(), engine.WorkRequest{Horizon: 2})
	if err == nil {
		t.Fatal("Expected error for missing series, got nil")
	}
}

func TestForecastWorker_EmptySeries(t *testing.T) {
	w := NewForecastWorker()
	_, err := w.Run(context.Background(), engine.WorkRequest{
		Horizon: 2,
		Inputs: map[string]interface{}{
			"series": []interface{}{},
		},
	})
	if err == nil {
		t.Fatal("Expected error for empty series, got nil")
	}
}
