package workers

import (
	"encoding/json"
	"fmt"

	"github.com/planweave/planweave/pkg/engine"
)

// requireInput fetches a named input, failing the worker when it is absent.
func requireInput(req engine.WorkRequest, name string) (interface{}, error) {
	v, ok := req.Inputs[name]
	if !ok {
		return nil, fmt.Errorf("missing required input %q", name)
	}
	return v, nil
}

// floatValue coerces a decoded JSON or YAML scalar to float64.
func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// floatSlice coerces a decoded JSON or YAML array to []float64.
func floatSlice(v interface{}) ([]float64, error) {
	switch arr := v.(type) {
	case []float64:
		return arr, nil
	case []interface{}:
		out := make([]float64, len(arr))
		for i, item := range arr {
			f, ok := floatValue(item)
			if !ok {
				return nil, fmt.Errorf("element %d is not numeric", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected numeric array, got %T", v)
	}
}

// floatInput fetches a named input and coerces it to float64, returning the
// fallback when the input is absent.
func floatInput(req engine.WorkRequest, name string, fallback float64) float64 {
	v, ok := req.Inputs[name]
	if !ok {
		return fallback
	}
	if f, ok := floatValue(v); ok {
		return f
	}
	return fallback
}

// seriesInput fetches a named input and coerces it to a numeric series. The
// input may be a bare array or a payload object carrying the series under
// one of the conventional keys.
func seriesInput(req engine.WorkRequest, name string) ([]float64, error) {
	v, err := requireInput(req, name)
	if err != nil {
		return nil, err
	}

	if obj, ok := v.(map[string]interface{}); ok {
		for _, key := range []string{"forecast", "series", "values", "allocations"} {
			if nested, ok := obj[key]; ok {
				v = nested
				break
			}
		}
	}

	series, err := floatSlice(v)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", name, err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("input %q: series is empty", name)
	}
	return series, nil
}
