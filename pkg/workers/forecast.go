package workers

import (
	"context"
	"encoding/json"

	"github.com/planweave/planweave/pkg/engine"
)

// ForecastWorker projects a numeric series forward using a least-squares
// linear trend. It is deliberately simple: the engine's contract is the
// input/output shape, not the model.
type ForecastWorker struct{}

// NewForecastWorker creates a forecast worker.
func NewForecastWorker() *ForecastWorker {
	return &ForecastWorker{}
}

// Type returns the step type this worker handles.
func (w *ForecastWorker) Type() engine.StepType {
	return engine.StepTypeForecast
}

// forecastOutput is the artifact payload shape for forecast steps.
type forecastOutput struct {
	Model     string    `json:"model"`
	Forecast  []float64 `json:"forecast"`
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
	Periods   int       `json:"periods"`
}

// Run fits a linear trend to the "series" input and extrapolates it over the
// plan horizon.
func (w *ForecastWorker) Run(ctx context.Context, req engine.WorkRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	series, err := seriesInput(req, "series")
	if err != nil {
		return nil, err
	}

	slope, intercept := fitLinearTrend(series)

	horizon := req.Horizon
	if horizon <= 0 {
		horizon = 1
	}

	forecast := make([]float64, horizon)
	n := float64(len(series))
	for i := 0; i < horizon; i++ {
		forecast[i] = intercept + slope*(n+float64(i))
	}

	return json.Marshal(forecastOutput{
		Model:     "linear_trend",
		Forecast:  forecast,
		Slope:     slope,
		Intercept: intercept,
		Periods:   horizon,
	})
}

// fitLinearTrend returns the least-squares slope and intercept of a series
// indexed 0..n-1. A single-point series yields a flat trend.
func fitLinearTrend(series []float64) (slope, intercept float64) {
	n := float64(len(series))
	if n == 1 {
		return 0, series[0]
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}
