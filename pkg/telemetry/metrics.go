package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the PlanWeave engine.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansCreated   prometheus.Counter
	plansExecuted  *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec
	activePlans    prometheus.Gauge

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Degradation metrics
	riskNotes      prometheus.Counter
	errorsByCode   *prometheus.CounterVec
	artifactWrites *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_created_total",
				Help:      "Total number of plans created",
			},
		),
		plansExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_executed_total",
				Help:      "Total number of plan executions by final state",
			},
			[]string{"state"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plans",
				Help:      "Number of plans currently executing",
			},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed by type and status",
			},
			[]string{"step_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"step_type"},
		),
		riskNotes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_notes_total",
				Help:      "Total number of risk notes recorded",
			},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified engine errors by code",
			},
			[]string{"code"},
		),
		artifactWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_writes_total",
				Help:      "Total number of artifact versions written by step type",
			},
			[]string{"step_type"},
		),
	}

	registry.MustRegister(
		m.plansCreated,
		m.plansExecuted,
		m.planDuration,
		m.activePlans,
		m.stepsExecuted,
		m.stepDuration,
		m.riskNotes,
		m.errorsByCode,
		m.artifactWrites,
	)

	return m, nil
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPlanCreated increments the created-plans counter.
func (m *Metrics) RecordPlanCreated() {
	if m.registry == nil {
		return
	}
	m.plansCreated.Inc()
}

// RecordPlanStarted increments the active-plans gauge.
func (m *Metrics) RecordPlanStarted() {
	if m.registry == nil {
		return
	}
	m.activePlans.Inc()
}

// RecordPlanFinished records the terminal state and duration of a plan run.
func (m *Metrics) RecordPlanFinished(state string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.activePlans.Dec()
	m.plansExecuted.WithLabelValues(state).Inc()
	m.planDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordStep records one step execution outcome.
func (m *Metrics) RecordStep(stepType, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(stepType, status).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordRiskNote increments the risk-note counter.
func (m *Metrics) RecordRiskNote() {
	if m.registry == nil {
		return
	}
	m.riskNotes.Inc()
}

// RecordError increments the classified-error counter for a code.
func (m *Metrics) RecordError(code string) {
	if m.registry == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// RecordArtifactWrite increments the artifact-write counter for a step type.
func (m *Metrics) RecordArtifactWrite(stepType string) {
	if m.registry == nil {
		return
	}
	m.artifactWrites.WithLabelValues(stepType).Inc()
}
