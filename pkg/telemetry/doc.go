// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the PlanWeave engine. All engine components
// receive their logger and metrics through dependency injection; nothing in
// this package keeps global mutable state beyond the OpenTelemetry global
// tracer provider it registers at startup.
package telemetry
