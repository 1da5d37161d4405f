// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the Fleetwright engine.
//
// Logging is zerolog; components derive child loggers with a component
// field. Metrics and tracing are both optional and collapse to no-ops when
// disabled, so callers never need nil checks.
package telemetry
