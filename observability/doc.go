// Package observability provides an OpenTelemetry-based metrics
// extension for jqm. MetricsExtension implements instance lifecycle
// hooks to record system-wide counters for enqueue, end, crash, kill,
// cancel, restart, and dead-letter events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
