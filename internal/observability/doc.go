// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the bridge.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts bearer tokens, JWTs
// and other secrets before they reach the output. Correlation fields travel
// on the context:
//
//	ctx = observability.AddSessionID(ctx, sessionID)
//	ctx = observability.AddTaskID(ctx, taskID)
//	observability.LoggerWithContext(ctx, logger).Info("task submitted")
//
// Logs go to stderr by default; stdout belongs to the stdio transport.
//
// # Metrics
//
// NewMetrics registers the collectors with the given registerer. Tests pass
// a fresh prometheus.NewRegistry() so runs do not collide on the default
// registry. A nil *Metrics records nothing.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// otherwise falls back to the global no-op provider. Each tool call gets one
// server span from TraceInvocation.
package observability
