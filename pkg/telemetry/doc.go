// Package telemetry provides observability instrumentation for driftwatch.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind one Config.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
// # Structured Logging
//
// Components take a zerolog.Logger tagged with their name:
//
//	logger := tel.Logger.Component("drift_scheduler")
//	logger.Info().Str("server_id", id).Msg("Sweep started")
//
// # Distributed Tracing
//
// Apply, remove and compliance runs open one span each:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, "apply", target, pack)
//	defer func() { telemetry.EndSpan(span, err) }()
//
// Supported exporters: otlp (gRPC), stdout and none.
//
// # Metrics
//
// Metrics cover the command whitelist, reconciliation runs, compliance
// checks, drift alerts, sweeps and notifications:
//
//	tel.Metrics.RecordRunCompleted("apply", "succeeded", duration)
//	tel.Metrics.RecordAlertTransition("opened")
//
// A nil *Metrics and a disabled one are no-ops, so components never check.
// Metrics are exposed via HTTP at /metrics (default :9090/metrics).
package telemetry
