// Package telemetry provides OpenTelemetry tracing and metrics for somnia.
//
// # Overview
//
// Spans cover backend calls (one per request) and poll ticks. OTEL metrics
// cover the HTTP surface of the daemon. Exports go to an OTLP collector over
// gRPC or HTTP/protobuf.
//
// # Usage
//
//	cfg := telemetry.FromConfig(appCfg.Telemetry)
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("somnia.backend").Start(ctx, "backend.GetAnalysis")
//	defer span.End()
//
// # Error Handling
//
// Telemetry failures never stop the daemon. If an exporter cannot be built
// the instance reports itself degraded and hands out the global no-op
// providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	// ... exercise code with tt.Tracer(...) ...
//	tt.AssertSpanExists(t, "backend.BatchStatuses")
package telemetry
