// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (console stream + OpenTelemetry)
//   - Automatic context field injection (trace_id, dream.id, request.id)
//   - Secret redaction on field names and value patterns
//   - Level-aware sampling (errors never sampled)
//   - A level that can be changed while running (config reload)
//
// # Usage
//
//	cfg, err := logging.FromConfig(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	defer logger.Sync()
//
//	ctx = logging.WithDreamID(ctx, "d1")
//	logger.Info(ctx, "analysis started")
//
// Components that only need a *zap.Logger receive logger.Underlying().
//
// # Testing
//
//	logger := logging.NewTestLogger()
//	// ... exercise code ...
//	logger.AssertLogged(t, zapcore.WarnLevel, "poll failed")
package logging
