// Package logging provides the service's structured logger.
//
// It wraps Zap with a Trace level below Debug, context correlation
// (trace_id, span_id, request.id), encoder-level secret redaction, and
// per-level sampling where errors are never sampled.
//
// Output goes to stdout and, once the telemetry logging pipeline is up, to
// the OTel log provider through the otelzap bridge:
//
//	logger, err := logging.NewLogger(cfg, client.LoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//	logger.Info(ctx, "collector reachable", zap.String("endpoint", ep))
//
// The telemetry client itself must be given a stdout-only logger, otherwise
// its own export warnings would be fed back into the pipeline they describe.
//
// Configuration is read from the "logging" section; LOG_LEVEL and LOG_FORMAT
// override level and format.
package logging
