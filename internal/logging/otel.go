package logging

import (
	"fmt"
	"io"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// bridgeName is the instrumentation scope of records sent through the
// telemetry logging pipeline.
const bridgeName = "github.com/fyrsmithlabs/otelguard/internal/logging"

// newDualCore creates a core writing to stdout, to the OTel log provider, or
// both. The OTel output is skipped when provider is nil.
func newDualCore(cfg *Config, out io.Writer, provider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(out), cfg.Level.Zap()))
	}

	if cfg.Output.OTEL && provider != nil {
		// otelzap has no level of its own; gate it on the configured level.
		bridge := otelzap.NewCore(bridgeName, otelzap.WithLoggerProvider(provider))
		cores = append(cores, &levelFilterCore{Core: bridge, min: cfg.Level.Zap(), max: zapcore.FatalLevel})
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}
